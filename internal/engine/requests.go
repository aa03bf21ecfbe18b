package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"agencyflow/internal/apperr"
	"agencyflow/internal/domain"
	"agencyflow/internal/engine/auth"
	"agencyflow/internal/events"
	"agencyflow/internal/notify"
	"agencyflow/internal/repo"
	"agencyflow/internal/role"
	"agencyflow/internal/sla"
)

// SubmitRequestInput are parameters for submitting a work request.
type SubmitRequestInput struct {
	// ClientID defaults to the actor's client scope.
	ClientID    string
	ProductID   string
	Title       string
	Description string
	Quantity    int
	Priority    domain.Priority
}

func (e Engine) SubmitRequest(ctx context.Context, actor role.Actor, in SubmitRequestInput) (req domain.Request, err error) {
	ctx, done := e.trace(ctx, "SubmitRequest", actor)
	defer done(&err)

	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" {
		clientID = actor.EffectiveClientID()
	}
	if err := auth.ClientOwner(actor, clientID); err != nil {
		return req, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return req, apperr.Validation("title is required")
	}
	if in.ProductID == "" {
		return req, apperr.Validation("product is required")
	}
	if in.Quantity == 0 {
		in.Quantity = 1
	}
	if in.Quantity < 1 {
		return req, apperr.Validation("quantity must be at least 1")
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityNormal
	}
	if !in.Priority.Valid() {
		return req, apperr.Validation("priority must be Normal or Urgent")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetClient(ctx, tx, clientID); err != nil {
		return req, notFound(err, "client", clientID)
	}
	product, err := e.Repo.GetProduct(ctx, tx, in.ProductID)
	if err != nil {
		return req, notFound(err, "product", in.ProductID)
	}
	if !product.Active {
		return req, apperr.Validation("product %s is not available", product.ID)
	}
	now := e.now()
	protocol, err := e.Repo.NextProtocol(ctx, tx, now.UTC().Year())
	if err != nil {
		return req, err
	}
	req = domain.Request{
		ID:          uuid.NewString(),
		Protocol:    protocol,
		ClientID:    clientID,
		ProductID:   product.ID,
		Title:       in.Title,
		Description: strings.TrimSpace(in.Description),
		Quantity:    in.Quantity,
		Priority:    in.Priority,
		Status:      domain.RequestPending,
		CreatedAt:   e.ts(),
	}
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return req, err
	}
	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.RequestSubmitted, "request", req.ID, actor.SubjectID, events.EventPayload{
		"protocol":   req.Protocol,
		"client_id":  req.ClientID,
		"product_id": req.ProductID,
		"quantity":   req.Quantity,
		"priority":   req.Priority,
	})); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	e.flush(ctx, &fx)
	return req, nil
}

// StartReview moves a Pending request to UnderReview.
func (e Engine) StartReview(ctx context.Context, actor role.Actor, requestID string) (req domain.Request, err error) {
	ctx, done := e.trace(ctx, "StartReview", actor)
	defer done(&err)

	if err := auth.Admin(actor); err != nil {
		return req, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()

	req, err = e.Repo.GetRequest(ctx, tx, requestID)
	if err != nil {
		return req, notFound(err, "request", requestID)
	}
	if err := checkRequestTransition(req.Status, domain.RequestUnderReview); err != nil {
		return req, err
	}
	ok, err := e.Repo.CompareAndSetRequestStatus(ctx, tx, req.ID, req.Status, domain.RequestUnderReview, nil)
	if err != nil {
		return req, err
	}
	if !ok {
		return req, apperr.Stale("request %s changed concurrently", req.Protocol)
	}
	from := req.Status
	req.Status = domain.RequestUnderReview
	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.RequestReviewing, "request", req.ID, actor.SubjectID, events.EventPayload{
		"from": from, "to": req.Status,
	})); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	e.Metrics.Transition(ctx, "request", string(from), string(req.Status))
	e.flush(ctx, &fx)
	return req, nil
}

// ApproveRequestInput are parameters for approving a request.
type ApproveRequestInput struct {
	RequestID  string
	AssigneeID string
	// DueDate is YYYY-MM-DD.
	DueDate   string
	ProjectID string
	Notes     string
}

type ApproveResult struct {
	Request domain.Request `json:"request"`
	Task    domain.Task    `json:"task"`
}

// ApproveRequest approves a request and creates its task in one transaction,
// freezing the catalog terms current at this moment.
func (e Engine) ApproveRequest(ctx context.Context, actor role.Actor, in ApproveRequestInput) (res ApproveResult, err error) {
	ctx, done := e.trace(ctx, "ApproveRequest", actor)
	defer done(&err)

	if err := auth.Admin(actor); err != nil {
		return res, err
	}
	if strings.TrimSpace(in.AssigneeID) == "" {
		return res, apperr.Validation("assignee is required")
	}
	if strings.TrimSpace(in.DueDate) == "" {
		return res, apperr.Validation("due date is required")
	}
	if _, err := sla.ParseDate(in.DueDate, e.now().Location()); err != nil {
		return res, apperr.Validation("due date must be YYYY-MM-DD")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequest(ctx, tx, in.RequestID)
	if err != nil {
		return res, notFound(err, "request", in.RequestID)
	}
	if err := checkRequestTransition(req.Status, domain.RequestApproved); err != nil {
		return res, err
	}
	assignee, err := e.collaboratorProfile(ctx, tx, in.AssigneeID)
	if err != nil {
		return res, err
	}
	product, err := e.Repo.GetProduct(ctx, tx, req.ProductID)
	if err != nil {
		return res, notFound(err, "product", req.ProductID)
	}
	now := e.ts()
	ok, err := e.Repo.CompareAndSetRequestStatus(ctx, tx, req.ID, req.Status, domain.RequestApproved, &repo.RequestReview{
		ReviewerID: actor.SubjectID,
		Notes:      strings.TrimSpace(in.Notes),
		ReviewedAt: now,
	})
	if err != nil {
		return res, err
	}
	if !ok {
		return res, apperr.Stale("request %s changed concurrently", req.Protocol)
	}
	from := req.Status
	req.Status = domain.RequestApproved
	req.ReviewerID = &actor.SubjectID
	req.ReviewNotes = optionalString(in.Notes)
	req.ReviewedAt = &now

	requestID := req.ID
	assigneeID := assignee.ID
	task := domain.Task{
		ID:               uuid.NewString(),
		RequestID:        &requestID,
		ClientID:         req.ClientID,
		ProjectID:        optionalString(in.ProjectID),
		ProductID:        product.ID,
		AssigneeID:       &assigneeID,
		Quantity:         req.Quantity,
		DueDate:          in.DueDate,
		FrozenPriceCents: product.PriceCents * int64(req.Quantity),
		FrozenSLADays:    product.SLADays,
		Status:           domain.TaskBacklog,
		Description:      req.Description,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
		return res, err
	}
	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.RequestApproved, "request", req.ID, actor.SubjectID, events.EventPayload{
		"from": from, "to": req.Status, "task_id": task.ID, "note": strings.TrimSpace(in.Notes),
	})); err != nil {
		return res, err
	}
	if err := fx.event(e.appendEvent(ctx, tx, events.TaskCreated, "task", task.ID, actor.SubjectID, events.EventPayload{
		"request_id":         req.ID,
		"assignee_id":        assignee.ID,
		"status":             task.Status,
		"due_date":           task.DueDate,
		"frozen_price_cents": task.FrozenPriceCents,
		"frozen_sla_days":    task.FrozenSLADays,
	})); err != nil {
		return res, err
	}
	if client, err := e.Repo.GetClient(ctx, tx, req.ClientID); err == nil {
		fx.notify(notify.TemplateRequestReviewed, client.ActivationEmail, map[string]any{
			"protocol": req.Protocol, "status": req.Status,
		})
	}
	fx.notify(notify.TemplateTaskStatus, assignee.Email, map[string]any{
		"task_id": task.ID, "status": task.Status, "due_date": task.DueDate,
	})
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.Metrics.Transition(ctx, "request", string(from), string(req.Status))
	e.flush(ctx, &fx)
	return ApproveResult{Request: req, Task: task}, nil
}

// RejectRequest closes a request with the reviewer's notes.
func (e Engine) RejectRequest(ctx context.Context, actor role.Actor, requestID, notes string) (req domain.Request, err error) {
	ctx, done := e.trace(ctx, "RejectRequest", actor)
	defer done(&err)

	if err := auth.Admin(actor); err != nil {
		return req, err
	}
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return req, apperr.Validation("rejection notes are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()

	req, err = e.Repo.GetRequest(ctx, tx, requestID)
	if err != nil {
		return req, notFound(err, "request", requestID)
	}
	if err := checkRequestTransition(req.Status, domain.RequestRejected); err != nil {
		return req, err
	}
	now := e.ts()
	ok, err := e.Repo.CompareAndSetRequestStatus(ctx, tx, req.ID, req.Status, domain.RequestRejected, &repo.RequestReview{
		ReviewerID: actor.SubjectID,
		Notes:      notes,
		ReviewedAt: now,
	})
	if err != nil {
		return req, err
	}
	if !ok {
		return req, apperr.Stale("request %s changed concurrently", req.Protocol)
	}
	from := req.Status
	req.Status = domain.RequestRejected
	req.ReviewerID = &actor.SubjectID
	req.ReviewNotes = &notes
	req.ReviewedAt = &now

	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.RequestRejected, "request", req.ID, actor.SubjectID, events.EventPayload{
		"from": from, "to": req.Status, "note": notes,
	})); err != nil {
		return req, err
	}
	if client, err := e.Repo.GetClient(ctx, tx, req.ClientID); err == nil {
		fx.notify(notify.TemplateRequestReviewed, client.ActivationEmail, map[string]any{
			"protocol": req.Protocol, "status": req.Status, "notes": notes,
		})
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	e.Metrics.Transition(ctx, "request", string(from), string(req.Status))
	e.flush(ctx, &fx)
	return req, nil
}

// GetRequest returns a request the actor may see. Invisible requests read as
// missing.
func (e Engine) GetRequest(ctx context.Context, actor role.Actor, id string) (domain.Request, error) {
	if err := auth.Classified(actor); err != nil {
		return domain.Request{}, err
	}
	req, err := e.Repo.GetRequest(ctx, nil, id)
	if err != nil {
		return req, notFound(err, "request", id)
	}
	if !auth.CanSeeRequest(actor, req) {
		return domain.Request{}, apperr.NotFound("request %s", id)
	}
	return req, nil
}

// ListRequests scopes the listing to what the actor may see. Collaborators
// get an empty list.
func (e Engine) ListRequests(ctx context.Context, actor role.Actor, status domain.RequestStatus, limit int) ([]domain.Request, error) {
	if err := auth.Classified(actor); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("invalid request status %q", status)
	}
	if actor.IsCollaborator() {
		return []domain.Request{}, nil
	}
	scope := actor.EffectiveClientID()
	if actor.IsClient() && scope == "" {
		return []domain.Request{}, nil
	}
	out, err := e.Repo.ListRequests(ctx, repo.RequestFilter{ClientID: scope, Status: status, Limit: limit})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Request{}
	}
	return out, nil
}

// collaboratorProfile loads an assignable profile.
func (e Engine) collaboratorProfile(ctx context.Context, tx *sql.Tx, id string) (domain.Profile, error) {
	p, err := e.Repo.GetProfile(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return p, apperr.Validation("assignee %s does not exist", id)
		}
		return p, err
	}
	if e.Classifier.Classify(p.Roles) != role.Collaborator {
		return p, apperr.Validation("assignee %s is not a collaborator", id)
	}
	return p, nil
}

// RequestTask returns the task an approved request produced.
func (e Engine) RequestTask(ctx context.Context, actor role.Actor, requestID string) (TaskView, error) {
	req, err := e.GetRequest(ctx, actor, requestID)
	if err != nil {
		return TaskView{}, err
	}
	t, err := e.Repo.GetTaskByRequest(ctx, nil, req.ID)
	if err != nil {
		return TaskView{}, notFound(err, "task for request", req.Protocol)
	}
	return e.GetTask(ctx, actor, t.ID)
}
