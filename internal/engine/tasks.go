package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agencyflow/internal/apperr"
	"agencyflow/internal/blob"
	"agencyflow/internal/domain"
	"agencyflow/internal/engine/auth"
	"agencyflow/internal/events"
	"agencyflow/internal/notify"
	"agencyflow/internal/projection"
	"agencyflow/internal/repo"
	"agencyflow/internal/role"
	"agencyflow/internal/sla"
)

// MaxAttachmentBytes caps a single upload.
const MaxAttachmentBytes = 50 << 20

// CreateTaskInput are parameters for a task created directly by staff,
// without a client request.
type CreateTaskInput struct {
	ClientID    string
	ProductID   string
	AssigneeID  string
	ProjectID   string
	Quantity    int
	DueDate     string
	Description string
}

// CreateTask creates a Backlog task outside the request flow. It follows the
// same lifecycle and freezes catalog terms the same way approval does.
func (e Engine) CreateTask(ctx context.Context, actor role.Actor, in CreateTaskInput) (task domain.Task, err error) {
	ctx, done := e.trace(ctx, "CreateTask", actor)
	defer done(&err)

	if err := auth.Admin(actor); err != nil {
		return task, err
	}
	switch {
	case strings.TrimSpace(in.ClientID) == "":
		return task, apperr.Validation("client is required")
	case strings.TrimSpace(in.ProductID) == "":
		return task, apperr.Validation("product is required")
	case strings.TrimSpace(in.AssigneeID) == "":
		return task, apperr.Validation("assignee is required")
	case strings.TrimSpace(in.DueDate) == "":
		return task, apperr.Validation("due date is required")
	}
	if in.Quantity == 0 {
		in.Quantity = 1
	}
	if in.Quantity < 1 {
		return task, apperr.Validation("quantity must be at least 1")
	}
	if _, err := sla.ParseDate(in.DueDate, e.now().Location()); err != nil {
		return task, apperr.Validation("due date must be YYYY-MM-DD")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return task, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetClient(ctx, tx, in.ClientID); err != nil {
		return task, notFound(err, "client", in.ClientID)
	}
	product, err := e.Repo.GetProduct(ctx, tx, in.ProductID)
	if err != nil {
		return task, notFound(err, "product", in.ProductID)
	}
	assignee, err := e.collaboratorProfile(ctx, tx, in.AssigneeID)
	if err != nil {
		return task, err
	}
	now := e.ts()
	assigneeID := assignee.ID
	task = domain.Task{
		ID:               uuid.NewString(),
		ClientID:         in.ClientID,
		ProjectID:        optionalString(in.ProjectID),
		ProductID:        product.ID,
		AssigneeID:       &assigneeID,
		Quantity:         in.Quantity,
		DueDate:          in.DueDate,
		FrozenPriceCents: product.PriceCents * int64(in.Quantity),
		FrozenSLADays:    product.SLADays,
		Status:           domain.TaskBacklog,
		Description:      strings.TrimSpace(in.Description),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
		return task, err
	}
	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.TaskCreated, "task", task.ID, actor.SubjectID, events.EventPayload{
		"assignee_id":        assignee.ID,
		"status":             task.Status,
		"due_date":           task.DueDate,
		"frozen_price_cents": task.FrozenPriceCents,
		"frozen_sla_days":    task.FrozenSLADays,
	})); err != nil {
		return task, err
	}
	fx.notify(notify.TemplateTaskStatus, assignee.Email, map[string]any{
		"task_id": task.ID, "status": task.Status, "due_date": task.DueDate,
	})
	if err := tx.Commit(); err != nil {
		return task, err
	}
	e.flush(ctx, &fx)
	return task, nil
}

// AdvanceTaskInput requests one lifecycle step.
type AdvanceTaskInput struct {
	TaskID string
	Target domain.TaskStatus
	Notes  string
}

// AdvanceTask applies one edge of the task lifecycle. Repeating a step that
// already happened is reported as stale state.
func (e Engine) AdvanceTask(ctx context.Context, actor role.Actor, in AdvanceTaskInput) (task domain.Task, err error) {
	ctx, done := e.trace(ctx, "AdvanceTask", actor)
	defer done(&err)

	if err := auth.Classified(actor); err != nil {
		return task, err
	}
	if !in.Target.Valid() {
		return task, apperr.Validation("unknown task status %q", in.Target)
	}
	notes := strings.TrimSpace(in.Notes)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return task, err
	}
	defer tx.Rollback()

	task, err = e.Repo.GetTask(ctx, tx, in.TaskID)
	if err != nil {
		return task, notFound(err, "task", in.TaskID)
	}
	if requiresOutput[in.Target] {
		n, err := e.Repo.CountAttachments(ctx, tx, task.ID, domain.DirectionOutput)
		if err != nil {
			return task, err
		}
		if n == 0 {
			return task, apperr.Validation("%s requires at least one output attachment", in.Target)
		}
	}
	rule, err := lookupTaskRule(task.Status, in.Target)
	if err != nil {
		return task, err
	}
	if err := rule.check(actor, task); err != nil {
		return task, err
	}
	if rule.notes && notes == "" {
		return task, apperr.Validation("notes are required to move a task to %s", in.Target)
	}

	from := task.Status
	now := e.ts()
	ok, err := e.Repo.CompareAndSetTaskStatus(ctx, tx, task.ID, from, in.Target, now)
	if err != nil {
		return task, err
	}
	if !ok {
		return task, apperr.Stale("task %s changed concurrently", task.ID)
	}
	task.Status = in.Target
	task.UpdatedAt = now

	var fx effects
	if rule.notes {
		c := domain.Comment{ID: uuid.NewString(), TaskID: task.ID, AuthorID: actor.SubjectID, Body: notes, CreatedAt: now}
		if err := e.Repo.InsertComment(ctx, tx, c); err != nil {
			return task, err
		}
		if err := fx.event(e.appendEvent(ctx, tx, events.CommentAdded, "task", task.ID, actor.SubjectID, events.EventPayload{
			"comment_id": c.ID,
		})); err != nil {
			return task, err
		}
	}
	if err := fx.event(e.appendEvent(ctx, tx, events.TaskTransitioned, "task", task.ID, actor.SubjectID, events.EventPayload{
		"from": from, "to": task.Status, "note": notes,
	})); err != nil {
		return task, err
	}
	if rule.notifyAssignee && task.AssigneeID != nil {
		if p, err := e.Repo.GetProfile(ctx, tx, *task.AssigneeID); err == nil {
			fx.notify(notify.TemplateTaskStatus, p.Email, map[string]any{
				"task_id": task.ID, "status": task.Status, "notes": notes,
			})
		}
	}
	if rule.notifyClient {
		if c, err := e.Repo.GetClient(ctx, tx, task.ClientID); err == nil {
			view, _ := projection.Project(task.Status, role.Client)
			fx.notify(notify.TemplateTaskReleased, c.ActivationEmail, map[string]any{
				"task_id": task.ID, "status": view.Label,
			})
		}
	}
	if err := tx.Commit(); err != nil {
		return task, err
	}
	e.Metrics.Transition(ctx, "task", string(from), string(task.Status))
	e.flush(ctx, &fx)
	return task, nil
}

// TaskView is a task as one viewer may see it. Status carries the projected
// label, so Clients never receive the canonical status.
type TaskView struct {
	ID               string  `json:"id"`
	RequestID        *string `json:"request_id,omitempty"`
	ClientID         string  `json:"client_id"`
	ProjectID        *string `json:"project_id,omitempty"`
	ProductID        string  `json:"product_id"`
	AssigneeID       *string `json:"assignee_id,omitempty"`
	Quantity         int     `json:"quantity"`
	DueDate          string  `json:"due_date" format:"date"`
	Status           string  `json:"status"`
	Bucket           string  `json:"bucket"`
	Urgency          string  `json:"urgency,omitempty" enum:"overdue,at_risk,normal"`
	BusinessDaysLeft int     `json:"business_days_left"`
	FrozenPriceCents *int64  `json:"frozen_price_cents,omitempty"`
	FrozenSLADays    *int    `json:"frozen_sla_days,omitempty"`
	Description      string  `json:"description,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

func (e Engine) viewTask(actor role.Actor, t domain.Task, v projection.View) TaskView {
	out := TaskView{
		ID:          t.ID,
		RequestID:   t.RequestID,
		ClientID:    t.ClientID,
		ProjectID:   t.ProjectID,
		ProductID:   t.ProductID,
		AssigneeID:  t.AssigneeID,
		Quantity:    t.Quantity,
		DueDate:     t.DueDate,
		Status:      v.Label,
		Bucket:      v.Bucket,
		Description: t.Description,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if actor.IsAdmin() {
		price, days := t.FrozenPriceCents, t.FrozenSLADays
		out.FrozenPriceCents = &price
		out.FrozenSLADays = &days
	}
	now := e.now()
	if due, err := sla.ParseDate(t.DueDate, now.Location()); err == nil && !t.Status.Terminal() && t.Status != domain.TaskClientApproved {
		out.Urgency = string(sla.Classify(due, now))
		out.BusinessDaysLeft = sla.BusinessDaysUntil(due, now)
	}
	return out
}

// GetTask returns the actor's view of one task. Tasks the actor may not see,
// including statuses hidden by projection, read as missing.
func (e Engine) GetTask(ctx context.Context, actor role.Actor, id string) (TaskView, error) {
	if err := auth.Classified(actor); err != nil {
		return TaskView{}, err
	}
	t, err := e.Repo.GetTask(ctx, nil, id)
	if err != nil {
		return TaskView{}, notFound(err, "task", id)
	}
	if !auth.CanSeeTask(actor, t) {
		return TaskView{}, apperr.NotFound("task %s", id)
	}
	v, ok := projection.Project(t.Status, actor.Class)
	if !ok {
		return TaskView{}, apperr.NotFound("task %s", id)
	}
	return e.viewTask(actor, t, v), nil
}

// TaskQuery narrows a task listing.
type TaskQuery struct {
	// Status filters on the canonical status; staff only.
	Status domain.TaskStatus
	Limit  int
}

func (e Engine) visibleTasks(ctx context.Context, actor role.Actor, q TaskQuery) ([]domain.Task, error) {
	if err := auth.Classified(actor); err != nil {
		return nil, err
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, apperr.Validation("invalid task status %q", q.Status)
	}
	f := repo.TaskFilter{Limit: q.Limit}
	switch actor.Class {
	case role.Admin:
		f.ClientID = actor.ViewingClientID
		f.Status = q.Status
	case role.Collaborator:
		f.AssigneeID = actor.SubjectID
		f.Status = q.Status
	case role.Client:
		if actor.ClientID == "" {
			return nil, nil
		}
		f.ClientID = actor.ClientID
	}
	return e.Repo.ListTasks(ctx, f)
}

// ListTasks returns the actor's projected, SLA-annotated task list.
func (e Engine) ListTasks(ctx context.Context, actor role.Actor, q TaskQuery) ([]TaskView, error) {
	tasks, err := e.visibleTasks(ctx, actor, q)
	if err != nil {
		return nil, err
	}
	items := projection.Filter(tasks, actor.Class)
	out := make([]TaskView, 0, len(items))
	for _, it := range items {
		out = append(out, e.viewTask(actor, it.Task, it.View))
	}
	return out, nil
}

// BoardColumn is one bucket of the actor's task board.
type BoardColumn struct {
	Bucket string     `json:"bucket"`
	Tasks  []TaskView `json:"tasks"`
}

// Board groups the actor's tasks by projected bucket, keeping empty columns.
func (e Engine) Board(ctx context.Context, actor role.Actor) ([]BoardColumn, error) {
	tasks, err := e.visibleTasks(ctx, actor, TaskQuery{})
	if err != nil {
		return nil, err
	}
	cols := projection.Board(tasks, actor.Class)
	out := make([]BoardColumn, 0, len(cols))
	for _, c := range cols {
		col := BoardColumn{Bucket: c.Bucket, Tasks: make([]TaskView, 0, len(c.Items))}
		for _, it := range c.Items {
			col.Tasks = append(col.Tasks, e.viewTask(actor, it.Task, it.View))
		}
		out = append(out, col)
	}
	return out, nil
}

// AttachmentInput is one upload bound to a task.
type AttachmentInput struct {
	TaskID      string
	Direction   domain.Direction
	Filename    string
	ContentType string
	Data        []byte
}

// AddAttachment stores the bytes in the blob store, then records the row.
// Output files come from the assignee or an Admin; Input files from anyone
// who can see the task.
func (e Engine) AddAttachment(ctx context.Context, actor role.Actor, in AttachmentInput) (att domain.Attachment, err error) {
	ctx, done := e.trace(ctx, "AddAttachment", actor)
	defer done(&err)

	if err := auth.Classified(actor); err != nil {
		return att, err
	}
	if !in.Direction.Valid() {
		return att, apperr.Validation("direction must be Input or Output")
	}
	if len(in.Data) == 0 {
		return att, apperr.Validation("attachment is empty")
	}
	if len(in.Data) > MaxAttachmentBytes {
		return att, apperr.Validation("attachment exceeds %d bytes", MaxAttachmentBytes)
	}
	task, err := e.Repo.GetTask(ctx, nil, in.TaskID)
	if err != nil {
		return att, notFound(err, "task", in.TaskID)
	}
	if !auth.CanSeeTask(actor, task) {
		return att, apperr.Forbidden("task not visible")
	}
	if in.Direction == domain.DirectionOutput && !actor.IsAdmin() {
		if err := auth.Assignee(actor, task); err != nil {
			return att, err
		}
	}
	if task.Status.Terminal() {
		return att, apperr.Stale("task is %s", task.Status)
	}
	if e.Blob == nil {
		return att, apperr.Dependency("blob store", errors.New("not configured"))
	}
	obj, err := e.Blob.Store(ctx, in.Data, in.ContentType)
	if err != nil {
		return att, apperr.Dependency("blob store", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return att, err
	}
	defer tx.Rollback()
	taskID := task.ID
	att = domain.Attachment{
		ID:          uuid.NewString(),
		TaskID:      &taskID,
		Direction:   in.Direction,
		URL:         obj.URL,
		Size:        obj.Size,
		ContentType: in.ContentType,
		Filename:    strings.TrimSpace(in.Filename),
		UploadedBy:  actor.SubjectID,
		CreatedAt:   e.ts(),
	}
	if err := e.Repo.InsertAttachment(ctx, tx, att); err != nil {
		return att, err
	}
	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.AttachmentAdded, "task", task.ID, actor.SubjectID, events.EventPayload{
		"attachment_id": att.ID, "direction": att.Direction, "size": att.Size,
	})); err != nil {
		return att, err
	}
	if err := tx.Commit(); err != nil {
		e.log().Warn("attachment row not recorded; blob left orphaned", zap.String("url", obj.URL), zap.Error(err))
		return att, err
	}
	e.flush(ctx, &fx)
	return att, nil
}

func (e Engine) ListAttachments(ctx context.Context, actor role.Actor, taskID string) ([]domain.Attachment, error) {
	if _, err := e.taskFor(ctx, actor, taskID); err != nil {
		return nil, err
	}
	out, err := e.Repo.ListAttachments(ctx, taskID, "")
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Attachment{}
	}
	return out, nil
}

// FetchAttachment returns an attachment's metadata and bytes.
func (e Engine) FetchAttachment(ctx context.Context, actor role.Actor, attachmentID string) (domain.Attachment, []byte, error) {
	if err := auth.Classified(actor); err != nil {
		return domain.Attachment{}, nil, err
	}
	att, err := e.Repo.GetAttachment(ctx, nil, attachmentID)
	if err != nil {
		return att, nil, notFound(err, "attachment", attachmentID)
	}
	if att.TaskID == nil {
		if !actor.IsAdmin() {
			return domain.Attachment{}, nil, apperr.NotFound("attachment %s", attachmentID)
		}
	} else if _, err := e.taskFor(ctx, actor, *att.TaskID); err != nil {
		return domain.Attachment{}, nil, apperr.NotFound("attachment %s", attachmentID)
	}
	if e.Blob == nil {
		return att, nil, apperr.Dependency("blob store", errors.New("not configured"))
	}
	data, err := e.Blob.Fetch(ctx, att.URL)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return att, nil, apperr.NotFound("attachment %s content", attachmentID)
		}
		return att, nil, apperr.Dependency("blob store", err)
	}
	return att, data, nil
}

// AddComment appends a note to a task the actor can see.
func (e Engine) AddComment(ctx context.Context, actor role.Actor, taskID, body string) (c domain.Comment, err error) {
	ctx, done := e.trace(ctx, "AddComment", actor)
	defer done(&err)

	body = strings.TrimSpace(body)
	if body == "" {
		return c, apperr.Validation("comment body is required")
	}
	task, err := e.taskFor(ctx, actor, taskID)
	if err != nil {
		return c, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	c = domain.Comment{ID: uuid.NewString(), TaskID: task.ID, AuthorID: actor.SubjectID, Body: body, CreatedAt: e.ts()}
	if err := e.Repo.InsertComment(ctx, tx, c); err != nil {
		return c, err
	}
	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.CommentAdded, "task", task.ID, actor.SubjectID, events.EventPayload{
		"comment_id": c.ID,
	})); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	e.flush(ctx, &fx)
	return c, nil
}

func (e Engine) ListComments(ctx context.Context, actor role.Actor, taskID string) ([]domain.Comment, error) {
	if _, err := e.taskFor(ctx, actor, taskID); err != nil {
		return nil, err
	}
	out, err := e.Repo.ListComments(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Comment{}
	}
	return out, nil
}

// taskFor loads a task the actor has access to by ownership or assignment.
func (e Engine) taskFor(ctx context.Context, actor role.Actor, taskID string) (domain.Task, error) {
	if err := auth.Classified(actor); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, nil, taskID)
	if err != nil {
		return t, notFound(err, "task", taskID)
	}
	if !auth.CanSeeTask(actor, t) {
		return domain.Task{}, apperr.NotFound("task %s", taskID)
	}
	return t, nil
}

// TaskCounts summarizes all tasks by canonical status for Admins.
func (e Engine) TaskCounts(ctx context.Context, actor role.Actor) (map[domain.TaskStatus]int, error) {
	if err := auth.Admin(actor); err != nil {
		return nil, err
	}
	counts, err := e.Repo.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range domain.TaskStatuses {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}
