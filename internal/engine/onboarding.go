package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"agencyflow/internal/apperr"
	"agencyflow/internal/domain"
	"agencyflow/internal/engine/auth"
	"agencyflow/internal/events"
	"agencyflow/internal/repo"
	"agencyflow/internal/role"
	"agencyflow/internal/vault"
)

const auditDecrypt = "decrypt"

// CreateOnboardingInstance opens an onboarding questionnaire for a client.
func (e Engine) CreateOnboardingInstance(ctx context.Context, actor role.Actor, clientID string) (inst domain.OnboardingInstance, err error) {
	ctx, done := e.trace(ctx, "CreateOnboardingInstance", actor)
	defer done(&err)

	if clientID == "" {
		clientID = actor.EffectiveClientID()
	}
	if err := auth.ClientOrAdmin(actor, clientID); err != nil {
		return inst, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return inst, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetClient(ctx, tx, clientID); err != nil {
		return inst, notFound(err, "client", clientID)
	}
	inst = domain.OnboardingInstance{ID: uuid.NewString(), ClientID: clientID, CreatedAt: e.ts()}
	if err := e.Repo.InsertOnboardingInstance(ctx, tx, inst); err != nil {
		return inst, err
	}
	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.OnboardingStarted, "onboarding", inst.ID, actor.SubjectID, events.EventPayload{
		"client_id": clientID,
	})); err != nil {
		return inst, err
	}
	if err := tx.Commit(); err != nil {
		return inst, err
	}
	e.flush(ctx, &fx)
	return inst, nil
}

// RecordResponseInput is one onboarding answer.
type RecordResponseInput struct {
	InstanceID string
	FieldKey   string
	Value      string
	Sensitive  bool
}

// RecordOnboardingResponse stores an answer, sealing it first when the field
// is sensitive. The returned response never carries a sensitive value.
func (e Engine) RecordOnboardingResponse(ctx context.Context, actor role.Actor, in RecordResponseInput) (resp domain.OnboardingResponse, err error) {
	ctx, done := e.trace(ctx, "RecordOnboardingResponse", actor)
	defer done(&err)

	if err := auth.Classified(actor); err != nil {
		return resp, err
	}
	in.FieldKey = strings.TrimSpace(in.FieldKey)
	if in.FieldKey == "" {
		return resp, apperr.Validation("field key is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return resp, err
	}
	defer tx.Rollback()

	inst, err := e.Repo.GetOnboardingInstance(ctx, tx, in.InstanceID)
	if err != nil {
		return resp, notFound(err, "onboarding instance", in.InstanceID)
	}
	if err := auth.ClientOrAdmin(actor, inst.ClientID); err != nil {
		return resp, err
	}
	value := in.Value
	if in.Sensitive {
		value, err = e.Sealer.Seal(in.Value, vault.Binding(inst.ID, in.FieldKey))
		if err != nil {
			return resp, apperr.Dependency("vault", err)
		}
	}
	now := e.ts()
	resp = domain.OnboardingResponse{
		InstanceID: inst.ID,
		FieldKey:   in.FieldKey,
		Sensitive:  in.Sensitive,
		Value:      value,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if prev, err := e.Repo.GetResponse(ctx, tx, inst.ID, in.FieldKey); err == nil {
		resp.CreatedAt = prev.CreatedAt
	} else if !errors.Is(err, repo.ErrNotFound) {
		return resp, err
	}
	if err := e.Repo.UpsertResponse(ctx, tx, resp); err != nil {
		return resp, err
	}
	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.OnboardingRecorded, "onboarding", inst.ID, actor.SubjectID, events.EventPayload{
		"field_key": in.FieldKey, "sensitive": in.Sensitive,
	})); err != nil {
		return resp, err
	}
	if err := tx.Commit(); err != nil {
		return resp, err
	}
	e.flush(ctx, &fx)
	return maskResponse(resp), nil
}

func maskResponse(r domain.OnboardingResponse) domain.OnboardingResponse {
	if r.Sensitive {
		r.Value = ""
	}
	return r
}

// ListOnboardingResponses returns answers with sensitive values withheld.
func (e Engine) ListOnboardingResponses(ctx context.Context, actor role.Actor, instanceID string) ([]domain.OnboardingResponse, error) {
	if err := auth.Classified(actor); err != nil {
		return nil, err
	}
	inst, err := e.Repo.GetOnboardingInstance(ctx, nil, instanceID)
	if err != nil {
		return nil, notFound(err, "onboarding instance", instanceID)
	}
	if err := auth.ClientOrAdmin(actor, inst.ClientID); err != nil {
		return nil, err
	}
	rows, err := e.Repo.ListResponses(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.OnboardingResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, maskResponse(r))
	}
	return out, nil
}

// DecryptSensitiveField reveals one sealed answer to an Admin. The audit
// entry and the decryption share a transaction: if either fails, or the
// commit does, no plaintext is returned and no audit entry remains.
func (e Engine) DecryptSensitiveField(ctx context.Context, actor role.Actor, instanceID, fieldKey string) (plaintext string, err error) {
	ctx, done := e.trace(ctx, "DecryptSensitiveField", actor)
	defer done(&err)

	if err := auth.Admin(actor); err != nil {
		return "", err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	resp, err := e.Repo.GetResponse(ctx, tx, instanceID, fieldKey)
	if err != nil {
		return "", notFound(err, "onboarding field", fieldKey)
	}
	if !resp.Sensitive {
		return "", apperr.Validation("field %s is not sensitive", fieldKey)
	}
	if _, err := e.Repo.InsertAudit(ctx, tx, domain.AuditLogEntry{
		SubjectID:  actor.SubjectID,
		Action:     auditDecrypt,
		InstanceID: instanceID,
		FieldKey:   fieldKey,
		CreatedAt:  e.ts(),
	}); err != nil {
		return "", apperr.Dependency("audit log", err)
	}
	value, err := e.Sealer.Open(resp.Value, vault.Binding(instanceID, fieldKey))
	if err != nil {
		return "", apperr.Dependency("vault", err)
	}
	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.FieldDecrypted, "onboarding", instanceID, actor.SubjectID, events.EventPayload{
		"field_key": fieldKey,
	})); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", apperr.Dependency("audit log", err)
	}
	e.Metrics.Decrypt(ctx)
	e.flush(ctx, &fx)
	return value, nil
}

// ListAudit returns the decrypt audit trail of an instance.
func (e Engine) ListAudit(ctx context.Context, actor role.Actor, instanceID string) ([]domain.AuditLogEntry, error) {
	if err := auth.Admin(actor); err != nil {
		return nil, err
	}
	out, err := e.Repo.ListAudit(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.AuditLogEntry{}
	}
	return out, nil
}
