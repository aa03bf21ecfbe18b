package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agencyflow/internal/domain"
)

// Event types written by the engine.
const (
	RequestSubmitted   = "request.submitted"
	RequestReviewing   = "request.review_started"
	RequestApproved    = "request.approved"
	RequestRejected    = "request.rejected"
	TaskCreated        = "task.created"
	TaskTransitioned   = "task.transitioned"
	AttachmentAdded    = "attachment.added"
	CommentAdded       = "comment.added"
	TokenIssued        = "activation.token_issued"
	TokenConsumed      = "activation.token_consumed"
	ProfileLinkReset   = "profile.link_reset"
	SubjectActivated   = "activation.subject_activated"
	OnboardingRecorded = "onboarding.response_recorded"
	FieldDecrypted     = "onboarding.field_decrypted"
	ProductUpserted    = "catalog.product_upserted"
	ClientCreated      = "client.created"
	ProfileCreated     = "profile.created"
	APIKeyCreated      = "apikey.created"
	OnboardingStarted  = "onboarding.instance_created"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside tx and returns it with its id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		TS:         now().UTC().Format(time.RFC3339),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID, evt.Payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("append event %s: %w", evtType, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		evt.ID = id
	}
	return evt, nil
}
