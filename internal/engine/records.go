package engine

import (
	"context"
	"encoding/json"
	"errors"

	"agencyflow/internal/apperr"
	"agencyflow/internal/domain"
	"agencyflow/internal/engine/auth"
	"agencyflow/internal/events"
	"agencyflow/internal/projection"
	"agencyflow/internal/pubsub"
	"agencyflow/internal/repo"
	"agencyflow/internal/role"
)

const maxEventPage = 500

// recordAccess checks that actor may observe the record with id. Tasks and
// requests follow their visibility rules; any other record is Admin only.
func (e Engine) recordAccess(ctx context.Context, actor role.Actor, id string) error {
	if err := auth.Classified(actor); err != nil {
		return err
	}
	t, err := e.Repo.GetTask(ctx, nil, id)
	switch {
	case err == nil:
		if !auth.CanSeeTask(actor, t) {
			return apperr.NotFound("record %s", id)
		}
		if _, ok := projection.Project(t.Status, actor.Class); !ok {
			return apperr.NotFound("record %s", id)
		}
		return nil
	case !errors.Is(err, repo.ErrNotFound):
		return err
	}
	r, err := e.Repo.GetRequest(ctx, nil, id)
	switch {
	case err == nil:
		if !auth.CanSeeRequest(actor, r) {
			return apperr.NotFound("record %s", id)
		}
		return nil
	case !errors.Is(err, repo.ErrNotFound):
		return err
	}
	if !actor.IsAdmin() {
		return apperr.NotFound("record %s", id)
	}
	return nil
}

// ViewEvent returns the event as actor may see it. Client viewers never see
// canonical task statuses or internal task fields; events about hidden
// statuses are dropped.
func (e Engine) ViewEvent(actor role.Actor, ev domain.Event) (domain.Event, bool) {
	if actor.Class != role.Client || ev.EntityKind != "task" {
		return ev, true
	}
	switch ev.Type {
	case events.TaskTransitioned:
		var p struct {
			To domain.TaskStatus `json:"to"`
		}
		if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
			return domain.Event{}, false
		}
		v, ok := projection.Project(p.To, role.Client)
		if !ok {
			return domain.Event{}, false
		}
		ev.Payload = mustJSON(map[string]string{"status": v.Label})
	case events.TaskCreated:
		ev.Payload = mustJSON(map[string]string{"status": projection.BucketInProduction})
	case events.AttachmentAdded, events.CommentAdded:
		ev.Payload = "{}"
	default:
		return domain.Event{}, false
	}
	return ev, true
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// RecordEvents returns the durable events of one record after afterID, as
// the actor may see them.
func (e Engine) RecordEvents(ctx context.Context, actor role.Actor, id string, afterID int64, limit int) ([]domain.Event, error) {
	if err := e.recordAccess(ctx, actor, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	raw, err := e.Repo.EntityEvents(ctx, id, afterID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(raw))
	for _, ev := range raw {
		if v, ok := e.ViewEvent(actor, ev); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// Subscribe opens a live feed of one record's events. Callers pass each
// delivered event through ViewEvent before showing it.
func (e Engine) Subscribe(ctx context.Context, actor role.Actor, id string) (pubsub.Subscription, error) {
	if err := e.recordAccess(ctx, actor, id); err != nil {
		return pubsub.Subscription{}, err
	}
	if e.Hub == nil {
		return pubsub.Subscription{}, apperr.Dependency("event hub", errors.New("not configured"))
	}
	return e.Hub.Subscribe(id), nil
}

// LogQuery filters the global event log.
type LogQuery struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
}

// TailLog returns the newest events across all records. Admin only.
func (e Engine) TailLog(ctx context.Context, actor role.Actor, q LogQuery) ([]domain.Event, error) {
	if err := auth.Admin(actor); err != nil {
		return nil, err
	}
	out, err := e.Repo.LatestEvents(ctx, q.Limit, q.Type, q.EntityKind, q.EntityID)
	if out == nil && err == nil {
		out = []domain.Event{}
	}
	return out, err
}
