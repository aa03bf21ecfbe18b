package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"agencyflow/internal/apperr"
	"agencyflow/internal/blob"
	"agencyflow/internal/config"
	"agencyflow/internal/domain"
	"agencyflow/internal/events"
	"agencyflow/internal/notify"
	"agencyflow/internal/pubsub"
	"agencyflow/internal/repo"
	"agencyflow/internal/role"
	"agencyflow/internal/telemetry"
	"agencyflow/internal/vault"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Now        func() time.Time
	Logger     *zap.Logger
	Notifier   notify.Notifier
	Hub        *pubsub.Hub
	Blob       blob.Store
	Sealer     *vault.Sealer
	Classifier role.Classifier
	Metrics    *telemetry.Instruments
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Config:     cfg,
		Now:        time.Now,
		Logger:     zap.NewNop(),
		Notifier:   notify.Nop{},
		Hub:        pubsub.NewHub(),
		Classifier: role.NewClassifier(cfg.Roles),
		Metrics:    telemetry.NewInstruments(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Actor classifies raw identity-provider labels into the acting context.
// viewingClientID is honoured for Admins only.
func (e Engine) Actor(subjectID string, labels []string, clientID, viewingClientID string) role.Actor {
	a := role.Actor{
		SubjectID: strings.TrimSpace(subjectID),
		Class:     e.Classifier.Classify(labels),
		ClientID:  strings.TrimSpace(clientID),
	}
	if a.Class == role.Admin {
		a.ViewingClientID = strings.TrimSpace(viewingClientID)
	}
	if a.Class != role.Client {
		a.ClientID = ""
	}
	return a
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, kind, id, actorID string, payload events.EventPayload) (domain.Event, error) {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, kind, id, actorID, payload)
}

// effects collects what must happen only after a transaction commits.
type effects struct {
	events   []domain.Event
	messages []notify.Message
}

func (fx *effects) event(ev domain.Event, err error) error {
	if err != nil {
		return err
	}
	fx.events = append(fx.events, ev)
	return nil
}

func (fx *effects) notify(template, recipient string, payload map[string]any) {
	if recipient == "" {
		return
	}
	fx.messages = append(fx.messages, notify.Message{Template: template, Recipient: recipient, Payload: payload})
}

// flush publishes committed events and sends notifications. Failures are
// logged and never surface to the caller.
func (e Engine) flush(ctx context.Context, fx *effects) {
	if e.Hub != nil {
		for _, ev := range fx.events {
			e.Hub.Publish(ev)
		}
	}
	if e.Notifier == nil || len(fx.messages) == 0 {
		return
	}
	nctx := context.WithoutCancel(ctx)
	for _, msg := range fx.messages {
		if err := e.Notifier.Notify(nctx, msg); err != nil {
			e.log().Warn("notification failed",
				zap.String("template", msg.Template),
				zap.String("recipient", msg.Recipient),
				zap.Error(apperr.Dependency("notifier", err)))
		}
	}
}

// trace opens a span for op and returns the matching finisher, which records
// classified refusals.
func (e Engine) trace(ctx context.Context, op string, actor role.Actor) (context.Context, func(*error)) {
	ctx, span := telemetry.Tracer("agencyflow/engine").Start(ctx, "engine."+op)
	span.SetAttributes(
		attribute.String("actor.subject", actor.SubjectID),
		attribute.String("actor.class", actor.Class.String()),
	)
	return ctx, func(errp *error) {
		defer span.End()
		if errp == nil || *errp == nil {
			return
		}
		err := *errp
		kind := "internal"
		if k := apperr.KindOf(err); k != nil {
			kind = k.Error()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		e.Metrics.Rejection(ctx, op, kind)
		fields := []zap.Field{
			zap.String("op", op),
			zap.String("subject_id", actor.SubjectID),
			zap.String("kind", kind),
		}
		if errors.Is(err, apperr.ErrAuthorization) {
			fields = append(fields, zap.String("reason", apperr.Reason(err)))
		} else {
			fields = append(fields, zap.Error(err))
		}
		e.log().Info("operation refused", fields...)
	}
}

// notFound converts repo misses into a kinded error naming the entity.
func notFound(err error, what, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound("%s %s", what, id)
	}
	return err
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
