// Package notify delivers templated messages to recipients.
//
// Delivery is best effort. Callers notify after their transaction commits
// and a failed delivery never undoes the state change that triggered it.
package notify

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"agencyflow/internal/config"
)

// Templates the engine emits.
const (
	TemplateActivationInvite = "activation.invite"
	TemplateRequestReviewed  = "request.reviewed"
	TemplateTaskReleased     = "task.released"
	TemplateTaskStatus       = "task.status"
)

type Message struct {
	Template  string         `json:"template"`
	Recipient string         `json:"recipient"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }

// Log writes messages to a zap logger. Payload values under secret keys are
// masked.
type Log struct {
	Logger *zap.Logger
}

var secretKeys = map[string]bool{"token": true, "activation_url": true, "secret": true}

func (l Log) Notify(_ context.Context, msg Message) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{
		zap.String("template", msg.Template),
		zap.String("recipient", msg.Recipient),
	}
	for k, v := range msg.Payload {
		if secretKeys[strings.ToLower(k)] {
			v = "***"
		}
		fields = append(fields, zap.Any("payload."+k, v))
	}
	logger.Info("notify", fields...)
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the notifier selected by the notify section. The log
// notifier is always included so deliveries remain visible in the logs.
func FromConfig(cfg config.NotifyConfig, logger *zap.Logger) Notifier {
	logN := Log{Logger: logger}
	if cfg.Driver != "webhook" || len(cfg.Webhooks) == 0 {
		return logN
	}
	return Multi{logN, NewWebhook(cfg.Webhooks, nil)}
}
