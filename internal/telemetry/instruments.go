package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments holds the counters the engine records against.
type Instruments struct {
	transitions metric.Int64Counter
	tokens      metric.Int64Counter
	decrypts    metric.Int64Counter
	rejections  metric.Int64Counter
}

// NewInstruments builds counters on the current global meter provider.
// Counter creation errors fall back to nil counters, which record nothing.
func NewInstruments() *Instruments {
	m := Meter("agencyflow/engine")
	in := &Instruments{}
	in.transitions, _ = m.Int64Counter("agencyflow.transitions",
		metric.WithDescription("Accepted state transitions"))
	in.tokens, _ = m.Int64Counter("agencyflow.activation.tokens",
		metric.WithDescription("Activation token operations"))
	in.decrypts, _ = m.Int64Counter("agencyflow.vault.decrypts",
		metric.WithDescription("Audited sensitive field decryptions"))
	in.rejections, _ = m.Int64Counter("agencyflow.rejections",
		metric.WithDescription("Operations refused with a classified error"))
	return in
}

func (in *Instruments) Transition(ctx context.Context, kind, from, to string) {
	if in == nil || in.transitions == nil {
		return
	}
	in.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", kind),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (in *Instruments) Token(ctx context.Context, op string) {
	if in == nil || in.tokens == nil {
		return
	}
	in.tokens.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (in *Instruments) Decrypt(ctx context.Context) {
	if in == nil || in.decrypts == nil {
		return
	}
	in.decrypts.Add(ctx, 1)
}

func (in *Instruments) Rejection(ctx context.Context, op, kind string) {
	if in == nil || in.rejections == nil {
		return
	}
	in.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("kind", kind),
	))
}
