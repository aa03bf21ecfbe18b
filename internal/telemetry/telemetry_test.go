package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	t.Setenv("AGENCYFLOW_OTEL_ENABLED", "")
	require.NoError(t, Init(context.Background(), Options{}))
	defer Shutdown(context.Background())

	ctx, span := Tracer("").Start(context.Background(), "noop")
	require.False(t, span.SpanContext().IsValid())
	span.End()

	in := NewInstruments()
	in.Transition(ctx, "task", "Backlog", "InProgress")
	in.Token(ctx, "issue")
	in.Decrypt(ctx)
	in.Rejection(ctx, "advance", "stale_state")
}

func TestNilInstrumentsAreSafe(t *testing.T) {
	var in *Instruments
	in.Transition(context.Background(), "request", "Pending", "Approved")
	in.Decrypt(context.Background())
}

func TestInitEnabled(t *testing.T) {
	require.NoError(t, Init(context.Background(), Options{Enabled: true, ServiceName: "agencyflow-test"}))
	_, span := Tracer("").Start(context.Background(), "real")
	require.True(t, span.SpanContext().IsValid())
	span.End()
	Shutdown(context.Background())
}
