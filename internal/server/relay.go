package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"agencyflow/internal/engine"
	"agencyflow/internal/logging"
)

const (
	defaultRelayInterval = time.Second
	defaultRelayBatch    = 200
)

// Relay tails the durable event log and republishes new rows on the hub, so
// writes made by other processes sharing the workspace reach live streams.
// The hub drops ids it has already delivered.
type Relay struct {
	engine   engine.Engine
	interval time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	cursor int64
	primed bool
}

func NewRelay(e engine.Engine, interval time.Duration, logger *zap.Logger) *Relay {
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	return &Relay{engine: e, interval: interval, log: logging.OrNop(logger)}
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	if r.engine.Hub == nil {
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("relay poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll publishes every event written since the previous call and reports
// how many it forwarded. The first call only records the current position.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.primed {
		cur, err := r.engine.Repo.LatestEventID(ctx)
		if err != nil {
			return 0, err
		}
		r.cursor, r.primed = cur, true
		return 0, nil
	}
	forwarded := 0
	for {
		evs, err := r.engine.Repo.EventsAfter(ctx, r.cursor, defaultRelayBatch)
		if err != nil {
			return forwarded, err
		}
		for _, ev := range evs {
			r.engine.Hub.Publish(ev)
			r.cursor = ev.ID
			forwarded++
		}
		if len(evs) < defaultRelayBatch {
			return forwarded, nil
		}
	}
}
