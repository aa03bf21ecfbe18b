package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultQueueSize = 256

// Async queues messages for a background worker so callers never wait on
// delivery. Run must be started for queued messages to go out.
type Async struct {
	inner   Notifier
	queue   chan Message
	logger  *zap.Logger
	timeout time.Duration
}

func NewAsync(inner Notifier, logger *zap.Logger, size int) *Async {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Async{inner: inner, queue: make(chan Message, size), logger: logger, timeout: time.Minute}
}

// Notify enqueues msg, dropping it when the queue is full.
func (a *Async) Notify(_ context.Context, msg Message) error {
	select {
	case a.queue <- msg:
	default:
		a.logger.Warn("notify: queue full, message dropped",
			zap.String("template", msg.Template),
			zap.String("recipient", msg.Recipient))
	}
	return nil
}

// Run drains the queue until ctx is done.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-a.queue:
			dctx, cancel := context.WithTimeout(ctx, a.timeout)
			if err := a.inner.Notify(dctx, msg); err != nil {
				a.logger.Warn("notify: delivery failed",
					zap.String("template", msg.Template),
					zap.String("recipient", msg.Recipient),
					zap.Error(err))
			}
			cancel()
		}
	}
}
