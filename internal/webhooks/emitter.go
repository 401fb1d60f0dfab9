package webhooks

import (
	"context"
	"log/slog"

	"github.com/mbd888/tierpass/internal/subscription"
)

// Emitter feeds committed book records to a Dispatcher. It satisfies
// subscription.Publisher; errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// Publish dispatches every record. Deliveries outlive the caller's request,
// so cancellation of ctx is not propagated to them.
func (e *Emitter) Publish(ctx context.Context, records []*subscription.Record) {
	if e == nil || e.d == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, r := range records {
		if err := e.d.Dispatch(ctx, r); err != nil {
			e.logger.Warn("webhook emit failed", "event", r.Name, "seq", r.Seq, "error", err)
		}
	}
}
