package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// LapsedEvent names the notification published when a token passes its
// expiry. It is not a book event and carries Seq 0.
const LapsedEvent = "Lapsed"

// DefaultSweepSchedule runs the sweeper every minute.
const DefaultSweepSchedule = "* * * * *"

const sweepLockKey = "sweep"

// Timer sweeps the book on a cron schedule, publishing a Lapsed record for
// every token that expired since the previous sweep and refreshing the
// active subscription gauge.
type Timer struct {
	service  *Service
	schedule string
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	mu        sync.Mutex
	lastSweep int64
}

// NewTimer validates schedule (standard five-field cron syntax).
func NewTimer(service *Service, schedule string, logger *slog.Logger) (*Timer, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}
	return &Timer{
		service:   service,
		schedule:  schedule,
		logger:    logger,
		stop:      make(chan struct{}),
		lastSweep: service.Now().Unix(),
	}, nil
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the cron scheduler until ctx is done or Stop is called. Call
// in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(t.schedule, func() { t.safeSweep(ctx) }); err != nil {
		t.logger.Error("sweeper not scheduled", "schedule", t.schedule, "error", err)
		return
	}
	c.Start()
	t.logger.Info("expiry sweeper started", "schedule", t.schedule)

	select {
	case <-ctx.Done():
	case <-t.stop:
	}
	<-c.Stop().Done()
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in expiry sweeper", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep publishes tokens that lapsed since the last sweep and returns them.
// A sweep that starts while another is still publishing is skipped.
func (t *Timer) Sweep(ctx context.Context) []*Subscription {
	unlock, ok := t.service.locks.TryLock(sweepLockKey)
	if !ok {
		t.logger.Debug("previous sweep still running, skipping")
		return nil
	}
	defer unlock()

	now := t.service.Now().Unix()

	t.mu.Lock()
	after := t.lastSweep
	if now > after {
		t.lastSweep = now
	}
	t.mu.Unlock()

	// A token is live through its expiry second, so it has lapsed once
	// now passes it.
	lapsed := t.service.expiredBetween(after-1, now-1)
	activeSubscriptions.Set(float64(t.service.activeCount(now)))
	if len(lapsed) == 0 {
		return nil
	}

	ts := time.Unix(now, 0).UTC()
	records := make([]*Record, len(lapsed))
	for i, s := range lapsed {
		records[i] = &Record{
			Index: i,
			Name:  LapsedEvent,
			Args: []Arg{
				{"tokenId", u64(s.TokenID)},
				{"tierId", u64(s.TierID)},
				{"owner", s.Owner.Hex()},
				{"expiredTime", strconv.FormatInt(s.ExpiredTime, 10)},
			},
			Timestamp: ts,
		}
	}
	lapsedTotal.Add(float64(len(lapsed)))
	t.service.publish(ctx, records)
	t.logger.Info("subscriptions lapsed", "count", len(lapsed))
	return lapsed
}
