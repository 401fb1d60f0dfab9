// Package health runs the readiness checks behind /health/ready: database
// reachability, RPC reachability and whether the background loops are up.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each individual check.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker returns nil when the subsystem is healthy.
type Checker func(ctx context.Context) error

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	timeout time.Duration

	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a registry whose checks each get timeout. Zero uses
// DefaultTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{timeout: timeout}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently and reports the aggregate plus
// one status per checker, in registration order. A panicking or slow
// checker marks only itself unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			statuses[i] = r.run(ctx, nc)
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) (st Status) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	st.Name = nc.name
	defer func() { st.LatencyMs = time.Since(start).Milliseconds() }()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				errc <- fmt.Errorf("panic: %v", p)
			}
		}()
		errc <- nc.check(ctx)
	}()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		st.Detail = err.Error()
		return st
	}
	st.Healthy = true
	return st
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database checks that db answers a ping.
func Database(db Pinger) Checker {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}

// HeadReader is satisfied by *ethclient.Client.
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// RPC checks that the node answers and is not stuck at block zero.
func RPC(node HeadReader) Checker {
	return func(ctx context.Context) error {
		head, err := node.BlockNumber(ctx)
		if err != nil {
			return err
		}
		if head == 0 {
			return errors.New("node reports block 0")
		}
		return nil
	}
}

// Running checks a background loop's liveness flag.
func Running(running func() bool) Checker {
	return func(context.Context) error {
		if !running() {
			return errors.New("not running")
		}
		return nil
	}
}
