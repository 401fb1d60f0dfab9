// Package ratelimit throttles API callers with per-key token buckets.
//
// Reads and book writes draw from separate buckets so a client polling
// tiers cannot starve its own mint or extend calls.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/tierpass/internal/auth"
)

// Config sets per-key budgets.
type Config struct {
	ReadsPerMinute  int
	WritesPerMinute int
	Burst           int
	// IdleTTL drops buckets not touched for this long.
	IdleTTL time.Duration
}

// DefaultConfig allows one read per second and a write every six seconds,
// with bursts of ten.
func DefaultConfig() Config {
	return Config{
		ReadsPerMinute:  60,
		WritesPerMinute: 10,
		Burst:           10,
		IdleTTL:         5 * time.Minute,
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one bucket per key and class.
type Limiter struct {
	cfg  Config
	now  func() time.Time
	mu   sync.Mutex
	keys map[string]*bucket
	stop chan struct{}
	once sync.Once
}

// New starts a limiter. Call Stop to end its sweep goroutine.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.ReadsPerMinute <= 0 {
		cfg.ReadsPerMinute = def.ReadsPerMinute
	}
	if cfg.WritesPerMinute <= 0 {
		cfg.WritesPerMinute = def.WritesPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	l := &Limiter{
		cfg:  cfg,
		now:  time.Now,
		keys: make(map[string]*bucket),
		stop: make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Stop ends the sweep goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) sweep() {
	t := time.NewTicker(l.cfg.IdleTTL)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	for k, b := range l.keys {
		if b.lastSeen.Before(cutoff) {
			delete(l.keys, k)
		}
	}
	l.mu.Unlock()
}

// Allow spends a read token for key.
func (l *Limiter) Allow(key string) bool {
	return l.reserve("r:"+key, l.cfg.ReadsPerMinute).OK()
}

// AllowWrite spends a write token for key.
func (l *Limiter) AllowWrite(key string) bool {
	return l.reserve("w:"+key, l.cfg.WritesPerMinute).OK()
}

// reserve returns the outcome of taking one token. A denied reservation is
// cancelled so it does not borrow from the future.
func (l *Limiter) reserve(key string, perMinute int) decision {
	now := l.now()

	l.mu.Lock()
	b, ok := l.keys[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(float64(perMinute)/60), l.cfg.Burst)}
		l.keys[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return decision{wait: time.Minute}
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return decision{wait: d}
	}
	return decision{ok: true}
}

type decision struct {
	ok   bool
	wait time.Duration
}

func (d decision) OK() bool { return d.ok }

// retryAfter rounds the wait up to whole seconds, never below one.
func (d decision) retryAfter() int {
	s := int((d.wait + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// Middleware limits requests by signed caller, falling back to client IP.
// Mutating methods use the write budget.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if caller, ok := auth.Caller(c); ok {
			key = "caller:" + caller.Hex()
		}

		var d decision
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			d = l.reserve("r:"+key, l.cfg.ReadsPerMinute)
		default:
			d = l.reserve("w:"+key, l.cfg.WritesPerMinute)
		}
		if d.OK() {
			c.Next()
			return
		}

		secs := d.retryAfter()
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":      "rate_limited",
			"message":    "too many requests",
			"retryAfter": secs,
		})
	}
}
