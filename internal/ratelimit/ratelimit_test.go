package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tierpass/internal/auth"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	l := New(cfg)
	t.Cleanup(l.Stop)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l.now = clk.now
	return l, clk
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, clk := newTestLimiter(t, Config{ReadsPerMinute: 60, Burst: 5})

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow("ip"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("ip"))

	clk.advance(time.Second)
	assert.True(t, l.Allow("ip"))
	assert.False(t, l.Allow("ip"))
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{ReadsPerMinute: 60, Burst: 2})

	l.Allow("a")
	l.Allow("a")
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestAllowWrite_SeparateBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Config{ReadsPerMinute: 60, WritesPerMinute: 6, Burst: 1})

	require.True(t, l.AllowWrite("k"))
	assert.False(t, l.AllowWrite("k"))
	assert.True(t, l.Allow("k"), "reads draw from their own bucket")
}

func TestDeniedReservationDoesNotBorrow(t *testing.T) {
	l, clk := newTestLimiter(t, Config{ReadsPerMinute: 60, Burst: 1})

	require.True(t, l.Allow("k"))
	for i := 0; i < 10; i++ {
		assert.False(t, l.Allow("k"))
	}
	clk.advance(time.Second)
	assert.True(t, l.Allow("k"), "denied calls must not push the next token further out")
}

func TestEvictIdle(t *testing.T) {
	l, clk := newTestLimiter(t, Config{IdleTTL: time.Minute})

	l.Allow("old")
	clk.advance(2 * time.Minute)
	l.Allow("fresh")
	l.evictIdle()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.keys, "r:old")
	assert.Contains(t, l.keys, "r:fresh")
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{})
	defer l.Stop()
	assert.Equal(t, DefaultConfig(), l.cfg)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 1, decision{}.retryAfter())
	assert.Equal(t, 1, decision{wait: 200 * time.Millisecond}.retryAfter())
	assert.Equal(t, 6, decision{wait: 5*time.Second + time.Millisecond}.retryAfter())
}

func TestMiddleware_KeysBySignedCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, Config{ReadsPerMinute: 1, WritesPerMinute: 1, Burst: 1})

	r := gin.New()
	r.Use(auth.Middleware(auth.NewVerifier(auth.AllowUnsigned())))
	r.Use(l.Middleware())
	r.GET("/v1/tiers", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/v1/tiers", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(method, caller string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/v1/tiers", strings.NewReader(""))
		if caller != "" {
			req.Header.Set(auth.HeaderCaller, caller)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusOK, do(http.MethodGet, "").Code)
	w := do(http.MethodGet, "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limited")

	// The same IP still has its write budget.
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "").Code)

	// Signed callers get their own buckets.
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "0x00000000000000000000000000000000000000A1").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "0x00000000000000000000000000000000000000b2").Code)
}
