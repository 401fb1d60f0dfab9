package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/tierpass/internal/security"
	"github.com/mbd888/tierpass/internal/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(context.Context, string) error { return nil }

func testRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxFailures: 50}
}

// newTestDispatcher creates a dispatcher that skips SSRF checks for localhost test servers.
func newTestDispatcher(store Store, cfg RetryConfig) *Dispatcher {
	d := NewDispatcherWithRetry(store, slog.Default(), cfg)
	d.urlValidator = noopValidator
	return d
}

func mintRecord() *subscription.Record {
	return &subscription.Record{
		Seq:  3,
		Name: "Mint",
		Args: []subscription.Arg{
			{Name: "tokenId", Value: "1"},
			{Name: "tierId", Value: "1"},
			{Name: "paidAmount", Value: "600000000000000"},
		},
		Caller:    "0x00000000000000000000000000000000000000A1",
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
	}
}

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		Owner:     "0xa1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []string{"Mint"},
		Active:    true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Create(ctx, sub))

	got, err := store.Get(ctx, "wh_test1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook", got.URL)

	got.Active = false
	require.NoError(t, store.Update(ctx, got))
	got, _ = store.Get(ctx, "wh_test1")
	assert.False(t, got.Active)

	active, _ := store.ListActive(ctx)
	assert.Empty(t, active)

	require.NoError(t, store.Delete(ctx, "wh_test1"))
	_, err = store.Get(ctx, "wh_test1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_test1"), ErrNotFound)
}

func TestMemoryStore_ListByOwner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Create(ctx, &Subscription{ID: "wh1", Owner: "0xa"})
	_ = store.Create(ctx, &Subscription{ID: "wh2", Owner: "0xb"})
	_ = store.Create(ctx, &Subscription{ID: "wh3", Owner: "0xA"})

	subs, _ := store.ListByOwner(ctx, "0xa")
	assert.Len(t, subs, 2)
}

func TestSubscription_Wants(t *testing.T) {
	all := &Subscription{}
	assert.True(t, all.Wants("Lapsed"))

	some := &Subscription{Events: []string{"mint", "Extend"}}
	assert.True(t, some.Wants("Mint"))
	assert.True(t, some.Wants("Extend"))
	assert.False(t, some.Wants("Transfer"))
}

// ---------------------------------------------------------------------------
// Signature tests
// ---------------------------------------------------------------------------

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"event":"Mint","data":{}}`)

	sig := Sign(payload, "test_secret_key")
	assert.Len(t, sig, 64)
	assert.True(t, Verify(payload, "test_secret_key", sig))
	assert.False(t, Verify(payload, "other", sig))
	assert.False(t, Verify([]byte("tampered"), "test_secret_key", sig))
	assert.False(t, Verify(payload, "test_secret_key", "not-hex"))
	assert.NotEqual(t, Sign(payload, "secret1"), Sign(payload, "secret2"))
}

// ---------------------------------------------------------------------------
// Dispatch tests
// ---------------------------------------------------------------------------

func TestDispatch_SendsSignedDelivery(t *testing.T) {
	store := NewMemoryStore()
	secret := "test_webhook_secret" //nolint:gosec // test credential

	var mu sync.Mutex
	var gotBody []byte
	var gotHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", URL: server.URL, Secret: secret, Events: []string{"Mint"}, Active: true})

	d := newTestDispatcher(store, testRetry())
	require.NoError(t, d.Dispatch(ctx, mintRecord()))
	d.Wait()

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, "Mint", gotHeaders.Get(HeaderEvent))
	assert.Equal(t, "1700000000", gotHeaders.Get(HeaderTimestamp))
	assert.NotEmpty(t, gotHeaders.Get(HeaderDelivery))
	assert.True(t, Verify(gotBody, secret, gotHeaders.Get(HeaderSignature)))

	var parsed Delivery
	require.NoError(t, json.Unmarshal(gotBody, &parsed))
	assert.Equal(t, "Mint", parsed.Event)
	assert.Equal(t, gotHeaders.Get(HeaderDelivery), parsed.ID)
	assert.Equal(t, "600000000000000", parsed.Data.Arg("paidAmount"))

	sub, _ := store.Get(ctx, "wh1")
	assert.NotNil(t, sub.LastSuccess)
	assert.Empty(t, sub.LastError)
}

func TestDispatch_FiltersByEventAndActive(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "all", URL: server.URL, Active: true})
	_ = store.Create(ctx, &Subscription{ID: "mint", URL: server.URL, Events: []string{"Mint"}, Active: true})
	_ = store.Create(ctx, &Subscription{ID: "lapsed", URL: server.URL, Events: []string{"Lapsed"}, Active: true})
	_ = store.Create(ctx, &Subscription{ID: "off", URL: server.URL, Active: false})

	d := newTestDispatcher(store, testRetry())
	require.NoError(t, d.Dispatch(ctx, mintRecord()))
	d.Wait()

	assert.Equal(t, int32(2), received.Load())
}

func TestDispatch_DefaultSecret(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotSig string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get(HeaderSignature)
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", URL: server.URL, Active: true})

	d := newTestDispatcher(store, testRetry()).WithDefaultSecret("server-wide")
	require.NoError(t, d.Dispatch(ctx, mintRecord()))
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, Verify(gotBody, "server-wide", gotSig))
}

func TestDispatch_RetriesServerErrors(t *testing.T) {
	store := NewMemoryStore()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", URL: server.URL, Active: true})

	d := newTestDispatcher(store, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxFailures: 5})
	require.NoError(t, d.Dispatch(ctx, mintRecord()))
	d.Wait()

	assert.Equal(t, int32(3), calls.Load())
	sub, _ := store.Get(ctx, "wh1")
	assert.NotNil(t, sub.LastSuccess)
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestDispatch_ClientErrorIsNotRetried(t *testing.T) {
	store := NewMemoryStore()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", URL: server.URL, Active: true})

	d := newTestDispatcher(store, RetryConfig{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxFailures: 5})
	require.NoError(t, d.Dispatch(ctx, mintRecord()))
	d.Wait()

	assert.Equal(t, int32(1), calls.Load())
	sub, _ := store.Get(ctx, "wh1")
	assert.Contains(t, sub.LastError, "status 410")
	assert.Equal(t, 1, sub.ConsecutiveFailures)
	assert.True(t, sub.Active)
}

func TestDispatch_DeactivatesAfterMaxFailures(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", URL: server.URL, Active: true})

	d := newTestDispatcher(store, RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxFailures: 2})
	for i := 0; i < 2; i++ {
		require.NoError(t, d.Dispatch(ctx, mintRecord()))
		d.Wait()
	}

	sub, _ := store.Get(ctx, "wh1")
	assert.False(t, sub.Active)
	assert.Equal(t, 2, sub.ConsecutiveFailures)

	// Deactivated hooks no longer receive deliveries.
	require.NoError(t, d.Dispatch(ctx, mintRecord()))
	d.Wait()
	sub, _ = store.Get(ctx, "wh1")
	assert.Equal(t, 2, sub.ConsecutiveFailures)
}

func TestDispatch_CircuitOpensPerHost(t *testing.T) {
	store := NewMemoryStore()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", URL: server.URL + "/a", Active: true})

	cfg := testRetry()
	cfg.BreakerThreshold = 2
	cfg.BreakerCoolDown = time.Hour
	d := newTestDispatcher(store, cfg)

	for i := 0; i < 4; i++ {
		require.NoError(t, d.Dispatch(ctx, mintRecord()))
		d.Wait()
	}

	// Two failures trip the breaker; later sends never reach the host.
	assert.Equal(t, int32(2), calls.Load())
	sub, _ := store.Get(ctx, "wh1")
	assert.Equal(t, 2, sub.ConsecutiveFailures)
	assert.True(t, sub.Active)

	// A second subscription on the same host is skipped too.
	_ = store.Create(ctx, &Subscription{ID: "wh2", URL: server.URL + "/b", Active: true})
	require.NoError(t, d.Dispatch(ctx, mintRecord()))
	d.Wait()
	assert.Equal(t, int32(2), calls.Load())
}

func TestEndpointKey(t *testing.T) {
	assert.Equal(t, "hooks.example.com:8443", endpointKey("https://Hooks.Example.com:8443/x?y=1"))
	assert.Equal(t, "not a url", endpointKey("not a url"))
}

func TestDispatch_RejectsPrivateTargets(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", URL: "http://127.0.0.1:1/hook", Active: true})

	d := NewDispatcherWithRetry(store, slog.Default(), testRetry())
	require.NoError(t, d.Dispatch(ctx, mintRecord()))
	d.Wait()

	sub, _ := store.Get(ctx, "wh1")
	assert.Contains(t, sub.LastError, security.ErrBlockedEndpoint.Error())
}

func TestEmitter_PublishOutlivesRequestContext(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer server.Close()

	_ = store.Create(context.Background(), &Subscription{ID: "wh1", URL: server.URL, Active: true})

	d := newTestDispatcher(store, testRetry())
	e := NewEmitter(d, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	e.Publish(ctx, []*subscription.Record{mintRecord(), {Name: subscription.LapsedEvent}})
	cancel()
	d.Wait()

	assert.Equal(t, int32(2), received.Load())
}

func TestEmitter_NilSafe(t *testing.T) {
	var e *Emitter
	e.Publish(context.Background(), []*subscription.Record{mintRecord()})
}
