// Package webhooks delivers book events to external services.
//
// Holders and operators register an HTTPS endpoint and the event names they
// care about (Mint, Extend, Transfer, Lapsed, ...). Every committed record is
// POSTed as JSON and signed with HMAC-SHA256 over the raw body.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/tierpass/internal/circuitbreaker"
	"github.com/mbd888/tierpass/internal/idgen"
	"github.com/mbd888/tierpass/internal/metrics"
	"github.com/mbd888/tierpass/internal/retry"
	"github.com/mbd888/tierpass/internal/security"
	"github.com/mbd888/tierpass/internal/subscription"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Tierpass-Event"
	HeaderDelivery  = "X-Tierpass-Delivery"
	HeaderTimestamp = "X-Tierpass-Timestamp"
	HeaderSignature = "X-Tierpass-Signature"
)

var ErrNotFound = errors.New("webhook not found")

// Delivery is the JSON body POSTed to a webhook.
type Delivery struct {
	ID        string               `json:"id"`
	Event     string               `json:"event"`
	Timestamp time.Time            `json:"timestamp"`
	Data      *subscription.Record `json:"data"`
}

// Subscription is a registered webhook endpoint.
type Subscription struct {
	ID                  string     `json:"id"`
	Owner               string     `json:"owner"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"`
	Events              []string   `json:"events"` // empty = every event
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Wants reports whether the subscription covers the named event.
func (s *Subscription) Wants(event string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if strings.EqualFold(e, event) {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, owner string) ([]*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig controls delivery retries and automatic deactivation.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxFailures int // deactivate after this many failed deliveries in a row
	Timeout     time.Duration

	// An endpoint host that fails BreakerThreshold sends in a row is
	// skipped for BreakerCoolDown.
	BreakerThreshold int
	BreakerCoolDown  time.Duration
}

// DefaultRetryConfig returns the production retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxFailures: 20,
		Timeout:     10 * time.Second,

		BreakerThreshold: 5,
		BreakerCoolDown:  time.Minute,
	}
}

// Dispatcher sends deliveries to subscribed endpoints.
type Dispatcher struct {
	store         Store
	client        *http.Client
	retry         RetryConfig
	defaultSecret string
	logger        *slog.Logger
	urlValidator  func(context.Context, string) error
	breaker       *circuitbreaker.Breaker

	mu       sync.Mutex // serializes subscription status updates
	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the default retry policy.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return NewDispatcherWithRetry(store, logger, DefaultRetryConfig())
}

// NewDispatcherWithRetry creates a dispatcher with a custom retry policy.
func NewDispatcherWithRetry(store Store, logger *slog.Logger, cfg RetryConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRetryConfig().Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: cfg.Timeout},
		retry:        cfg,
		logger:       logger,
		urlValidator: security.CheckResolved,
	}
	d.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCoolDown,
		circuitbreaker.OnTransition(d.onCircuitTransition))
	return d
}

func (d *Dispatcher) onCircuitTransition(host string, from, to circuitbreaker.State) {
	metrics.WebhookCircuitTransitionsTotal.WithLabelValues(to.String()).Inc()
	if to == circuitbreaker.StateOpen {
		d.logger.Warn("webhook endpoint circuit opened", "host", host, "from", from.String())
	}
}

// endpointKey groups subscriptions by host so one dead receiver is not
// retried once per subscription.
func endpointKey(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return target
	}
	return strings.ToLower(u.Host)
}

// WithDefaultSecret signs deliveries for subscriptions that have no secret of
// their own.
func (d *Dispatcher) WithDefaultSecret(secret string) *Dispatcher {
	d.defaultSecret = secret
	return d
}

// Dispatch sends one record to every active subscription that wants it.
// Delivery is asynchronous; use Wait to block until in-flight sends finish.
func (d *Dispatcher) Dispatch(ctx context.Context, record *subscription.Record) error {
	subs, err := d.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	delivery := &Delivery{
		ID:        idgen.New(),
		Event:     record.Name,
		Timestamp: record.Timestamp,
		Data:      record,
	}
	if delivery.Timestamp.IsZero() {
		delivery.Timestamp = time.Now().UTC()
	}

	for _, sub := range subs {
		if !sub.Active || !sub.Wants(record.Name) {
			continue
		}
		d.inflight.Add(1)
		go func(sub *Subscription) {
			defer d.inflight.Done()
			d.send(ctx, sub, delivery)
		}(sub)
	}
	return nil
}

// Wait blocks until all in-flight deliveries have finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, delivery *Delivery) {
	if err := d.urlValidator(ctx, sub.URL); err != nil {
		d.recordFailure(ctx, sub, err.Error())
		return
	}

	payload, err := json.Marshal(delivery)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}

	host := endpointKey(sub.URL)
	if !d.breaker.Allow(host) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
		d.logger.Debug("webhook delivery skipped, endpoint circuit open", "webhook", sub.ID, "host", host)
		return
	}

	secret := sub.Secret
	if secret == "" {
		secret = d.defaultSecret
	}

	policy := retry.Policy{
		Attempts:  d.retry.MaxAttempts,
		BaseDelay: d.retry.BaseDelay,
		OnRetry: func(attempt int, err error) {
			d.logger.Debug("webhook delivery retrying", "webhook", sub.ID, "attempt", attempt, "error", err)
		},
	}
	err = retry.Do(ctx, policy, func() error {
		return d.post(ctx, sub.URL, secret, delivery, payload)
	})
	if err != nil {
		d.breaker.Failure(host)
		d.recordFailure(ctx, sub, err.Error())
		return
	}
	d.breaker.Success(host)
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) post(ctx context.Context, target, secret string, delivery *Delivery, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, delivery.Event)
	req.Header.Set(HeaderDelivery, delivery.ID)
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", delivery.Timestamp.Unix()))
	if secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()

	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to update webhook status", "webhook", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()

	d.mu.Lock()
	defer d.mu.Unlock()
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if d.retry.MaxFailures > 0 && sub.ConsecutiveFailures >= d.retry.MaxFailures {
		sub.Active = false
		d.logger.Warn("webhook deactivated after repeated failures",
			"webhook", sub.ID,
			"failures", sub.ConsecutiveFailures,
		)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to update webhook status", "webhook", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory implementation for demo mode and tests
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByOwner(ctx context.Context, owner string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if strings.EqualFold(sub.Owner, owner) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Active {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
