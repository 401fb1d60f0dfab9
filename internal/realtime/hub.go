// Package realtime streams book records to WebSocket clients.
//
// Each committed record and each lapse notice is fanned out to every
// connection whose filter matches it. A connection may replace its filter
// at any time by sending a new Filter as a text frame.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/mbd888/tierpass/internal/metrics"
	"github.com/mbd888/tierpass/internal/subscription"
)

// Frame types sent to clients.
const (
	FrameRecord     = "record"
	FrameSubscribed = "subscribed"
	FrameError      = "error"
)

// Frame is the JSON envelope written to every connection.
type Frame struct {
	Type   string               `json:"type"`
	Record *subscription.Record `json:"record,omitempty"`
	Filter *Filter              `json:"filter,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// DefaultMaxConns bounds concurrent connections.
const DefaultMaxConns = 10000

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connected int   `json:"connected"`
	Peak      int64 `json:"peak"`
	Accepted  int64 `json:"accepted"`
	Records   int64 `json:"records"`
	Dropped   int64 `json:"dropped"`
}

// Hub owns the connection set. Run must be running for records to flow.
type Hub struct {
	logger   *slog.Logger
	maxConns int

	records chan *subscription.Record
	join    chan *conn
	leave   chan *conn
	stopped chan struct{}

	mu    sync.RWMutex
	conns map[*conn]struct{}

	peak     atomic.Int64
	accepted atomic.Int64
	seen     atomic.Int64
	dropped  atomic.Int64
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		maxConns: DefaultMaxConns,
		records:  make(chan *subscription.Record, 256),
		join:     make(chan *conn),
		leave:    make(chan *conn),
		stopped:  make(chan struct{}),
		conns:    make(map[*conn]struct{}),
	}
}

// Run serves the hub until ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.join:
			h.attach(c)
		case c := <-h.leave:
			h.detach(c)
		case r := <-h.records:
			h.deliver(r)
		}
	}
}

func (h *Hub) attach(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.accepted.Add(1)
	if int64(n) > h.peak.Load() {
		h.peak.Store(int64(n))
	}
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("realtime client joined", "connected", n)
}

func (h *Hub) detach(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.out)
	}
	n := len(h.conns)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("realtime client left", "connected", n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.conns {
		close(c.out)
		delete(h.conns, c)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// deliver encodes r once and queues it on every matching connection.
// Connections whose queue is full are dropped.
func (h *Hub) deliver(r *subscription.Record) {
	h.seen.Add(1)
	payload, err := json.Marshal(Frame{Type: FrameRecord, Record: r})
	if err != nil {
		h.logger.Error("encode realtime frame", "event", r.Name, "error", err)
		return
	}

	var lagging []*conn
	h.mu.RLock()
	for c := range h.conns {
		if !c.wants(r) {
			continue
		}
		select {
		case c.out <- payload:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range lagging {
		h.dropped.Add(1)
		h.logger.Warn("dropping slow realtime client")
		h.detach(c)
	}
}

// Publish queues committed records for fan-out. It never blocks; records
// are discarded when the queue is full.
func (h *Hub) Publish(_ context.Context, records []*subscription.Record) {
	for _, r := range records {
		select {
		case h.records <- r:
		default:
			h.logger.Warn("realtime queue full, discarding record", "seq", r.Seq, "event", r.Name)
		}
	}
}

// Stats reports connection and delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	return Stats{
		Connected: n,
		Peak:      h.peak.Load(),
		Accepted:  h.accepted.Load(),
		Records:   h.seen.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// HandleWebSocket upgrades the request and registers the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.stopped:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	full := len(h.conns) >= h.maxConns
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(h, ws)
	select {
	case h.join <- c:
	case <-h.stopped:
		_ = ws.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}
