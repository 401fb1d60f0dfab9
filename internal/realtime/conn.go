package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/tierpass/internal/subscription"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxFilterBytes = 64 << 10
	queueDepth     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin admits non-browser clients and pages served from this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

type conn struct {
	hub *Hub
	ws  *websocket.Conn

	// out carries records and is closed by the hub. ctl carries replies to
	// filter updates and is never closed.
	out chan []byte
	ctl chan []byte

	mu sync.RWMutex
	m  *matcher
}

func newConn(h *Hub, ws *websocket.Conn) *conn {
	return &conn{
		hub: h,
		ws:  ws,
		out: make(chan []byte, queueDepth),
		ctl: make(chan []byte, 4),
		m:   &matcher{},
	}
}

func (c *conn) wants(r *subscription.Record) bool {
	c.mu.RLock()
	m := c.m
	c.mu.RUnlock()
	return m.match(r)
}

func (c *conn) setFilter(f Filter) error {
	m, err := f.compile()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.m = m
	c.mu.Unlock()
	return nil
}

func (c *conn) reply(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.ctl <- b:
	default:
	}
}

func (c *conn) readLoop() {
	defer func() {
		select {
		case c.hub.leave <- c:
		case <-c.hub.stopped:
		}
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxFilterBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("websocket read", "error", err)
			}
			return
		}

		var f Filter
		if err := json.Unmarshal(msg, &f); err != nil {
			c.reply(Frame{Type: FrameError, Error: "filter must be a JSON object"})
			continue
		}
		if err := c.setFilter(f); err != nil {
			c.reply(Frame{Type: FrameError, Error: err.Error()})
			continue
		}
		c.reply(Frame{Type: FrameSubscribed, Filter: &f})
	}
}

func (c *conn) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.ws.Close()
	}()

	for {
		var (
			payload []byte
			ok      = true
		)
		select {
		case payload, ok = <-c.out:
		case payload = <-c.ctl:
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if !ok {
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.hub.logger.Debug("websocket write", "error", err)
			return
		}
	}
}
