// Package testserver is a minimal broadcast server used by the end-to-end
// tests and the examples/testserver binary. Connections opt into channels
// with {"subscribe":[...]} frames and receive {"channel","event","payload"}
// messages for those channels only.
package testserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

type controlFrame struct {
	Subscribe   []string `json:"subscribe"`
	Unsubscribe []string `json:"unsubscribe"`
}

type message struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type conn struct {
	ws       *websocket.Conn
	channels map[string]struct{}
}

// Hub tracks connections and the channels each one subscribed to.
type Hub struct {
	logger *slog.Logger

	mu        sync.Mutex
	conns     map[*conn]struct{}
	onMessage func([]byte)
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		conns:  make(map[*conn]struct{}),
	}
}

// OnMessage sets a callback for every inbound frame, control frames included.
func (h *Hub) OnMessage(fn func(data []byte)) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

// Serve reads control frames from ws until the connection ends.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn) {
	c := &conn{ws: ws, channels: make(map[string]struct{})}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		_ = ws.CloseNow()
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			h.logger.Debug("connection ended", slog.Any("error", err))
			return
		}

		h.mu.Lock()
		onMessage := h.onMessage
		h.mu.Unlock()
		if onMessage != nil {
			onMessage(data)
		}

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Debug("ignoring non-json frame", slog.Any("error", err))
			continue
		}

		h.mu.Lock()
		for _, ch := range frame.Subscribe {
			c.channels[ch] = struct{}{}
		}
		for _, ch := range frame.Unsubscribe {
			delete(c.channels, ch)
		}
		h.mu.Unlock()
	}
}

// Broadcast sends an event to every connection subscribed to channel and
// returns how many connections were subscribed.
func (h *Hub) Broadcast(ctx context.Context, channel, event string, payload json.RawMessage) (int, error) {
	data, err := json.Marshal(message{Channel: channel, Event: event, Payload: payload})
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	var targets []*websocket.Conn
	for c := range h.conns {
		if _, ok := c.channels[channel]; ok {
			targets = append(targets, c.ws)
		}
	}
	h.mu.Unlock()

	for _, ws := range targets {
		if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
			h.logger.Debug("broadcast write failed", slog.Any("error", err))
		}
	}
	return len(targets), nil
}

// SendRaw writes data verbatim to every connection.
func (h *Hub) SendRaw(ctx context.Context, data []byte) {
	for _, ws := range h.all() {
		_ = ws.Write(ctx, websocket.MessageText, data)
	}
}

// SubscriberCount returns the number of connections subscribed to channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for c := range h.conns {
		if _, ok := c.channels[channel]; ok {
			n++
		}
	}
	return n
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Drop closes every connection abruptly, as a network failure would.
func (h *Hub) Drop() {
	for _, ws := range h.all() {
		_ = ws.CloseNow()
	}
}

// Close closes every connection with a going-away status.
func (h *Hub) Close() {
	for _, ws := range h.all() {
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) all() []*websocket.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c.ws)
	}
	return conns
}
