// Package ws implements the WebSocket adapter that streams task lifecycle
// events to clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 64
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// subscriber is one connected client. Frames are queued on out and
// written by the handler goroutine that owns the connection.
type subscriber struct {
	workspace string
	out       chan []byte
	kick      context.CancelFunc
}

// wants reports whether an event scoped to the given workspace chain is
// visible to the subscriber. An empty workspace sees everything.
func (s *subscriber) wants(scope []string) bool {
	return s.workspace == "" || slices.Contains(scope, s.workspace)
}

// Hub fans task events out to WebSocket subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// HandleWS upgrades the request and streams events until the client goes
// away. The optional ?workspace= parameter narrows the stream to one
// workspace's subtree.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin policy lives in the CORS middleware
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}

	// CloseRead discards client frames and cancels ctx once the peer closes.
	ctx, kick := context.WithCancel(c.CloseRead(context.Background()))
	sub := &subscriber{
		workspace: r.URL.Query().Get("workspace"),
		out:       make(chan []byte, sendBuffer),
		kick:      kick,
	}
	h.add(sub)
	slog.Info("websocket connected", "remote", r.RemoteAddr, "workspace", sub.workspace)

	defer func() {
		h.drop(sub)
		_ = c.CloseNow()
	}()

	for {
		select {
		case <-ctx.Done():
			// No-op when the peer already closed.
			_ = c.Close(websocket.StatusPolicyViolation, "dropped by server")
			return
		case frame := <-sub.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

// Broadcast queues msg for every subscriber whose filter matches scope.
// A nil scope reaches only unfiltered subscribers. Subscribers whose queue
// is full are disconnected rather than blocking the caller.
func (h *Hub) Broadcast(_ context.Context, scope []string, msg Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	var slow []*subscriber
	h.mu.RLock()
	for sub := range h.subs {
		if !sub.wants(scope) {
			continue
		}
		select {
		case sub.out <- frame:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		slog.Warn("websocket subscriber too slow, dropping", "workspace", sub.workspace)
		h.drop(sub)
	}
}

// ConnectionCount returns the number of connected subscribers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

// drop unregisters sub and stops its handler loop. Safe to call twice.
func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()

	if ok {
		sub.kick()
		slog.Info("websocket disconnected", "workspace", sub.workspace)
	}
}
