package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/agenttask/internal/port/broadcast"
)

var _ broadcast.Broadcaster = (*Hub)(nil)

// BroadcastEvent implements broadcast.Broadcaster. The payload is encoded
// once and shared by every matching subscriber.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, scope []string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("encode event payload", "type", eventType, "error", err)
		return
	}
	h.Broadcast(ctx, scope, Message{Type: eventType, Payload: raw})
}
