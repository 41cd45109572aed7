// Package broadcast defines the port for pushing task lifecycle events to
// connected clients.
package broadcast

import "context"

// Task lifecycle event types.
const (
	EventTaskCreated        = "task.created"
	EventTaskQueued         = "task.queued"
	EventTaskStarted        = "task.started"
	EventTaskAwaitingReport = "task.awaiting_report"
	EventTaskReported       = "task.reported"
	EventTaskRemoved        = "task.removed"
)

// Broadcaster fans an event out to subscribers. scope lists the workspace
// ids the event concerns (the task and its ancestors); subscribers filtered
// to a workspace only receive events whose scope contains it.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, scope []string, payload any)
}
