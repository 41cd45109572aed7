// Package messagequeue defines the message queue port (interface).
package messagequeue

import (
	"context"
	"strings"
)

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Session subjects are addressed per workspace: sessions.<workspace>.<verb>.
const (
	SessionPrefix = "sessions"

	VerbSend    = "send"     // scheduler -> session: new user turn
	VerbResume  = "resume"   // scheduler -> session: resume from history
	VerbStop    = "stop"     // scheduler -> session: stop the stream
	VerbReport  = "report"   // session -> scheduler: final report submitted
	VerbTurnEnd = "turn_end" // session -> scheduler: turn ended without report
	VerbStream  = "stream"   // session -> scheduler: streaming state changed
)

// Wildcard subjects the scheduler subscribes to.
const (
	SubjectSessionReports  = SessionPrefix + ".*." + VerbReport
	SubjectSessionTurnEnds = SessionPrefix + ".*." + VerbTurnEnd
	SubjectSessionStreams  = SessionPrefix + ".*." + VerbStream
)

// Task lifecycle notifications are published as tasks.<event>.
const (
	TaskPrefix = "tasks"

	SubjectTaskCreated        = TaskPrefix + ".created"
	SubjectTaskQueued         = TaskPrefix + ".queued"
	SubjectTaskStarted        = TaskPrefix + ".started"
	SubjectTaskAwaitingReport = TaskPrefix + ".awaiting_report"
	SubjectTaskReported       = TaskPrefix + ".reported"
	SubjectTaskRemoved        = TaskPrefix + ".removed"
)

// SessionSubject builds the subject for a verb addressed to one workspace.
func SessionSubject(workspaceID, verb string) string {
	return SessionPrefix + "." + workspaceID + "." + verb
}

// ParseSessionSubject splits sessions.<workspace>.<verb>.
func ParseSessionSubject(subject string) (workspaceID, verb string, ok bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != SessionPrefix || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
