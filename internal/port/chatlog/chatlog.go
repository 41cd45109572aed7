// Package chatlog defines the port for per-workspace conversation logs.
package chatlog

import (
	"context"

	"github.com/Strob0t/agenttask/internal/domain/conversation"
)

// Log stores an append-only message history plus the in-flight turn of each
// workspace. Committed messages are never rewritten.
type Log interface {
	// Append commits an immutable message.
	Append(ctx context.Context, workspaceID string, msg conversation.Message) error

	// Messages returns all committed messages in order.
	Messages(ctx context.Context, workspaceID string) ([]conversation.Message, error)

	// OpenPendingToolCall records an unresolved tool call in the in-flight turn.
	OpenPendingToolCall(ctx context.Context, workspaceID string, call conversation.PendingToolCall) error

	// FinalizePendingToolCall resolves the in-flight placeholder for taskID
	// with output. It reports false when no such placeholder is open.
	FinalizePendingToolCall(ctx context.Context, workspaceID, taskID string, output conversation.TaskReportOutput) (bool, error)

	// DropPendingToolCall discards an unresolved placeholder for taskID.
	DropPendingToolCall(ctx context.Context, workspaceID, taskID string) error

	// Clear deletes the workspace's log and in-flight turn.
	Clear(ctx context.Context, workspaceID string) error
}
