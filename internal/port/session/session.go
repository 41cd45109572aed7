// Package session defines the port for the per-workspace conversation
// session that owns an agent's streaming lifecycle.
package session

import (
	"context"

	"github.com/Strob0t/agenttask/internal/domain/task"
)

// Session drives agent turns for a workspace. Implementations must deliver
// ReportEvent and TurnEndedEvent asynchronously, never from inside one of
// these calls.
type Session interface {
	// SendMessage appends a user turn and starts streaming a response.
	SendMessage(ctx context.Context, workspaceID, text string, params task.Params) error

	// ResumeStream starts a new response from the existing history.
	ResumeStream(ctx context.Context, workspaceID string, params task.Params) error

	// StopStream stops any in-flight response. With discardPartial the
	// uncommitted output is dropped rather than committed.
	StopStream(ctx context.Context, workspaceID string, discardPartial bool) error

	// IsStreaming reports whether a response is currently being generated.
	IsStreaming(ctx context.Context, workspaceID string) bool
}

// ReportEvent is emitted when a task completes its final-report tool call.
type ReportEvent struct {
	WorkspaceID string      `json:"workspace_id"`
	ToolCallID  string      `json:"tool_call_id,omitempty"`
	Report      task.Report `json:"report"`
}

// TurnEndedEvent is emitted when a workspace's turn finished without a
// final report.
type TurnEndedEvent struct {
	WorkspaceID       string `json:"workspace_id"`
	LastAssistantText string `json:"last_assistant_text,omitempty"`
}
