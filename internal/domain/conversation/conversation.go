// Package conversation defines the chat log entries exchanged between the
// scheduler and agent sessions.
package conversation

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single entry in a workspace's append-only chat log.
type Message struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Role        Role            `json:"role"`
	Content     string          `json:"content"`
	ToolCalls   json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	// Synthetic marks messages injected by the scheduler rather than
	// produced by a model or a user.
	Synthetic bool      `json:"synthetic,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingToolCall is a tool invocation whose result has not been written yet.
// A parent blocked in a foreground wait has one of these open for the task it
// is waiting on.
type PendingToolCall struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	TaskID     string `json:"task_id"`
}

// TaskReportOutput is the tool result payload delivered to a parent when one
// of its tasks finishes.
type TaskReportOutput struct {
	TaskID         string `json:"task_id"`
	AgentID        string `json:"agent_id"`
	Title          string `json:"title"`
	ReportMarkdown string `json:"report_markdown"`
	Fallback       bool   `json:"fallback,omitempty"`
}

// LastAssistantText returns the content of the most recent non-empty
// assistant message, or "" when there is none.
func LastAssistantText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}
