package messagequeue

// SessionSendPayload is the schema for sessions.<ws>.send messages.
type SessionSendPayload struct {
	WorkspaceID   string          `json:"workspace_id"`
	Text          string          `json:"text"`
	Model         string          `json:"model,omitempty"`
	ThinkingLevel string          `json:"thinking_level,omitempty"`
	Experiments   map[string]bool `json:"experiments,omitempty"`
}

// SessionResumePayload is the schema for sessions.<ws>.resume messages.
type SessionResumePayload struct {
	WorkspaceID   string          `json:"workspace_id"`
	Model         string          `json:"model,omitempty"`
	ThinkingLevel string          `json:"thinking_level,omitempty"`
	Experiments   map[string]bool `json:"experiments,omitempty"`
}

// SessionStopPayload is the schema for sessions.<ws>.stop messages.
type SessionStopPayload struct {
	WorkspaceID    string `json:"workspace_id"`
	DiscardPartial bool   `json:"discard_partial"`
}

// SessionStreamPayload is the schema for sessions.<ws>.stream messages.
type SessionStreamPayload struct {
	WorkspaceID string `json:"workspace_id"`
	Streaming   bool   `json:"streaming"`
}

// SessionReportPayload is the schema for sessions.<ws>.report messages.
type SessionReportPayload struct {
	WorkspaceID    string `json:"workspace_id"`
	ToolCallID     string `json:"tool_call_id,omitempty"`
	ReportMarkdown string `json:"report_markdown"`
	Title          string `json:"title,omitempty"`
}

// SessionTurnEndPayload is the schema for sessions.<ws>.turn_end messages.
type SessionTurnEndPayload struct {
	WorkspaceID       string `json:"workspace_id"`
	LastAssistantText string `json:"last_assistant_text,omitempty"`
}

// TaskEventPayload is the schema for tasks.<event> notifications.
type TaskEventPayload struct {
	Event     string   `json:"event"`
	TaskID    string   `json:"task_id"`
	ParentID  string   `json:"parent_id"`
	AgentID   string   `json:"agent_id,omitempty"`
	Title     string   `json:"title,omitempty"`
	Status    string   `json:"status,omitempty"`
	Ancestors []string `json:"ancestors,omitempty"`
	Fallback  bool     `json:"fallback,omitempty"`
}
