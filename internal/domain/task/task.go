// Package task defines the agent Task entity, the persisted task graph
// document and the pure graph queries the scheduler runs against it.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/agenttask/internal/domain"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusRunning        Status = "running"
	StatusAwaitingReport Status = "awaiting_report"
	StatusReported       Status = "reported"
)

// IsActive reports whether a task in this status occupies a parallelism slot.
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusAwaitingReport
}

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusReported
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusAwaitingReport, StatusReported:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from one status to another.
// The only backward edge is awaiting_report -> running, taken when a
// descendant became active between turn end and finalization.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusAwaitingReport || to == StatusReported
	case StatusAwaitingReport:
		return to == StatusRunning || to == StatusReported
	}
	return false
}

// Runtime describes where a task's workspace lives.
type Runtime struct {
	Type  string `json:"type,omitempty" yaml:"type,omitempty"` // "local" | "worktree" | "ssh" | "docker"
	Host  string `json:"host,omitempty" yaml:"host,omitempty"`
	Image string `json:"image,omitempty" yaml:"image,omitempty"`
}

// Params are the execution parameters frozen into a task at creation.
type Params struct {
	Model         string          `json:"model,omitempty" yaml:"model,omitempty"`
	ThinkingLevel string          `json:"thinking_level,omitempty" yaml:"thinking_level,omitempty"`
	Experiments   map[string]bool `json:"experiments,omitempty" yaml:"experiments,omitempty"`
}

// Task is one spawned agent context. Its ID doubles as the workspace ID.
type Task struct {
	ID            string     `json:"id" yaml:"id"`
	ParentID      string     `json:"parent_id" yaml:"parent_id"`
	AgentID       string     `json:"agent_id" yaml:"agent_id"`
	Title         string     `json:"title,omitempty" yaml:"title,omitempty"`
	Status        Status     `json:"status" yaml:"status"`
	Prompt        string     `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Params        Params     `json:"params" yaml:"params"`
	TrunkBranch   string     `json:"trunk_branch,omitempty" yaml:"trunk_branch,omitempty"`
	WorkspacePath string     `json:"workspace_path,omitempty" yaml:"workspace_path,omitempty"`
	Runtime       Runtime    `json:"runtime" yaml:"runtime"`
	ReminderSent  bool       `json:"reminder_sent,omitempty" yaml:"reminder_sent,omitempty"`
	Report        *Report    `json:"report,omitempty" yaml:"report,omitempty"`
	CreatedAt     time.Time  `json:"created_at" yaml:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	ReportedAt    *time.Time `json:"reported_at,omitempty" yaml:"reported_at,omitempty"`
}

// Provisioned reports whether a workspace has been created for the task.
func (t *Task) Provisioned() bool {
	return t.WorkspacePath != ""
}

// Root is a top-level conversation that may own tasks but is not one.
type Root struct {
	ID        string    `json:"id" yaml:"id"`
	Path      string    `json:"path,omitempty" yaml:"path,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// CreateRequest holds the fields needed to spawn a task.
type CreateRequest struct {
	ParentID    string   `json:"parent_id"`
	AgentID     string   `json:"agent_id"`
	Prompt      string   `json:"prompt"`
	Title       string   `json:"title,omitempty"`
	Params      Params   `json:"params"`
	TrunkBranch string   `json:"trunk_branch,omitempty"`
	Runtime     *Runtime `json:"runtime,omitempty"`
}

// Validate checks the request shape. Graph-dependent checks happen at admission.
func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.ParentID) == "" {
		return fmt.Errorf("%w: parent_id is required", domain.ErrValidation)
	}
	if strings.TrimSpace(r.AgentID) == "" {
		return fmt.Errorf("%w: agent_id is required", domain.ErrValidation)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", domain.ErrValidation)
	}
	return nil
}

// CreateResult is returned by a successful admission.
type CreateResult struct {
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
}
