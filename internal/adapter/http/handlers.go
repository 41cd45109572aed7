package http

import (
	"context"
	"net/http"
	"time"

	"github.com/Strob0t/agenttask/internal/adapter/ws"
	"github.com/Strob0t/agenttask/internal/domain/task"
	"github.com/Strob0t/agenttask/internal/port/session"
	"github.com/Strob0t/agenttask/internal/service"
)

const defaultMaxRequestBodySize = 1 << 20 // 1 MB

// Limits bounds request handling.
type Limits struct {
	MaxRequestBodySize int64
}

// HealthCheck is one named dependency probe for GET /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handlers holds the HTTP handlers of the scheduler API.
type Handlers struct {
	Tasks  *service.TaskService
	Hub    *ws.Hub
	Health []HealthCheck
	Limits Limits
}

func (h *Handlers) bodyLimit() int64 {
	if h.Limits.MaxRequestBodySize > 0 {
		return h.Limits.MaxRequestBodySize
	}
	return defaultMaxRequestBodySize
}

// --- Roots ---

type registerRootRequest struct {
	ID   string `json:"id"`
	Path string `json:"path,omitempty"`
}

// RegisterRoot handles POST /api/v1/roots
func (h *Handlers) RegisterRoot(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[registerRootRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	if !requireField(w, req.ID, "id") {
		return
	}
	if err := h.Tasks.RegisterRoot(r.Context(), req.ID, req.Path); err != nil {
		writeDomainError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// --- Tasks ---

// CreateTask handles POST /api/v1/tasks
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.CreateRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	res, err := h.Tasks.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	status := http.StatusCreated
	if res.Status == task.StatusQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// ListTasks handles GET /api/v1/tasks
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Tasks.List(r.Context(), r.URL.Query().Get("parent_id"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type waitRequest struct {
	TimeoutMS             int64  `json:"timeout_ms,omitempty"`
	RequestingWorkspaceID string `json:"requesting_workspace_id,omitempty"`
	ToolCallID            string `json:"tool_call_id,omitempty"`
	ToolName              string `json:"tool_name,omitempty"`
}

// WaitForTask handles POST /api/v1/tasks/{id}/wait. The request blocks
// until the task reports, the wait times out or the client goes away.
func (h *Handlers) WaitForTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[waitRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	report, err := h.Tasks.WaitForAgentReport(r.Context(), urlParam(r, "id"), service.WaitOptions{
		Timeout:               time.Duration(req.TimeoutMS) * time.Millisecond,
		RequestingWorkspaceID: req.RequestingWorkspaceID,
		ToolCallID:            req.ToolCallID,
		ToolName:              req.ToolName,
	})
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// TerminateTask handles DELETE /api/v1/tasks/{id}
func (h *Handlers) TerminateTask(w http.ResponseWriter, r *http.Request) {
	removed, err := h.Tasks.Terminate(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"removed": removed})
}

// --- Session events ---

type reportRequest struct {
	ToolCallID     string `json:"tool_call_id,omitempty"`
	ReportMarkdown string `json:"report_markdown"`
	Title          string `json:"title,omitempty"`
}

// SubmitReport handles POST /api/v1/workspaces/{id}/report
func (h *Handlers) SubmitReport(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[reportRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	err := h.Tasks.HandleReportSubmitted(r.Context(), session.ReportEvent{
		WorkspaceID: urlParam(r, "id"),
		ToolCallID:  req.ToolCallID,
		Report:      task.Report{Markdown: req.ReportMarkdown, Title: req.Title},
	})
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type turnEndRequest struct {
	LastAssistantText string `json:"last_assistant_text,omitempty"`
}

// TurnEnded handles POST /api/v1/workspaces/{id}/turn-end
func (h *Handlers) TurnEnded(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[turnEndRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	err := h.Tasks.HandleTurnEnded(r.Context(), session.TurnEndedEvent{
		WorkspaceID:       urlParam(r, "id"),
		LastAssistantText: req.LastAssistantText,
	})
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Scheduler ---

// Dequeue handles POST /api/v1/scheduler/dequeue
func (h *Handlers) Dequeue(w http.ResponseWriter, r *http.Request) {
	started, err := h.Tasks.MaybeStartQueuedTasks(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if started == nil {
		started = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"started": started})
}

// SchedulerStats handles GET /api/v1/scheduler
func (h *Handlers) SchedulerStats(w http.ResponseWriter, r *http.Request) {
	active, err := h.Tasks.ActiveCount(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"active": active})
}

// --- Health ---

// HealthCheck handles GET /health. Any failing probe turns the response
// into 503.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.Health))
	for _, c := range h.Health {
		if err := c.Check(ctx); err != nil {
			checks[c.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[c.Name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}
