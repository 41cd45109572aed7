package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	cfotel "github.com/Strob0t/agenttask/internal/adapter/otel"
	"github.com/Strob0t/agenttask/internal/domain/task"
	"github.com/Strob0t/agenttask/internal/logger"
	"github.com/Strob0t/agenttask/internal/port/broadcast"
	"github.com/Strob0t/agenttask/internal/port/workspace"
)

// errNotQueued aborts a dequeue edit when the candidate changed underneath.
var errNotQueued = errors.New("task is no longer queued")

// Create admits a new task under parentID. It either starts the task
// immediately or, when the parallelism limit is reached, persists it as
// queued without provisioning anything. Admission errors leave no state.
func (s *TaskService) Create(ctx context.Context, req task.CreateRequest) (*task.CreateResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	profile, err := s.runnableAgent(req.AgentID)
	if err != nil {
		return nil, err
	}

	ctx, span := cfotel.StartCreateSpan(ctx, req.ParentID, req.AgentID)
	defer span.End()

	s.orderMu.Lock()
	defer s.orderMu.Unlock()

	g, err := s.graph.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load task graph: %w", err)
	}
	if err := checkParent(g, req.ParentID); err != nil {
		return nil, err
	}
	ix := task.NewIndex(g)
	maxParallel, maxDepth := s.limits()
	depth, err := ix.Depth(req.ParentID)
	if err != nil {
		return nil, err
	}
	if depth+1 > maxDepth {
		return nil, fmt.Errorf("%w: depth %d exceeds limit %d", task.ErrDepthExceeded, depth+1, maxDepth)
	}

	parent, _ := ix.Task(req.ParentID)
	t := task.Task{
		ID:          s.graph.NewID(),
		ParentID:    req.ParentID,
		AgentID:     req.AgentID,
		Title:       strings.TrimSpace(req.Title),
		Prompt:      req.Prompt,
		Params:      inheritParams(req, profile, parent),
		TrunkBranch: req.TrunkBranch,
		CreatedAt:   s.now().UTC(),
	}
	if req.Runtime != nil {
		t.Runtime = *req.Runtime
	}
	if parent != nil {
		if t.TrunkBranch == "" {
			t.TrunkBranch = parent.TrunkBranch
		}
		if req.Runtime == nil {
			t.Runtime = parent.Runtime
		}
	}
	ctx = logger.WithTaskID(ctx, t.ID)
	span.SetAttributes(attribute.String("task.id", t.ID))

	if s.activeCount(ctx, ix) >= maxParallel {
		t.Status = task.StatusQueued
		if err := s.persistNew(ctx, t); err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "task queued", "parent_id", t.ParentID, "agent_id", t.AgentID)
		if s.metrics != nil {
			s.metrics.TasksCreated.Add(ctx, 1)
			s.metrics.TasksQueued.Add(ctx, 1)
		}
		s.notify(ctx, broadcast.EventTaskCreated, &t)
		s.notify(ctx, broadcast.EventTaskQueued, &t)
		return &task.CreateResult{TaskID: t.ID, Status: task.StatusQueued}, nil
	}

	path, err := s.provision(ctx, &t)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	prompt := t.Prompt
	started := s.now().UTC()
	t.Status = task.StatusRunning
	t.WorkspacePath = path
	t.Prompt = ""
	t.StartedAt = &started
	if err := s.persistNew(ctx, t); err != nil {
		s.removeWorkspace(ctx, t.ID)
		return nil, err
	}

	if err := s.sessions.SendMessage(ctx, t.ID, prompt, t.Params); err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.rollback(ctx, &t)
		return nil, fmt.Errorf("start task %s: %w", t.ID, err)
	}

	slog.InfoContext(ctx, "task started", "parent_id", t.ParentID, "agent_id", t.AgentID, "path", path)
	if s.metrics != nil {
		s.metrics.TasksCreated.Add(ctx, 1)
		s.metrics.TasksStarted.Add(ctx, 1)
	}
	s.notify(ctx, broadcast.EventTaskCreated, &t)
	s.notify(ctx, broadcast.EventTaskStarted, &t)
	return &task.CreateResult{TaskID: t.ID, Status: task.StatusRunning}, nil
}

// persistNew appends t after re-checking its parent inside the edit.
func (s *TaskService) persistNew(ctx context.Context, t task.Task) error {
	err := s.graph.Edit(ctx, func(g *task.Graph) error {
		if err := checkParent(g, t.ParentID); err != nil {
			return err
		}
		g.AddTask(t)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	return nil
}

// provision creates the workspace and runs the init hook. A hook failure
// removes the fresh workspace again.
func (s *TaskService) provision(ctx context.Context, t *task.Task) (string, error) {
	path, err := s.workspaces.ForkOrCreate(ctx, t.ID, workspace.Spec{
		ParentID:    t.ParentID,
		TrunkBranch: t.TrunkBranch,
		Runtime:     t.Runtime,
	})
	if err != nil {
		return "", fmt.Errorf("provision workspace for %s: %w", t.ID, err)
	}
	if err := s.workspaces.RunInitHook(ctx, t.ID); err != nil {
		s.removeWorkspace(ctx, t.ID)
		return "", fmt.Errorf("init hook for %s: %w", t.ID, err)
	}
	return path, nil
}

// rollback undoes an admission whose execution failed to start.
func (s *TaskService) rollback(ctx context.Context, t *task.Task) {
	if err := s.graph.Edit(ctx, func(g *task.Graph) error {
		g.RemoveTask(t.ID)
		return nil
	}); err != nil {
		slog.ErrorContext(ctx, "rollback: remove graph entry failed", "error", err)
	}
	s.removeWorkspace(ctx, t.ID)
	if err := s.chatlog.Clear(ctx, t.ID); err != nil {
		slog.WarnContext(ctx, "rollback: clear session log failed", "error", err)
	}
	s.notify(ctx, broadcast.EventTaskRemoved, t)
}

func (s *TaskService) removeWorkspace(ctx context.Context, id string) {
	if err := s.workspaces.Remove(ctx, id); err != nil {
		slog.WarnContext(ctx, "remove workspace failed", "task_id", id, "error", err)
	}
}

// MaybeStartQueuedTasks promotes queued tasks, oldest first, while there
// is capacity. It returns the ids it started.
func (s *TaskService) MaybeStartQueuedTasks(ctx context.Context) ([]string, error) {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	return s.dequeueLocked(ctx)
}

func (s *TaskService) dequeueLocked(ctx context.Context) ([]string, error) {
	g, err := s.graph.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load task graph: %w", err)
	}
	ix := task.NewIndex(g)
	queued := ix.QueuedOldestFirst()
	if len(queued) == 0 {
		return nil, nil
	}
	maxParallel, _ := s.limits()
	if maxParallel-s.activeCount(ctx, ix) <= 0 && !s.anyStreaming(ctx, queued) {
		return nil, nil
	}

	ctx, span := cfotel.StartDequeueSpan(ctx)
	defer span.End()

	candidates := make([]string, len(queued))
	for i, t := range queued {
		candidates[i] = t.ID
	}

	var started []string
	for _, id := range candidates {
		// Capacity is re-read per candidate: provisioning suspends, and a
		// foreground wait may have ended meanwhile.
		g, err := s.graph.Load(ctx)
		if err != nil {
			return started, fmt.Errorf("load task graph: %w", err)
		}
		ix := task.NewIndex(g)
		t, ok := ix.Task(id)
		if !ok || t.Status != task.StatusQueued {
			continue
		}
		tctx := logger.WithTaskID(ctx, id)

		if s.sessions.IsStreaming(tctx, id) {
			if err := s.markRunning(tctx, id, ""); err != nil {
				slog.WarnContext(tctx, "correct streaming queued task failed", "error", err)
				continue
			}
			slog.WarnContext(tctx, "queued task was already executing, marked running")
			s.waiters.started(id)
			started = append(started, id)
			continue
		}

		if s.activeCount(tctx, ix) >= maxParallel {
			break
		}
		if err := s.startQueued(tctx, t); err != nil {
			slog.ErrorContext(tctx, "start queued task failed", "error", err)
			continue
		}
		started = append(started, id)
	}
	span.SetAttributes(attribute.Int("dequeue.started", len(started)))
	return started, nil
}

func (s *TaskService) anyStreaming(ctx context.Context, queued []*task.Task) bool {
	for _, t := range queued {
		if s.sessions.IsStreaming(ctx, t.ID) {
			return true
		}
	}
	return false
}

// startQueued provisions a dequeued task and begins its execution with
// the stored prompt, or resumes it when no prompt was stored.
func (s *TaskService) startQueued(ctx context.Context, t *task.Task) error {
	snapshot := *t
	path, err := s.provision(ctx, &snapshot)
	if err != nil {
		return err
	}
	prompt := snapshot.Prompt
	if err := s.markRunning(ctx, t.ID, path); err != nil {
		s.removeWorkspace(ctx, t.ID)
		return err
	}
	snapshot.Status = task.StatusRunning
	snapshot.WorkspacePath = path
	snapshot.Prompt = ""

	if prompt != "" {
		err = s.sessions.SendMessage(ctx, t.ID, prompt, t.Params)
	} else {
		err = s.sessions.ResumeStream(ctx, t.ID, t.Params)
	}
	if err != nil {
		s.requeue(ctx, t.ID, prompt)
		return fmt.Errorf("start task %s: %w", t.ID, err)
	}

	slog.InfoContext(ctx, "queued task started", "path", path, "resumed", prompt == "")
	if s.metrics != nil {
		s.metrics.TasksStarted.Add(ctx, 1)
	}
	s.waiters.started(t.ID)
	s.notify(ctx, broadcast.EventTaskStarted, &snapshot)
	return nil
}

// markRunning moves a queued task to running, recording its workspace.
func (s *TaskService) markRunning(ctx context.Context, id, path string) error {
	started := s.now().UTC()
	return s.graph.Edit(ctx, func(g *task.Graph) error {
		t := g.Task(id)
		if t == nil || t.Status != task.StatusQueued {
			return errNotQueued
		}
		t.Status = task.StatusRunning
		t.StartedAt = &started
		t.Prompt = ""
		if path != "" {
			t.WorkspacePath = path
		}
		return nil
	})
}

// requeue reverts a task whose start failed, so it owns no workspace and
// keeps its prompt for the next pass.
func (s *TaskService) requeue(ctx context.Context, id, prompt string) {
	if err := s.graph.Edit(ctx, func(g *task.Graph) error {
		t := g.Task(id)
		if t == nil {
			return nil
		}
		t.Status = task.StatusQueued
		t.Prompt = prompt
		t.WorkspacePath = ""
		t.StartedAt = nil
		return nil
	}); err != nil {
		slog.ErrorContext(ctx, "requeue failed", "error", err)
	}
	s.removeWorkspace(ctx, id)
}

// kick runs a best-effort dequeue pass.
func (s *TaskService) kick(ctx context.Context) {
	if _, err := s.MaybeStartQueuedTasks(ctx); err != nil {
		slog.WarnContext(ctx, "dequeue pass failed", "error", err)
	}
}
