package service

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	cfotel "github.com/Strob0t/agenttask/internal/adapter/otel"
	"github.com/Strob0t/agenttask/internal/domain"
	"github.com/Strob0t/agenttask/internal/domain/task"
	"github.com/Strob0t/agenttask/internal/logger"
	"github.com/Strob0t/agenttask/internal/port/broadcast"
)

// Terminate tears down taskID and its whole subtree, deepest first: each
// task's stream is stopped, its waiters fail with ErrTaskTerminated, its
// workspace and log are removed and its graph entry deleted. It returns
// the removed ids in removal order.
func (s *TaskService) Terminate(ctx context.Context, taskID string) ([]string, error) {
	ctx, span := cfotel.StartTerminateSpan(ctx, taskID)
	defer span.End()

	s.orderMu.Lock()
	defer s.orderMu.Unlock()

	g, err := s.graph.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load task graph: %w", err)
	}
	ix := task.NewIndex(g)
	if _, ok := ix.Task(taskID); !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	subtree, err := ix.SubtreeDeepestFirst(taskID)
	if err != nil {
		return nil, err
	}

	removed := make([]string, 0, len(subtree))
	for _, t := range subtree {
		tctx := logger.WithTaskID(ctx, t.ID)
		if err := s.sessions.StopStream(tctx, t.ID, true); err != nil {
			slog.WarnContext(tctx, "terminate: stop stream failed", "error", err)
		}
		if err := s.graph.Edit(tctx, func(g *task.Graph) error {
			g.RemoveTask(t.ID)
			return nil
		}); err != nil {
			return removed, fmt.Errorf("terminate %s: %w", t.ID, err)
		}
		// Waiters are rejected only after the entry is gone, so a wait that
		// registers concurrently either sees the task missing or is rejected.
		s.waiters.reject(t.ID, fmt.Errorf("task %s: %w", t.ID, task.ErrTaskTerminated))
		if t.Provisioned() {
			s.removeWorkspace(tctx, t.ID)
		}
		if err := s.chatlog.Clear(tctx, t.ID); err != nil {
			slog.WarnContext(tctx, "terminate: clear session log failed", "error", err)
		}

		removed = append(removed, t.ID)
		if s.metrics != nil {
			s.metrics.TasksTerminated.Add(tctx, 1)
		}
		s.notify(tctx, broadcast.EventTaskRemoved, t)
	}
	span.SetAttributes(attribute.Int("terminate.removed", len(removed)))
	slog.InfoContext(ctx, "task subtree terminated", "task_id", taskID, "removed", len(removed))

	if _, err := s.dequeueLocked(ctx); err != nil {
		slog.WarnContext(ctx, "dequeue after terminate failed", "error", err)
	}
	return removed, nil
}
