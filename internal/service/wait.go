package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Strob0t/agenttask/internal/domain"
	"github.com/Strob0t/agenttask/internal/domain/conversation"
	"github.com/Strob0t/agenttask/internal/domain/task"
	"github.com/Strob0t/agenttask/internal/logger"
)

// WaitOptions tune WaitForAgentReport.
type WaitOptions struct {
	// Timeout bounds the wait once the task is running. Zero uses the
	// configured default.
	Timeout time.Duration
	// RequestingWorkspaceID makes this a foreground wait by that
	// workspace, which must be an ancestor of the task. The workspace
	// stops counting against the parallelism limit while it waits.
	RequestingWorkspaceID string
	// ToolCallID and ToolName identify the requester's tool call. When
	// set, the report is written into that call's placeholder.
	ToolCallID string
	ToolName   string
}

// WaitForAgentReport blocks until taskID reports, the timeout elapses, ctx
// is cancelled or the task is terminated. Reports of finished tasks are
// served from the result cache for the TTL window. The timeout of a wait on
// a queued task only starts once the task is running.
func (s *TaskService) WaitForAgentReport(ctx context.Context, taskID string, opts WaitOptions) (*task.Report, error) {
	ctx = logger.WithTaskID(ctx, taskID)
	requester := opts.RequestingWorkspaceID
	begin := s.now()

	if r, ok := s.cachedReport(ctx, taskID, requester); ok {
		return r, nil
	}

	g, err := s.graph.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load task graph: %w", err)
	}
	ix := task.NewIndex(g)
	t, ok := ix.Task(taskID)
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	if requester != "" {
		below, err := ix.IsDescendantOf(taskID, requester)
		if err != nil {
			return nil, err
		}
		if !below {
			return nil, fmt.Errorf("task %s is not a descendant of %s: %w", taskID, requester, domain.ErrNotFound)
		}
	}
	if t.Status == task.StatusReported && t.Report != nil {
		r := *t.Report
		return &r, nil
	}

	w := s.waiters.register(taskID)
	defer s.waiters.unregister(taskID, w)

	if t.Status == task.StatusQueued {
		s.waiters.awaitStart(taskID, w)
	} else {
		w.markStarted()
	}

	// Re-read now that the waiter is registered: the task may have started,
	// reported or been terminated since the load. Terminate removes the
	// entry before rejecting waiters, so a task still present here will
	// reject this waiter if it is terminated later.
	cur, err := s.Get(ctx, taskID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if r, ok := s.cachedReport(ctx, taskID, ""); ok {
			return r, nil
		}
		return nil, fmt.Errorf("task %s: %w", taskID, task.ErrTaskTerminated)
	case err != nil:
		return nil, err
	case cur.Status == task.StatusReported && cur.Report != nil:
		r := *cur.Report
		return &r, nil
	case cur.Status != task.StatusQueued:
		w.markStarted()
	}

	if requester != "" {
		s.orderMu.Lock()
		leave := s.foreground.enter(requester)
		s.orderMu.Unlock()
		defer func() {
			s.orderMu.Lock()
			leave()
			s.orderMu.Unlock()
		}()

		if opts.ToolCallID != "" {
			call := conversation.PendingToolCall{ToolCallID: opts.ToolCallID, ToolName: opts.ToolName, TaskID: taskID}
			if err := s.chatlog.OpenPendingToolCall(ctx, requester, call); err != nil {
				slog.WarnContext(ctx, "open pending tool call failed", "requester", requester, "error", err)
			}
		}
		// The requester's slot just freed up and may be all a queued
		// descendant was waiting for.
		s.kick(ctx)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.defaultWaitTimeout()
	}

	report, err := s.await(ctx, w, timeout)
	if s.metrics != nil {
		s.metrics.WaitDuration.Record(ctx, s.now().Sub(begin).Seconds())
	}
	if err != nil {
		if requester != "" && opts.ToolCallID != "" {
			if derr := s.chatlog.DropPendingToolCall(ctx, requester, taskID); derr != nil {
				slog.WarnContext(ctx, "drop pending tool call failed", "error", derr)
			}
		}
		return nil, err
	}
	return report, nil
}

func (s *TaskService) await(ctx context.Context, w *reportWaiter, timeout time.Duration) (*task.Report, error) {
	started := w.started
	var expired <-chan time.Time
	for {
		select {
		case <-started:
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
			started = nil
		case res := <-w.done:
			if res.err != nil {
				return nil, res.err
			}
			r := res.report
			return &r, nil
		case <-expired:
			return nil, fmt.Errorf("%w after %s", task.ErrWaitTimeout, timeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", task.ErrWaitAborted, ctx.Err())
		}
	}
}

// cachedReport serves a cached report. With a requester, the requester
// must appear in the ancestor chain captured at completion.
func (s *TaskService) cachedReport(ctx context.Context, taskID, requester string) (*task.Report, bool) {
	e, ok := s.results.get(ctx, taskID)
	if !ok {
		return nil, false
	}
	if requester != "" && !slices.Contains(e.Ancestors, requester) {
		return nil, false
	}
	r := e.Report
	return &r, true
}
