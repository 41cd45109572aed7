package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/codes"

	cfotel "github.com/Strob0t/agenttask/internal/adapter/otel"
	"github.com/Strob0t/agenttask/internal/domain"
	"github.com/Strob0t/agenttask/internal/domain/conversation"
	"github.com/Strob0t/agenttask/internal/domain/task"
	"github.com/Strob0t/agenttask/internal/logger"
	"github.com/Strob0t/agenttask/internal/port/broadcast"
	"github.com/Strob0t/agenttask/internal/port/session"
)

const (
	reportToolName = "report_task_result"

	reminderPrompt = "You ended your turn without submitting your final report. " +
		"Call " + reportToolName + " now with your complete result in report_markdown. " +
		"If you do not, your last message will be used as your report."

	waitForChildrenPrompt = "You still have delegated tasks running. " +
		"Wait for their reports before ending your turn."
)

// HandleReportSubmitted finalizes a task that called its final-report tool.
// A report submitted while the task still has unreported descendants is
// rejected with ErrActiveDescendants. Duplicate reports are no-ops.
func (s *TaskService) HandleReportSubmitted(ctx context.Context, ev session.ReportEvent) error {
	if err := ev.Report.Validate(); err != nil {
		return err
	}
	ctx = logger.WithTaskID(ctx, ev.WorkspaceID)

	unlock := s.events.Lock(ev.WorkspaceID)
	defer unlock()

	g, err := s.graph.Load(ctx)
	if err != nil {
		return fmt.Errorf("load task graph: %w", err)
	}
	ix := task.NewIndex(g)
	t, ok := ix.Task(ev.WorkspaceID)
	if !ok {
		if _, done := s.results.get(ctx, ev.WorkspaceID); done {
			return nil
		}
		return fmt.Errorf("task %s: %w", ev.WorkspaceID, domain.ErrNotFound)
	}
	if t.Status == task.StatusReported {
		return nil
	}
	active, err := ix.HasActiveDescendants(t.ID)
	if err != nil {
		return err
	}
	if active {
		slog.WarnContext(ctx, "final report rejected, descendants still active")
		return fmt.Errorf("%w: %s", task.ErrActiveDescendants, t.ID)
	}

	report := ev.Report
	report.Fallback = false
	return s.finalize(ctx, t.ID, report)
}

// HandleTurnEnded reacts to a turn that ended without a final report.
// Root conversations with outstanding tasks are resumed. Tasks are
// reminded once, then finalized with a fallback report built from their
// last assistant output.
func (s *TaskService) HandleTurnEnded(ctx context.Context, ev session.TurnEndedEvent) error {
	ctx = logger.WithTaskID(ctx, ev.WorkspaceID)

	unlock := s.events.Lock(ev.WorkspaceID)
	defer unlock()

	g, err := s.graph.Load(ctx)
	if err != nil {
		return fmt.Errorf("load task graph: %w", err)
	}
	ix := task.NewIndex(g)
	active, err := ix.HasActiveDescendants(ev.WorkspaceID)
	if err != nil {
		return err
	}

	t, isTask := ix.Task(ev.WorkspaceID)
	if !isTask {
		if !ix.IsRoot(ev.WorkspaceID) || !active {
			return nil
		}
		slog.InfoContext(ctx, "root conversation ended turn with active tasks, resuming")
		return s.sessions.SendMessage(ctx, ev.WorkspaceID, waitForChildrenPrompt, task.Params{})
	}

	switch t.Status {
	case task.StatusQueued, task.StatusReported:
		return nil
	}

	if active {
		if t.Status == task.StatusAwaitingReport {
			if err := s.setStatus(ctx, t.ID, task.StatusRunning, false); err != nil {
				return err
			}
			slog.InfoContext(ctx, "descendant became active, task back to running")
		}
		return nil
	}

	if !t.ReminderSent {
		if err := s.setStatus(ctx, t.ID, task.StatusAwaitingReport, true); err != nil {
			return err
		}
		reminded := *t
		reminded.Status = task.StatusAwaitingReport
		reminded.ReminderSent = true
		s.notify(ctx, broadcast.EventTaskAwaitingReport, &reminded)
		slog.InfoContext(ctx, "task ended turn without report, reminder sent")
		return s.sessions.SendMessage(ctx, t.ID, reminderPrompt, t.Params)
	}

	text := ev.LastAssistantText
	if text == "" {
		msgs, err := s.chatlog.Messages(ctx, t.ID)
		if err != nil {
			slog.WarnContext(ctx, "read task log for fallback report failed", "error", err)
		}
		text = conversation.LastAssistantText(msgs)
	}
	slog.WarnContext(ctx, "task ignored report reminder, finalizing with fallback report")
	return s.finalize(ctx, t.ID, task.FallbackReport(t, text))
}

// setStatus applies a status change allowed by the state machine.
func (s *TaskService) setStatus(ctx context.Context, id string, to task.Status, reminderSent bool) error {
	return s.graph.Edit(ctx, func(g *task.Graph) error {
		t := g.Task(id)
		if t == nil {
			return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
		}
		if !task.CanTransition(t.Status, to) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrConflict, t.Status, to)
		}
		t.Status = to
		if reminderSent {
			t.ReminderSent = true
		}
		return nil
	})
}

// errAlreadyReported aborts a finalize edit for a task that already
// reported, so the store is not rewritten.
var errAlreadyReported = errors.New("task already reported")

// errNothingToCollapse aborts a cleanup edit that would remove nothing.
var errNothingToCollapse = errors.New("nothing to collapse")

// finalize drives a task to reported exactly once: persist the report,
// stop its stream, deliver it to the parent, settle waiters, refill
// capacity and collapse the finished subtree. Repeat calls find the task
// reported and return without side effects.
func (s *TaskService) finalize(ctx context.Context, id string, report task.Report) error {
	ctx, span := cfotel.StartFinalizeSpan(ctx, id, report.Fallback)
	defer span.End()

	var (
		finished  task.Task
		ancestors []string
	)
	reportedAt := s.now().UTC()
	err := s.graph.Edit(ctx, func(g *task.Graph) error {
		t := g.Task(id)
		if t == nil {
			return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
		}
		if t.Status == task.StatusReported {
			return errAlreadyReported
		}
		if !task.CanTransition(t.Status, task.StatusReported) {
			return fmt.Errorf("%w: %s -> reported", domain.ErrConflict, t.Status)
		}
		chain, err := task.NewIndex(g).Ancestors(id)
		if err != nil {
			return err
		}
		r := report
		t.Status = task.StatusReported
		t.Report = &r
		t.ReportedAt = &reportedAt
		finished = *t
		ancestors = chain
		return nil
	})
	if errors.Is(err, errAlreadyReported) {
		return nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("finalize %s: %w", id, err)
	}

	if err := s.sessions.StopStream(ctx, id, false); err != nil {
		slog.WarnContext(ctx, "stop stream on finalize failed", "error", err)
	}
	s.results.put(ctx, id, report, ancestors)
	s.deliver(ctx, &finished, report)
	s.waiters.resolve(id, report)

	if s.metrics != nil {
		s.metrics.TasksReported.Add(ctx, 1)
		if report.Fallback {
			s.metrics.TasksFallback.Add(ctx, 1)
		}
	}
	slog.InfoContext(ctx, "task reported", "parent_id", finished.ParentID, "fallback", report.Fallback)
	s.notify(ctx, broadcast.EventTaskReported, &finished)

	s.kick(ctx)
	s.cleanup(ctx, id)
	s.maybeResumeParent(ctx, finished.ParentID)
	return nil
}

// deliver hands report to the parent's conversation. An open placeholder
// for this task in the parent's in-flight turn is finalized in place;
// otherwise a synthetic message is appended. Committed messages are never
// rewritten.
func (s *TaskService) deliver(ctx context.Context, t *task.Task, report task.Report) {
	output := conversation.TaskReportOutput{
		TaskID:         t.ID,
		AgentID:        t.AgentID,
		Title:          report.Title,
		ReportMarkdown: report.Markdown,
		Fallback:       report.Fallback,
	}
	done, err := s.chatlog.FinalizePendingToolCall(ctx, t.ParentID, t.ID, output)
	if err != nil {
		slog.WarnContext(ctx, "finalize pending tool call failed, appending instead", "parent_id", t.ParentID, "error", err)
	}
	if done {
		return
	}

	msg := conversation.Message{
		WorkspaceID: t.ParentID,
		Role:        conversation.RoleUser,
		Content:     formatReportMessage(t, report),
		Synthetic:   true,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.chatlog.Append(ctx, t.ParentID, msg); err != nil {
		slog.ErrorContext(ctx, "deliver report to parent failed", "parent_id", t.ParentID, "error", err)
	}
}

func formatReportMessage(t *task.Task, report task.Report) string {
	title := report.Title
	if title == "" {
		title = t.Title
	}
	if title == "" {
		title = t.AgentID
	}
	return fmt.Sprintf("<task-report task_id=%q agent_id=%q title=%q fallback=%t>\n%s\n</task-report>",
		t.ID, t.AgentID, title, report.Fallback, report.Markdown)
}

// cleanup removes a reported, childless task and repeats the check on its
// parent, collapsing a finished subtree from the leaves up.
func (s *TaskService) cleanup(ctx context.Context, id string) {
	cur := id
	for hops := 0; hops <= task.MaxHops; hops++ {
		var removed *task.Task
		err := s.graph.Edit(ctx, func(g *task.Graph) error {
			t := g.Task(cur)
			if t == nil || t.Status != task.StatusReported {
				return errNothingToCollapse
			}
			if len(task.NewIndex(g).Children(cur)) > 0 {
				return errNothingToCollapse
			}
			cp := *t
			removed = &cp
			g.RemoveTask(cur)
			return nil
		})
		if errors.Is(err, errNothingToCollapse) {
			return
		}
		if err != nil {
			slog.WarnContext(ctx, "cleanup failed", "task_id", cur, "error", err)
			return
		}
		if removed.Provisioned() {
			s.removeWorkspace(ctx, cur)
		}
		slog.DebugContext(ctx, "reported task cleaned up", "task_id", cur)
		s.notify(ctx, broadcast.EventTaskRemoved, removed)
		cur = removed.ParentID
	}
	slog.ErrorContext(ctx, "cleanup walked too far", "task_id", id, "error", task.ErrCorruptGraph)
}

// maybeResumeParent wakes an idle parent once all its tasks reported, so
// it can act on the delivered results.
func (s *TaskService) maybeResumeParent(ctx context.Context, parentID string) {
	if parentID == "" || s.foreground.blocked(parentID) || s.sessions.IsStreaming(ctx, parentID) {
		return
	}
	g, err := s.graph.Load(ctx)
	if err != nil {
		slog.WarnContext(ctx, "resume parent: load graph failed", "error", err)
		return
	}
	ix := task.NewIndex(g)
	var params task.Params
	if p, ok := ix.Task(parentID); ok {
		if p.Status != task.StatusRunning && p.Status != task.StatusAwaitingReport {
			return
		}
		params = p.Params
	} else if !ix.IsRoot(parentID) {
		return
	}
	active, err := ix.HasActiveDescendants(parentID)
	if err != nil || active {
		return
	}
	if err := s.sessions.ResumeStream(ctx, parentID, params); err != nil {
		slog.WarnContext(ctx, "resume parent failed", "parent_id", parentID, "error", err)
		return
	}
	slog.InfoContext(ctx, "parent resumed after task reports", "parent_id", parentID)
}
