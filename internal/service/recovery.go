package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/Strob0t/agenttask/internal/domain/task"
	"github.com/Strob0t/agenttask/internal/logger"
)

// RecoveryReport summarizes what Recover did.
type RecoveryReport struct {
	Resumed  []string `json:"resumed"`
	Reminded []string `json:"reminded"`
	Cleaned  []string `json:"cleaned"`
	Started  []string `json:"started"`
}

// Recover brings in-flight state back after a restart. The persisted graph
// is the only source of truth: running tasks whose session is idle are
// resumed, tasks awaiting their report are reminded again, reports still
// in the graph are re-cached, finished subtrees are collapsed and the
// queue is drained into free capacity.
func (s *TaskService) Recover(ctx context.Context) (*RecoveryReport, error) {
	out := &RecoveryReport{}

	s.orderMu.Lock()
	g, err := s.graph.Load(ctx)
	if err != nil {
		s.orderMu.Unlock()
		return nil, fmt.Errorf("load task graph: %w", err)
	}
	ix := task.NewIndex(g)
	if err := ix.Validate(); err != nil {
		s.orderMu.Unlock()
		return nil, fmt.Errorf("recover: %w", err)
	}

	type reportedTask struct {
		id    string
		depth int
	}
	var reported []reportedTask
	for _, t := range ix.Tasks() {
		tctx := logger.WithTaskID(ctx, t.ID)
		switch t.Status {
		case task.StatusRunning:
			if s.sessions.IsStreaming(tctx, t.ID) {
				continue
			}
			if err := s.sessions.ResumeStream(tctx, t.ID, t.Params); err != nil {
				slog.WarnContext(tctx, "recover: resume failed", "error", err)
				continue
			}
			out.Resumed = append(out.Resumed, t.ID)
		case task.StatusAwaitingReport:
			if s.sessions.IsStreaming(tctx, t.ID) {
				continue
			}
			if err := s.sessions.SendMessage(tctx, t.ID, reminderPrompt, t.Params); err != nil {
				slog.WarnContext(tctx, "recover: reminder failed", "error", err)
				continue
			}
			out.Reminded = append(out.Reminded, t.ID)
		case task.StatusReported:
			if t.Report != nil {
				chain, _ := ix.Ancestors(t.ID)
				s.results.put(tctx, t.ID, *t.Report, chain)
			}
			depth, _ := ix.Depth(t.ID)
			reported = append(reported, reportedTask{id: t.ID, depth: depth})
		}
	}
	s.orderMu.Unlock()

	slices.SortStableFunc(reported, func(a, b reportedTask) int { return b.depth - a.depth })
	for _, r := range reported {
		before, err := s.graph.Load(ctx)
		if err != nil {
			return out, fmt.Errorf("load task graph: %w", err)
		}
		if before.Task(r.id) == nil {
			continue
		}
		s.cleanup(ctx, r.id)
		after, err := s.graph.Load(ctx)
		if err != nil {
			return out, fmt.Errorf("load task graph: %w", err)
		}
		for _, t := range before.Tasks {
			if after.Task(t.ID) == nil {
				out.Cleaned = append(out.Cleaned, t.ID)
			}
		}
	}

	started, err := s.MaybeStartQueuedTasks(ctx)
	if err != nil {
		return out, err
	}
	out.Started = started

	slog.InfoContext(ctx, "task graph recovered",
		"resumed", len(out.Resumed),
		"reminded", len(out.Reminded),
		"cleaned", len(out.Cleaned),
		"started", len(out.Started),
	)
	return out, nil
}
