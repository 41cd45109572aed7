package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/agenttask/internal/domain"
	"github.com/Strob0t/agenttask/internal/domain/task"
	"github.com/Strob0t/agenttask/internal/port/messagequeue"
	"github.com/Strob0t/agenttask/internal/port/session"
)

// StartEventSubscribers consumes final-report and turn-end events from
// the session subjects. The returned function cancels all subscriptions.
func (s *TaskService) StartEventSubscribers(ctx context.Context, q messagequeue.Queue) (func(), error) {
	subs := []struct {
		subject string
		handler messagequeue.Handler
	}{
		{messagequeue.SubjectSessionReports, s.handleReportMessage},
		{messagequeue.SubjectSessionTurnEnds, s.handleTurnEndMessage},
	}

	var cancels []func()
	cancelAll := func() {
		for _, c := range cancels {
			c()
		}
	}
	for _, sub := range subs {
		cancel, err := q.Subscribe(ctx, sub.subject, sub.handler)
		if err != nil {
			cancelAll()
			return nil, fmt.Errorf("subscribe %s: %w", sub.subject, err)
		}
		cancels = append(cancels, cancel)
	}
	return cancelAll, nil
}

func (s *TaskService) handleReportMessage(ctx context.Context, subject string, data []byte) error {
	ws, _, ok := messagequeue.ParseSessionSubject(subject)
	if !ok {
		return fmt.Errorf("unexpected subject %s", subject)
	}
	var p messagequeue.SessionReportPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal report event: %w", err)
	}
	err := s.HandleReportSubmitted(ctx, session.ReportEvent{
		WorkspaceID: ws,
		ToolCallID:  p.ToolCallID,
		Report:      task.Report{Markdown: p.ReportMarkdown, Title: p.Title},
	})
	return retryable(ctx, subject, err)
}

func (s *TaskService) handleTurnEndMessage(ctx context.Context, subject string, data []byte) error {
	ws, _, ok := messagequeue.ParseSessionSubject(subject)
	if !ok {
		return fmt.Errorf("unexpected subject %s", subject)
	}
	var p messagequeue.SessionTurnEndPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal turn end event: %w", err)
	}
	err := s.HandleTurnEnded(ctx, session.TurnEndedEvent{WorkspaceID: ws, LastAssistantText: p.LastAssistantText})
	return retryable(ctx, subject, err)
}

// retryable swallows errors that a redelivery cannot fix, so only
// infrastructure failures reach the queue's retry path.
func retryable(ctx context.Context, subject string, err error) error {
	if err == nil {
		return nil
	}
	for _, permanent := range []error{
		domain.ErrNotFound,
		domain.ErrConflict,
		domain.ErrValidation,
		task.ErrActiveDescendants,
		task.ErrInvalidReport,
		task.ErrCorruptGraph,
	} {
		if errors.Is(err, permanent) {
			slog.WarnContext(ctx, "session event rejected", "subject", subject, "error", err)
			return nil
		}
	}
	return err
}

// RunResultSweeper evicts expired cached reports every interval until ctx
// is done.
func (s *TaskService) RunResultSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.results.sweep()
		}
	}
}
