package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/agenttask/internal/domain/task"
	"github.com/Strob0t/agenttask/internal/port/broadcast"
	"github.com/Strob0t/agenttask/internal/port/messagequeue"
)

var eventSubjects = map[string]string{
	broadcast.EventTaskCreated:        messagequeue.SubjectTaskCreated,
	broadcast.EventTaskQueued:         messagequeue.SubjectTaskQueued,
	broadcast.EventTaskStarted:        messagequeue.SubjectTaskStarted,
	broadcast.EventTaskAwaitingReport: messagequeue.SubjectTaskAwaitingReport,
	broadcast.EventTaskReported:       messagequeue.SubjectTaskReported,
	broadcast.EventTaskRemoved:        messagequeue.SubjectTaskRemoved,
}

// notify fans a lifecycle event out to WebSocket clients and the task
// subjects. Both are best effort.
func (s *TaskService) notify(ctx context.Context, event string, t *task.Task) {
	if s.hub == nil && s.queue == nil {
		return
	}
	ancestors := s.scopeOf(ctx, t)
	payload := messagequeue.TaskEventPayload{
		Event:     event,
		TaskID:    t.ID,
		ParentID:  t.ParentID,
		AgentID:   t.AgentID,
		Title:     t.Title,
		Status:    string(t.Status),
		Ancestors: ancestors,
		Fallback:  t.Report != nil && t.Report.Fallback,
	}

	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, event, append([]string{t.ID}, ancestors...), payload)
	}
	if s.queue != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.ErrorContext(ctx, "marshal task event", "event", event, "error", err)
			return
		}
		if err := s.queue.Publish(ctx, eventSubjects[event], data); err != nil {
			slog.WarnContext(ctx, "publish task event failed", "event", event, "task_id", t.ID, "error", err)
		}
	}
}

// scopeOf returns t's ancestor chain, nearest first. It works for tasks
// already removed from the graph by walking from the parent.
func (s *TaskService) scopeOf(ctx context.Context, t *task.Task) []string {
	if t.ParentID == "" {
		return nil
	}
	g, err := s.graph.Load(ctx)
	if err != nil {
		return []string{t.ParentID}
	}
	ix := task.NewIndex(g)
	chain, err := ix.Ancestors(t.ParentID)
	if err != nil {
		return []string{t.ParentID}
	}
	return append([]string{t.ParentID}, chain...)
}
