// Package natssession implements the session port by publishing commands
// to per-workspace NATS subjects. Agent runtimes answer on the same
// subject tree with stream, report and turn_end events.
package natssession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Strob0t/agenttask/internal/domain/task"
	"github.com/Strob0t/agenttask/internal/port/messagequeue"
	"github.com/Strob0t/agenttask/internal/port/session"
	"github.com/Strob0t/agenttask/internal/resilience"
)

// Session publishes session commands and mirrors each workspace's streaming
// state from sessions.<ws>.stream events.
type Session struct {
	queue   messagequeue.Queue
	breaker *resilience.Breaker

	mu        sync.RWMutex
	streaming map[string]bool
}

var _ session.Session = (*Session)(nil)

// New creates a Session. breaker may be nil.
func New(queue messagequeue.Queue, breaker *resilience.Breaker) *Session {
	return &Session{
		queue:     queue,
		breaker:   breaker,
		streaming: make(map[string]bool),
	}
}

// Start subscribes to streaming state changes. The returned function
// cancels the subscription.
func (s *Session) Start(ctx context.Context) (func(), error) {
	return s.queue.Subscribe(ctx, messagequeue.SubjectSessionStreams, s.handleStream)
}

func (s *Session) handleStream(_ context.Context, subject string, data []byte) error {
	ws, _, ok := messagequeue.ParseSessionSubject(subject)
	if !ok {
		return fmt.Errorf("unexpected subject %s", subject)
	}
	var p messagequeue.SessionStreamPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal stream event: %w", err)
	}
	s.setStreaming(ws, p.Streaming)
	return nil
}

// SendMessage publishes a new user turn and marks the workspace streaming.
func (s *Session) SendMessage(ctx context.Context, workspaceID, text string, params task.Params) error {
	payload := messagequeue.SessionSendPayload{
		WorkspaceID:   workspaceID,
		Text:          text,
		Model:         params.Model,
		ThinkingLevel: params.ThinkingLevel,
		Experiments:   params.Experiments,
	}
	if err := s.publish(ctx, workspaceID, messagequeue.VerbSend, payload); err != nil {
		return err
	}
	s.setStreaming(workspaceID, true)
	return nil
}

// ResumeStream asks the runtime to continue from the committed history.
func (s *Session) ResumeStream(ctx context.Context, workspaceID string, params task.Params) error {
	payload := messagequeue.SessionResumePayload{
		WorkspaceID:   workspaceID,
		Model:         params.Model,
		ThinkingLevel: params.ThinkingLevel,
		Experiments:   params.Experiments,
	}
	if err := s.publish(ctx, workspaceID, messagequeue.VerbResume, payload); err != nil {
		return err
	}
	s.setStreaming(workspaceID, true)
	return nil
}

// StopStream publishes a stop command. The workspace is considered idle
// as soon as the command is out.
func (s *Session) StopStream(ctx context.Context, workspaceID string, discardPartial bool) error {
	payload := messagequeue.SessionStopPayload{WorkspaceID: workspaceID, DiscardPartial: discardPartial}
	if err := s.publish(ctx, workspaceID, messagequeue.VerbStop, payload); err != nil {
		return err
	}
	s.setStreaming(workspaceID, false)
	return nil
}

// IsStreaming reports the last known streaming state.
func (s *Session) IsStreaming(_ context.Context, workspaceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streaming[workspaceID]
}

func (s *Session) setStreaming(workspaceID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.streaming[workspaceID] = true
		return
	}
	delete(s.streaming, workspaceID)
}

func (s *Session) publish(ctx context.Context, workspaceID, verb string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", verb, err)
	}
	subject := messagequeue.SessionSubject(workspaceID, verb)
	send := func(ctx context.Context) error { return s.queue.Publish(ctx, subject, data) }
	if s.breaker != nil {
		err = s.breaker.Execute(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		slog.Error("session command failed", "subject", subject, "error", err)
		return fmt.Errorf("session %s: %w", verb, err)
	}
	return nil
}
