package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/agenttask/internal/domain/conversation"
	"github.com/Strob0t/agenttask/internal/port/chatlog"
)

const (
	messagesFile = "messages.jsonl"
	inFlightFile = "inflight.json"
)

// InFlightTurn is the uncommitted part of a workspace's current turn.
type InFlightTurn struct {
	Pending []conversation.PendingToolCall `json:"pending,omitempty"`
	Results []conversation.Message         `json:"results,omitempty"`
}

// ChatLog stores one directory per workspace: an append-only JSONL file of
// committed messages and a JSON file holding the in-flight turn.
type ChatLog struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

var _ chatlog.Log = (*ChatLog)(nil)

// NewChatLog stores logs below dir.
func NewChatLog(dir string) (*ChatLog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create chat log dir: %w", err)
	}
	return &ChatLog{dir: dir, now: time.Now}, nil
}

func (l *ChatLog) wsDir(workspaceID string) string {
	return filepath.Join(l.dir, filepath.Base(workspaceID))
}

// Append commits msg, assigning an id and timestamp when missing.
func (l *ChatLog) Append(_ context.Context, workspaceID string, msg conversation.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = l.now().UTC()
	}
	msg.WorkspaceID = workspaceID

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	dir := l.wsDir(workspaceID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create workspace log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, messagesFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open chat log: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append chat log: %w", err)
	}
	return f.Sync()
}

// Messages returns the committed messages in append order.
func (l *ChatLog) Messages(_ context.Context, workspaceID string) ([]conversation.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(filepath.Join(l.wsDir(workspaceID), messagesFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open chat log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []conversation.Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var m conversation.Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			return nil, fmt.Errorf("decode chat log line %d: %w", len(out)+1, err)
		}
		out = append(out, m)
	}
	return out, sc.Err()
}

// OpenPendingToolCall records a placeholder in the in-flight turn.
func (l *ChatLog) OpenPendingToolCall(_ context.Context, workspaceID string, call conversation.PendingToolCall) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	turn, err := l.readInFlight(workspaceID)
	if err != nil {
		return err
	}
	turn.Pending = slices.DeleteFunc(turn.Pending, func(p conversation.PendingToolCall) bool {
		return p.TaskID == call.TaskID
	})
	turn.Pending = append(turn.Pending, call)
	return l.writeInFlight(workspaceID, turn)
}

// FinalizePendingToolCall moves the placeholder for taskID into the turn's
// results with output as its content.
func (l *ChatLog) FinalizePendingToolCall(_ context.Context, workspaceID, taskID string, output conversation.TaskReportOutput) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	turn, err := l.readInFlight(workspaceID)
	if err != nil {
		return false, err
	}
	i := slices.IndexFunc(turn.Pending, func(p conversation.PendingToolCall) bool { return p.TaskID == taskID })
	if i < 0 {
		return false, nil
	}
	call := turn.Pending[i]
	content, err := json.Marshal(output)
	if err != nil {
		return false, fmt.Errorf("encode task report output: %w", err)
	}
	turn.Pending = slices.Delete(turn.Pending, i, i+1)
	turn.Results = append(turn.Results, conversation.Message{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Role:        conversation.RoleTool,
		Content:     string(content),
		ToolCallID:  call.ToolCallID,
		ToolName:    call.ToolName,
		CreatedAt:   l.now().UTC(),
	})
	return true, l.writeInFlight(workspaceID, turn)
}

// DropPendingToolCall removes the placeholder for taskID, if any.
func (l *ChatLog) DropPendingToolCall(_ context.Context, workspaceID, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	turn, err := l.readInFlight(workspaceID)
	if err != nil {
		return err
	}
	n := len(turn.Pending)
	turn.Pending = slices.DeleteFunc(turn.Pending, func(p conversation.PendingToolCall) bool { return p.TaskID == taskID })
	if len(turn.Pending) == n {
		return nil
	}
	return l.writeInFlight(workspaceID, turn)
}

// InFlight returns the uncommitted turn of a workspace.
func (l *ChatLog) InFlight(_ context.Context, workspaceID string) (InFlightTurn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readInFlight(workspaceID)
}

// Clear removes everything stored for the workspace.
func (l *ChatLog) Clear(_ context.Context, workspaceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.RemoveAll(l.wsDir(workspaceID)); err != nil {
		return fmt.Errorf("clear chat log: %w", err)
	}
	return nil
}

func (l *ChatLog) readInFlight(workspaceID string) (InFlightTurn, error) {
	var turn InFlightTurn
	data, err := os.ReadFile(filepath.Join(l.wsDir(workspaceID), inFlightFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return turn, nil
		}
		return turn, fmt.Errorf("read in-flight turn: %w", err)
	}
	if err := json.Unmarshal(data, &turn); err != nil {
		return turn, fmt.Errorf("decode in-flight turn: %w", err)
	}
	return turn, nil
}

func (l *ChatLog) writeInFlight(workspaceID string, turn InFlightTurn) error {
	dir := l.wsDir(workspaceID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create workspace log dir: %w", err)
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode in-flight turn: %w", err)
	}
	return writeAtomic(filepath.Join(dir, inFlightFile), data, 0o600)
}
