package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/agenttask/internal/config"
	"github.com/Strob0t/agenttask/internal/domain/conversation"
	"github.com/Strob0t/agenttask/internal/domain/task"
	"github.com/Strob0t/agenttask/internal/port/graphstore"
	"github.com/Strob0t/agenttask/internal/port/messagequeue"
	"github.com/Strob0t/agenttask/internal/port/session"
	"github.com/Strob0t/agenttask/internal/port/workspace"
)

// --- graph store ---

type memGraph struct {
	mu     sync.Mutex
	g      *task.Graph
	nextID int
	// afterLoad runs once, after the next Load has taken its snapshot.
	afterLoad func()
}

func newMemGraph() *memGraph { return &memGraph{g: &task.Graph{}} }

func (m *memGraph) Load(_ context.Context) (*task.Graph, error) {
	m.mu.Lock()
	snap := m.g.Clone()
	hook := m.afterLoad
	m.afterLoad = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return snap, nil
}

// onNextLoad makes the next Load run fn before returning its now stale
// snapshot.
func (m *memGraph) onNextLoad(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.afterLoad = fn
}

func (m *memGraph) Edit(_ context.Context, fn graphstore.EditFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.g.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.Version++
	m.g = next
	return nil
}

func (m *memGraph) NewID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return fmt.Sprintf("t%d", m.nextID)
}

// --- session ---

type sentMessage struct {
	ws   string
	text string
}

type fakeSession struct {
	mu        sync.Mutex
	sent      []sentMessage
	resumed   []string
	stopped   []string
	streaming map[string]bool
	sendErr   map[string]error
}

func newFakeSession() *fakeSession {
	return &fakeSession{streaming: make(map[string]bool), sendErr: make(map[string]error)}
}

func (f *fakeSession) SendMessage(_ context.Context, ws, text string, _ task.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[ws]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentMessage{ws, text})
	return nil
}

func (f *fakeSession) ResumeStream(_ context.Context, ws string, _ task.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, ws)
	return nil
}

func (f *fakeSession) StopStream(_ context.Context, ws string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, ws)
	delete(f.streaming, ws)
	return nil
}

func (f *fakeSession) IsStreaming(_ context.Context, ws string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streaming[ws]
}

func (f *fakeSession) setStreaming(ws string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaming[ws] = on
}

func (f *fakeSession) messagesTo(ws string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.ws == ws {
			out = append(out, m.text)
		}
	}
	return out
}

func (f *fakeSession) stops(ws string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.stopped {
		if s == ws {
			n++
		}
	}
	return n
}

func (f *fakeSession) resumes(ws string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.resumed {
		if r == ws {
			n++
		}
	}
	return n
}

// --- workspaces ---

type fakeWorkspaces struct {
	mu      sync.Mutex
	live    map[string]bool
	hooks   []string
	removed []string
	forkErr error
	hookErr error
}

func newFakeWorkspaces() *fakeWorkspaces { return &fakeWorkspaces{live: make(map[string]bool)} }

func (f *fakeWorkspaces) ForkOrCreate(_ context.Context, id string, _ workspace.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forkErr != nil {
		return "", f.forkErr
	}
	f.live[id] = true
	return f.Path(id), nil
}

func (f *fakeWorkspaces) RunInitHook(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hookErr != nil {
		return f.hookErr
	}
	f.hooks = append(f.hooks, id)
	return nil
}

func (f *fakeWorkspaces) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeWorkspaces) Path(id string) string { return "/ws/" + id }

func (f *fakeWorkspaces) exists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[id]
}

func (f *fakeWorkspaces) hookRan(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.hooks, id)
}

func (f *fakeWorkspaces) removals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.removed)
}

// --- chat log ---

type fakeChatLog struct {
	mu       sync.Mutex
	messages map[string][]conversation.Message
	pending  map[string][]conversation.PendingToolCall
	results  map[string][]conversation.Message
	cleared  []string
}

func newFakeChatLog() *fakeChatLog {
	return &fakeChatLog{
		messages: make(map[string][]conversation.Message),
		pending:  make(map[string][]conversation.PendingToolCall),
		results:  make(map[string][]conversation.Message),
	}
}

func (f *fakeChatLog) Append(_ context.Context, ws string, msg conversation.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[ws] = append(f.messages[ws], msg)
	return nil
}

func (f *fakeChatLog) Messages(_ context.Context, ws string) ([]conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.messages[ws]), nil
}

func (f *fakeChatLog) OpenPendingToolCall(_ context.Context, ws string, call conversation.PendingToolCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[ws] = append(f.pending[ws], call)
	return nil
}

func (f *fakeChatLog) FinalizePendingToolCall(_ context.Context, ws, taskID string, out conversation.TaskReportOutput) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := slices.IndexFunc(f.pending[ws], func(p conversation.PendingToolCall) bool { return p.TaskID == taskID })
	if i < 0 {
		return false, nil
	}
	call := f.pending[ws][i]
	f.pending[ws] = slices.Delete(f.pending[ws], i, i+1)
	data, _ := json.Marshal(out)
	f.results[ws] = append(f.results[ws], conversation.Message{
		Role: conversation.RoleTool, ToolCallID: call.ToolCallID, Content: string(data),
	})
	return true, nil
}

func (f *fakeChatLog) DropPendingToolCall(_ context.Context, ws, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[ws] = slices.DeleteFunc(f.pending[ws], func(p conversation.PendingToolCall) bool { return p.TaskID == taskID })
	return nil
}

func (f *fakeChatLog) Clear(_ context.Context, ws string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, ws)
	delete(f.pending, ws)
	f.cleared = append(f.cleared, ws)
	return nil
}

func (f *fakeChatLog) committed(ws string) []conversation.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.messages[ws])
}

func (f *fakeChatLog) pendingFor(ws string) []conversation.PendingToolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.pending[ws])
}

func (f *fakeChatLog) resultsFor(ws string) []conversation.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.results[ws])
}

// --- broadcaster ---

type hubEvent struct {
	typ   string
	scope []string
}

type fakeHub struct {
	mu     sync.Mutex
	events []hubEvent
}

func (h *fakeHub) BroadcastEvent(_ context.Context, eventType string, scope []string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, hubEvent{eventType, slices.Clone(scope)})
}

func (h *fakeHub) count(eventType, taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.typ == eventType && len(e.scope) > 0 && e.scope[0] == taskID {
			n++
		}
	}
	return n
}

// --- queue ---

type publishedMsg struct {
	subject string
	data    []byte
}

type fakeQueue struct {
	mu        sync.Mutex
	published []publishedMsg
	handlers  map[string]messagequeue.Handler
	subErr    error
}

func newFakeQueue() *fakeQueue { return &fakeQueue{handlers: make(map[string]messagequeue.Handler)} }

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, publishedMsg{subject, data})
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.subErr != nil {
		return nil, q.subErr
	}
	q.handlers[subject] = h
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.handlers, subject)
	}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) subjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.published))
	for i, m := range q.published {
		out[i] = m.subject
	}
	return out
}

// --- harness ---

type harness struct {
	svc   *TaskService
	graph *memGraph
	sess  *fakeSession
	ws    *fakeWorkspaces
	log   *fakeChatLog
	hub   *fakeHub
	queue *fakeQueue
}

func newHarness(t *testing.T, maxParallel, maxDepth int) *harness {
	t.Helper()
	cfg := config.Defaults().Tasks
	cfg.MaxParallelAgentTasks = maxParallel
	cfg.MaxTaskNestingDepth = maxDepth
	cfg.DefaultWaitTimeout = 5 * time.Second

	h := &harness{
		graph: newMemGraph(),
		sess:  newFakeSession(),
		ws:    newFakeWorkspaces(),
		log:   newFakeChatLog(),
		hub:   &fakeHub{},
		queue: newFakeQueue(),
	}
	h.svc = NewTaskService(cfg, Deps{
		Graph:      h.graph,
		Sessions:   h.sess,
		Workspaces: h.ws,
		ChatLog:    h.log,
		Broadcast:  h.hub,
		Queue:      h.queue,
	})
	if err := h.svc.RegisterRoot(context.Background(), "root", "/repo"); err != nil {
		t.Fatalf("register root: %v", err)
	}
	return h
}

func (h *harness) create(t *testing.T, parentID, prompt string) *task.CreateResult {
	t.Helper()
	res, err := h.svc.Create(context.Background(), task.CreateRequest{
		ParentID: parentID, AgentID: "coder", Prompt: prompt, Title: prompt,
	})
	if err != nil {
		t.Fatalf("create under %s: %v", parentID, err)
	}
	return res
}

func (h *harness) task(t *testing.T, id string) *task.Task {
	t.Helper()
	g, _ := h.graph.Load(context.Background())
	return g.Task(id)
}

func (h *harness) status(t *testing.T, id string) task.Status {
	t.Helper()
	tk := h.task(t, id)
	if tk == nil {
		return ""
	}
	return tk.Status
}

func (h *harness) report(t *testing.T, id, body string) {
	t.Helper()
	err := h.svc.HandleReportSubmitted(context.Background(), session.ReportEvent{
		WorkspaceID: id,
		Report:      task.Report{Markdown: body, Title: "done"},
	})
	if err != nil {
		t.Fatalf("report %s: %v", id, err)
	}
}

func (h *harness) turnEnd(t *testing.T, id, text string) {
	t.Helper()
	if err := h.svc.HandleTurnEnded(context.Background(), session.TurnEndedEvent{WorkspaceID: id, LastAssistantText: text}); err != nil {
		t.Fatalf("turn end %s: %v", id, err)
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")
