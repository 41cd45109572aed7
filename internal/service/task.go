package service

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	cfotel "github.com/Strob0t/agenttask/internal/adapter/otel"
	"github.com/Strob0t/agenttask/internal/config"
	"github.com/Strob0t/agenttask/internal/domain"
	"github.com/Strob0t/agenttask/internal/domain/task"
	"github.com/Strob0t/agenttask/internal/port/broadcast"
	"github.com/Strob0t/agenttask/internal/port/cache"
	"github.com/Strob0t/agenttask/internal/port/chatlog"
	"github.com/Strob0t/agenttask/internal/port/graphstore"
	"github.com/Strob0t/agenttask/internal/port/messagequeue"
	"github.com/Strob0t/agenttask/internal/port/session"
	"github.com/Strob0t/agenttask/internal/port/workspace"
)

// Deps are the collaborators of a TaskService. Broadcast, Queue, Results
// and Metrics are optional.
type Deps struct {
	Graph      graphstore.Store
	Sessions   session.Session
	Workspaces workspace.Provisioner
	ChatLog    chatlog.Log
	Broadcast  broadcast.Broadcaster
	Queue      messagequeue.Queue
	Results    cache.Cache
	Metrics    *cfotel.Metrics
}

// TaskService schedules delegated agent tasks: admission, the dequeue loop,
// completion handling, report waiters, termination and restart recovery.
//
// Lock order is per-workspace event lock, then orderMu. orderMu serializes
// every decision that can raise the active count (create, dequeue,
// recovery, foreground release) and termination. Completion handler edits
// (reminder, revert to running, finalize, cleanup) run under the
// per-workspace lock only, outside orderMu; they can only hold or lower the
// active count, so they never race an admission decision.
type TaskService struct {
	graph      graphstore.Store
	sessions   session.Session
	workspaces workspace.Provisioner
	chatlog    chatlog.Log
	hub        broadcast.Broadcaster
	queue      messagequeue.Queue
	metrics    *cfotel.Metrics

	limitsMu    sync.RWMutex
	maxParallel int
	maxDepth    int
	waitTimeout time.Duration
	agents      []config.AgentProfile

	orderMu    sync.Mutex
	events     *keyLock
	foreground *foregroundTracker
	waiters    *waiterRegistry
	results    *resultCache

	now func() time.Time
}

// NewTaskService creates a TaskService.
func NewTaskService(cfg config.Tasks, deps Deps) *TaskService {
	return &TaskService{
		graph:       deps.Graph,
		sessions:    deps.Sessions,
		workspaces:  deps.Workspaces,
		chatlog:     deps.ChatLog,
		hub:         deps.Broadcast,
		queue:       deps.Queue,
		metrics:     deps.Metrics,
		maxParallel: cfg.MaxParallelAgentTasks,
		maxDepth:    cfg.MaxTaskNestingDepth,
		waitTimeout: cfg.DefaultWaitTimeout,
		agents:      cfg.Agents,
		events:      newKeyLock(),
		foreground:  newForegroundTracker(),
		waiters:     newWaiterRegistry(),
		results:     newResultCache(cfg.ResultTTL, cfg.ResultCacheMaxEntries, deps.Results),
		now:         time.Now,
	}
}

// SetLimits changes the parallelism and nesting limits. Raising the
// parallelism limit does not start queued tasks by itself; callers follow
// up with MaybeStartQueuedTasks.
func (s *TaskService) SetLimits(maxParallel, maxDepth int) {
	s.limitsMu.Lock()
	defer s.limitsMu.Unlock()
	s.maxParallel = maxParallel
	s.maxDepth = maxDepth
}

// ApplyConfig takes over a reloaded tasks section and runs a dequeue pass
// when capacity grew.
func (s *TaskService) ApplyConfig(ctx context.Context, cfg config.Tasks) {
	s.limitsMu.Lock()
	grew := cfg.MaxParallelAgentTasks > s.maxParallel
	s.maxParallel = cfg.MaxParallelAgentTasks
	s.maxDepth = cfg.MaxTaskNestingDepth
	s.waitTimeout = cfg.DefaultWaitTimeout
	s.agents = cfg.Agents
	s.limitsMu.Unlock()

	s.results.setLimits(cfg.ResultTTL, cfg.ResultCacheMaxEntries)
	if grew {
		s.kick(ctx)
	}
}

func (s *TaskService) limits() (maxParallel, maxDepth int) {
	s.limitsMu.RLock()
	defer s.limitsMu.RUnlock()
	return s.maxParallel, s.maxDepth
}

func (s *TaskService) defaultWaitTimeout() time.Duration {
	s.limitsMu.RLock()
	defer s.limitsMu.RUnlock()
	return s.waitTimeout
}

// runnableAgent returns the profile for agentID. With no profiles
// configured every agent is runnable.
func (s *TaskService) runnableAgent(agentID string) (config.AgentProfile, error) {
	s.limitsMu.RLock()
	defer s.limitsMu.RUnlock()
	if len(s.agents) == 0 {
		return config.AgentProfile{ID: agentID}, nil
	}
	for _, a := range s.agents {
		if a.ID == agentID {
			return a, nil
		}
	}
	return config.AgentProfile{}, fmt.Errorf("%w: %s", task.ErrAgentNotRunnable, agentID)
}

// RegisterRoot records a root conversation that may own tasks.
func (s *TaskService) RegisterRoot(ctx context.Context, id, path string) error {
	if id == "" {
		return fmt.Errorf("%w: root id is required", domain.ErrValidation)
	}
	return s.graph.Edit(ctx, func(g *task.Graph) error {
		if g.Task(id) != nil {
			return fmt.Errorf("%w: %s is a task", domain.ErrConflict, id)
		}
		if r := g.Root(id); r != nil {
			r.Path = path
			return nil
		}
		g.Roots = append(g.Roots, task.Root{ID: id, Path: path, CreatedAt: s.now().UTC()})
		return nil
	})
}

// Get returns a copy of the task.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	g, err := s.graph.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load task graph: %w", err)
	}
	t := g.Task(id)
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	out := *t
	return &out, nil
}

// List returns all tasks, or only the direct children of parentID.
func (s *TaskService) List(ctx context.Context, parentID string) ([]task.Task, error) {
	g, err := s.graph.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load task graph: %w", err)
	}
	out := make([]task.Task, 0, len(g.Tasks))
	for i := range g.Tasks {
		if parentID == "" || g.Tasks[i].ParentID == parentID {
			out = append(out, g.Tasks[i])
		}
	}
	return out, nil
}

// ActiveCount returns the number of tasks counted against the parallelism
// limit right now.
func (s *TaskService) ActiveCount(ctx context.Context) (int, error) {
	g, err := s.graph.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load task graph: %w", err)
	}
	return s.activeCount(ctx, task.NewIndex(g)), nil
}

// activeCount counts running and awaiting_report tasks, minus those
// blocked in a foreground wait. A task that is not nominally active but
// whose session is streaming still counts.
func (s *TaskService) activeCount(ctx context.Context, ix *task.Index) int {
	n := 0
	for _, t := range ix.Tasks() {
		switch {
		case t.Status.IsActive():
			if !s.foreground.blocked(t.ID) {
				n++
			}
		case t.Status == task.StatusQueued:
			if s.sessions.IsStreaming(ctx, t.ID) {
				n++
			}
		}
	}
	return n
}

// inheritParams resolves a new task's parameters: explicit request values
// win, then the agent profile, then the parent task.
func inheritParams(req task.CreateRequest, profile config.AgentProfile, parent *task.Task) task.Params {
	var p task.Params
	if parent != nil {
		p = parent.Params
		p.Experiments = maps.Clone(parent.Params.Experiments)
	}
	if profile.Model != "" {
		p.Model = profile.Model
	}
	if profile.ThinkingLevel != "" {
		p.ThinkingLevel = profile.ThinkingLevel
	}
	if req.Params.Model != "" {
		p.Model = req.Params.Model
	}
	if req.Params.ThinkingLevel != "" {
		p.ThinkingLevel = req.Params.ThinkingLevel
	}
	if len(req.Params.Experiments) > 0 {
		if p.Experiments == nil {
			p.Experiments = make(map[string]bool, len(req.Params.Experiments))
		}
		maps.Copy(p.Experiments, req.Params.Experiments)
	}
	return p
}

// checkParent verifies that parentID may own a new task in g.
func checkParent(g *task.Graph, parentID string) error {
	if p := g.Task(parentID); p != nil {
		if p.Status == task.StatusReported {
			return fmt.Errorf("%w: %s", task.ErrParentReported, parentID)
		}
		return nil
	}
	if g.Root(parentID) == nil {
		return fmt.Errorf("%w: %s", task.ErrParentNotFound, parentID)
	}
	return nil
}
