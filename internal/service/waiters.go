package service

import (
	"log/slog"
	"sync"

	"github.com/Strob0t/agenttask/internal/domain/task"
)

type waitResult struct {
	report task.Report
	err    error
}

// reportWaiter is one caller blocked on a task's report. done receives at
// most one result; started is closed once the task is running, which is
// when the caller's timeout begins.
type reportWaiter struct {
	done      chan waitResult
	started   chan struct{}
	startOnce sync.Once
	doneOnce  sync.Once
}

func (w *reportWaiter) markStarted() {
	w.startOnce.Do(func() { close(w.started) })
}

func (w *reportWaiter) settle(res waitResult) {
	w.doneOnce.Do(func() { w.done <- res })
}

// waiterRegistry keys report waiters by task id. Waiters on a queued task
// are also kept in a start set until the scheduler starts the task.
type waiterRegistry struct {
	mu      sync.Mutex
	waiters map[string]map[*reportWaiter]struct{}
	starts  map[string]map[*reportWaiter]struct{}
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{
		waiters: make(map[string]map[*reportWaiter]struct{}),
		starts:  make(map[string]map[*reportWaiter]struct{}),
	}
}

// register creates a waiter for taskID.
func (r *waiterRegistry) register(taskID string) *reportWaiter {
	w := &reportWaiter{
		done:    make(chan waitResult, 1),
		started: make(chan struct{}),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	addWaiter(r.waiters, taskID, w)
	return w
}

// awaitStart parks w until the task is started.
func (r *waiterRegistry) awaitStart(taskID string, w *reportWaiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addWaiter(r.starts, taskID, w)
}

// started releases every waiter parked on taskID's start.
func (r *waiterRegistry) started(taskID string) {
	r.mu.Lock()
	set := r.starts[taskID]
	delete(r.starts, taskID)
	r.mu.Unlock()

	for w := range set {
		w.markStarted()
	}
}

// unregister drops one waiter from both sets.
func (r *waiterRegistry) unregister(taskID string, w *reportWaiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removeWaiter(r.waiters, taskID, w)
	removeWaiter(r.starts, taskID, w)
}

// resolve hands report to every waiter of taskID and forgets them.
func (r *waiterRegistry) resolve(taskID string, report task.Report) int {
	return r.settleAll(taskID, waitResult{report: report})
}

// reject fails every waiter of taskID with err.
func (r *waiterRegistry) reject(taskID string, err error) int {
	return r.settleAll(taskID, waitResult{err: err})
}

func (r *waiterRegistry) settleAll(taskID string, res waitResult) int {
	r.mu.Lock()
	set := r.waiters[taskID]
	delete(r.waiters, taskID)
	delete(r.starts, taskID)
	r.mu.Unlock()

	for w := range set {
		w.settle(res)
	}
	if len(set) > 0 {
		slog.Debug("report waiters settled", "task_id", taskID, "count", len(set), "error", res.err)
	}
	return len(set)
}

// count returns the number of waiters registered for taskID.
func (r *waiterRegistry) count(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[taskID])
}

func addWaiter(m map[string]map[*reportWaiter]struct{}, taskID string, w *reportWaiter) {
	set, ok := m[taskID]
	if !ok {
		set = make(map[*reportWaiter]struct{})
		m[taskID] = set
	}
	set[w] = struct{}{}
}

func removeWaiter(m map[string]map[*reportWaiter]struct{}, taskID string, w *reportWaiter) {
	set, ok := m[taskID]
	if !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(m, taskID)
	}
}
