package service

import "sync"

// foregroundTracker counts, per workspace, the foreground waits currently
// blocking it. A blocked workspace does not count against the parallelism
// limit. Counts are reentrant: one workspace may wait on several tasks.
type foregroundTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func newForegroundTracker() *foregroundTracker {
	return &foregroundTracker{counts: make(map[string]int)}
}

// enter increments the count for workspaceID. The returned function
// decrements it exactly once, however often it is called.
func (f *foregroundTracker) enter(workspaceID string) (leave func()) {
	f.mu.Lock()
	f.counts[workspaceID]++
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.counts[workspaceID]--
			if f.counts[workspaceID] <= 0 {
				delete(f.counts, workspaceID)
			}
		})
	}
}

func (f *foregroundTracker) blocked(workspaceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[workspaceID] > 0
}
