package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Strob0t/agenttask/internal/domain/task"
	"github.com/Strob0t/agenttask/internal/port/cache"
)

const resultKeyPrefix = "report."

// cachedResult is a resolved report kept for late callers.
type cachedResult struct {
	Report    task.Report `json:"report"`
	Ancestors []string    `json:"ancestors"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// resultCache keeps reports of finished tasks for a TTL window, evicting
// the oldest entry once maxEntries is exceeded. Entries are mirrored to an
// optional byte cache so they survive a restart.
type resultCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]cachedResult
	order      []string
	backing    cache.Cache
	now        func() time.Time
}

func newResultCache(ttl time.Duration, maxEntries int, backing cache.Cache) *resultCache {
	return &resultCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]cachedResult),
		backing:    backing,
		now:        time.Now,
	}
}

func (c *resultCache) setLimits(ttl time.Duration, maxEntries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
	c.maxEntries = maxEntries
}

// put records report for taskID. A second put for the same task keeps the
// first entry.
func (c *resultCache) put(ctx context.Context, taskID string, report task.Report, ancestors []string) {
	c.mu.Lock()
	now := c.now()
	c.sweepLocked(now)
	entry := cachedResult{Report: report, Ancestors: slices.Clone(ancestors), ExpiresAt: now.Add(c.ttl)}
	added, evicted := c.insertLocked(taskID, entry)
	ttl := c.ttl
	c.mu.Unlock()

	if !added || c.backing == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Error("encode cached report", "task_id", taskID, "error", err)
		return
	}
	if err := c.backing.Set(ctx, resultKeyPrefix+taskID, data, ttl); err != nil {
		slog.Warn("report cache backing set failed", "task_id", taskID, "error", err)
	}
	c.forget(ctx, evicted)
}

// insertLocked adds entry unless taskID is already present and evicts the
// oldest entries beyond maxEntries.
func (c *resultCache) insertLocked(taskID string, entry cachedResult) (added bool, evicted []string) {
	if _, ok := c.entries[taskID]; ok {
		return false, nil
	}
	c.entries[taskID] = entry
	c.order = append(c.order, taskID)
	for c.maxEntries > 0 && len(c.order) > c.maxEntries {
		evicted = append(evicted, c.order[0])
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	return true, evicted
}

// forget removes evicted entries from the backing cache.
func (c *resultCache) forget(ctx context.Context, ids []string) {
	if c.backing == nil {
		return
	}
	for _, id := range ids {
		if err := c.backing.Delete(ctx, resultKeyPrefix+id); err != nil {
			slog.Warn("report cache backing delete failed", "task_id", id, "error", err)
		}
	}
}

// get returns the unexpired entry for taskID, consulting the backing cache
// on a local miss. A backing hit is indexed locally under the same bound
// as put.
func (c *resultCache) get(ctx context.Context, taskID string) (cachedResult, bool) {
	c.mu.Lock()
	now := c.now()
	c.sweepLocked(now)
	entry, ok := c.entries[taskID]
	c.mu.Unlock()
	if ok {
		return entry, true
	}

	if c.backing == nil {
		return cachedResult{}, false
	}
	data, found, err := c.backing.Get(ctx, resultKeyPrefix+taskID)
	if err != nil {
		slog.Warn("report cache backing get failed", "task_id", taskID, "error", err)
		return cachedResult{}, false
	}
	if !found {
		return cachedResult{}, false
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.Warn("decode cached report", "task_id", taskID, "error", err)
		return cachedResult{}, false
	}
	if !now.Before(entry.ExpiresAt) {
		return cachedResult{}, false
	}

	c.mu.Lock()
	_, evicted := c.insertLocked(taskID, entry)
	c.mu.Unlock()
	c.forget(ctx, evicted)
	return entry, true
}

// sweep drops expired entries.
func (c *resultCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
}

func (c *resultCache) sweepLocked(now time.Time) {
	c.order = slices.DeleteFunc(c.order, func(id string) bool {
		if now.Before(c.entries[id].ExpiresAt) {
			return false
		}
		delete(c.entries, id)
		return true
	})
}

func (c *resultCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
