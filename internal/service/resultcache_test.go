package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/agenttask/internal/domain/task"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func TestResultCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := newResultCache(time.Minute, 10, nil)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.put(ctx, "a", task.Report{Markdown: "x"}, []string{"root"})
	now = now.Add(59 * time.Second)
	if _, ok := c.get(ctx, "a"); !ok {
		t.Fatal("entry should be live inside the TTL")
	}
	now = now.Add(time.Second)
	if _, ok := c.get(ctx, "a"); ok {
		t.Fatal("entry should expire at the TTL")
	}
	if c.size() != 0 {
		t.Fatal("expired entry not swept")
	}
}

func TestResultCache_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	backing := newMapCache()
	c := newResultCache(time.Hour, 2, backing)

	c.put(ctx, "a", task.Report{Markdown: "a"}, nil)
	c.put(ctx, "b", task.Report{Markdown: "b"}, nil)
	c.put(ctx, "c", task.Report{Markdown: "c"}, nil)

	if c.size() != 2 {
		t.Fatalf("size = %d, want 2", c.size())
	}
	if _, ok := c.get(ctx, "a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := backing.data[resultKeyPrefix+"a"]; ok {
		t.Fatal("evicted entry must leave the backing cache too")
	}
	for _, id := range []string{"b", "c"} {
		if _, ok := c.get(ctx, id); !ok {
			t.Fatalf("%s missing", id)
		}
	}
}

func TestResultCache_FirstPutWins(t *testing.T) {
	ctx := context.Background()
	c := newResultCache(time.Hour, 10, nil)
	c.put(ctx, "a", task.Report{Markdown: "first"}, nil)
	c.put(ctx, "a", task.Report{Markdown: "second"}, nil)

	e, ok := c.get(ctx, "a")
	if !ok || e.Report.Markdown != "first" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestResultCache_BackingSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	backing := newMapCache()
	before := newResultCache(time.Hour, 10, backing)
	before.put(ctx, "a", task.Report{Markdown: "persisted"}, []string{"p", "root"})

	after := newResultCache(time.Hour, 10, backing)
	e, ok := after.get(ctx, "a")
	if !ok {
		t.Fatal("entry should be loaded from the backing cache")
	}
	if e.Report.Markdown != "persisted" || len(e.Ancestors) != 2 {
		t.Fatalf("entry = %+v", e)
	}
	if after.size() != 1 {
		t.Fatal("backing hit should be kept locally")
	}

	after.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, ok := newResultCacheWithClock(backing, after.now).get(ctx, "a"); ok {
		t.Fatal("expired backing entry must be ignored")
	}
}

func newResultCacheWithClock(backing *mapCache, now func() time.Time) *resultCache {
	c := newResultCache(time.Hour, 10, backing)
	c.now = now
	return c
}

func TestResultCache_RehydrationRespectsBound(t *testing.T) {
	ctx := context.Background()
	backing := newMapCache()
	before := newResultCache(time.Hour, 10, backing)
	for _, id := range []string{"a", "b", "c"} {
		before.put(ctx, id, task.Report{Markdown: id}, nil)
	}

	after := newResultCache(time.Hour, 2, backing)
	for _, id := range []string{"a", "b", "c"} {
		if _, ok := after.get(ctx, id); !ok {
			t.Fatalf("%s not loaded from backing", id)
		}
	}
	if after.size() != 2 {
		t.Fatalf("size after rehydration = %d, want 2", after.size())
	}
	if _, ok, _ := backing.Get(ctx, resultKeyPrefix+"a"); ok {
		t.Fatal("entry evicted during rehydration must leave the backing cache")
	}
}
