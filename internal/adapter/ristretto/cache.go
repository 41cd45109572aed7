// Package ristretto is the process-local level of the report cache.
package ristretto

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/agenttask/internal/port/cache"
)

var _ cache.Cache = (*Cache)(nil)

// Reports are markdown, typically a few KiB. Ristretto wants roughly ten
// counters per item it expects to hold.
const (
	typicalReportBytes = 1 << 10
	countersPerItem    = 10
	minCounters        = 1000
)

// ErrNoCapacity is returned by New for a non-positive byte budget.
var ErrNoCapacity = errors.New("ristretto: byte budget must be positive")

// Cache holds report bytes up to a fixed byte budget.
type Cache struct {
	store *ristretto.Cache[string, []byte]
}

// New creates a cache that admits at most budget bytes of values.
func New(budget int64) (*Cache, error) {
	if budget <= 0 {
		return nil, ErrNoCapacity
	}
	store, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        max(budget/typicalReportBytes*countersPerItem, minCounters),
		MaxCost:            budget,
		BufferItems:        64,
		IgnoreInternalCost: true,
		Cost:               func(v []byte) int64 { return int64(len(v)) },
	})
	if err != nil {
		return nil, err
	}
	return &Cache{store: store}, nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.store.Get(key)
	return v, ok, nil
}

// Set stores value until ttl passes. Non-positive TTLs are not stored. The
// call waits for ristretto's write buffer so an immediate Get sees the
// value, unless admission rejected it.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.store.SetWithTTL(key, value, 0, ttl)
	c.store.Wait()
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.store.Del(key)
	return nil
}

// Close stops ristretto's background goroutines.
func (c *Cache) Close() { c.store.Close() }
