// Package tiered layers a process-local cache in front of a shared one.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/agenttask/internal/port/cache"
)

var _ cache.Cache = (*Cache)(nil)

// Cache reads through near to far and writes through both. The near level
// is authoritative for this process. Far-level failures are logged and
// treated as misses, so a NATS outage never blocks report delivery.
type Cache struct {
	near, far cache.Cache
	promote   time.Duration
}

// New builds a two-level cache. promote is the TTL given to entries copied
// from far into near on a read hit.
func New(near, far cache.Cache, promote time.Duration) *Cache {
	return &Cache{near: near, far: far, promote: promote}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, err := c.near.Get(ctx, key); err != nil || ok {
		return v, ok, err
	}
	v, ok, err := c.far.Get(ctx, key)
	if c.degraded("get", key, err) || !ok {
		return nil, false, nil
	}
	_ = c.near.Set(ctx, key, v, c.promote)
	return v, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.near.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	c.degraded("set", key, c.far.Set(ctx, key, value, ttl))
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.near.Delete(ctx, key); err != nil {
		return err
	}
	c.degraded("delete", key, c.far.Delete(ctx, key))
	return nil
}

// degraded logs a far-level failure and reports whether one occurred.
func (c *Cache) degraded(op, key string, err error) bool {
	if err == nil {
		return false
	}
	slog.Warn("shared cache unavailable", "op", op, "key", key, "error", err)
	return true
}
