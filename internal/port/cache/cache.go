// Package cache defines the port for byte-valued caches that back the
// completed-report cache across restarts.
package cache

import (
	"context"
	"time"
)

// Cache is a key-value cache with per-entry TTL. A miss is reported as
// found=false with a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
