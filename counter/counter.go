// Package counter provides atomic increment-and-get counters with expiry.
// Use Local for a single process, or Redis when several replicas must see
// the same count.
package counter

import (
	"context"
	"time"
)

type Store interface {
	// Incr atomically adds one and returns the new value. A positive ttl
	// (re)arms the expiry on every call; ttl <= 0 leaves it untouched.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get returns the current value; missing or expired => 0.
	Get(ctx context.Context, key string) (int64, error)
	// Reset removes the counter. Missing keys are not an error.
	Reset(ctx context.Context, key string) error
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
