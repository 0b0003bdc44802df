// Package provider defines the storage abstraction used by cacheaside.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the same []byte that was previously passed to Set for a key (no metadata,
// no re-encoding). cacheaside frames every value in its own envelope and
// treats anything else under its keys as corruption.
//
// Prefix deletion is an optional capability. A provider that can enumerate
// its keys implements Scanner; one that can remove many keys in a single
// round trip also implements BatchDeleter.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrScanUnsupported is returned by wrappers whose inner provider cannot
// list keys.
var ErrScanUnsupported = errors.New("provider: key scan not supported")

// Provider is a minimal byte store with TTLs. Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key. Missing keys are not an error.
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Scanner lists keys starting with prefix. The listing is O(total keys) for
// every implementation in this module; callers keep prefixes narrow.
type Scanner interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// BatchDeleter removes many keys at once. Missing keys are ignored.
type BatchDeleter interface {
	DelMany(ctx context.Context, keys []string) error
}
