package cacheaside

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unkn0wn-root/cacheaside/counter"
	"github.com/unkn0wn-root/cacheaside/internal/wire"
	pr "github.com/unkn0wn-root/cacheaside/provider"
)

const (
	defaultTTL         = 15 * time.Minute
	defaultOpTimeout   = 250 * time.Millisecond
	defaultScanTimeout = 2 * time.Second

	// codec tag for values written through KV.Set
	rawTag = "raw"
)

type SetCostFunc func(key string, raw []byte) int64

// Options configure a KV. Only Provider is required.
type Options struct {
	Provider pr.Provider

	Counters       counter.Store // nil => counter.NewLocal (in-process)
	Logger         Logger        // nil => NopLogger
	Hooks          Hooks         // nil => NopHooks
	DefaultTTL     time.Duration // 0 => 15m
	OpTimeout      time.Duration // per provider call; 0 => 250ms
	ScanTimeout    time.Duration // per prefix listing; 0 => 2s
	ComputeSetCost SetCostFunc   // default 1
	Disabled       bool          // every read misses, writes are dropped; counters still work
}

// KV is a best-effort byte cache. Every provider failure is logged, reported
// to Hooks and turned into a miss or a no-op. Only counter operations return
// errors, since the lockout must not silently lose attempts.
//
// One KV is built at process start and shared by every component.
type KV struct {
	provider    pr.Provider
	counters    counter.Store
	log         Logger
	hooks       Hooks
	enabled     bool
	defaultTTL  time.Duration
	opTimeout   time.Duration
	scanTimeout time.Duration
	setCost     SetCostFunc
}

func New(opts Options) (*KV, error) {
	if opts.Provider == nil {
		return nil, &ConfigError{Component: "kv", Field: "Provider", Reason: "required"}
	}
	if opts.DefaultTTL < 0 || opts.OpTimeout < 0 || opts.ScanTimeout < 0 {
		return nil, &ConfigError{Component: "kv", Reason: "durations must not be negative"}
	}

	c := &KV{
		provider: opts.Provider,
		enabled:  !opts.Disabled,
	}
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.defaultTTL = coalesce(opts.DefaultTTL, defaultTTL)
	c.opTimeout = coalesce(opts.OpTimeout, defaultOpTimeout)
	c.scanTimeout = coalesce(opts.ScanTimeout, defaultScanTimeout)

	if opts.Counters != nil {
		c.counters = opts.Counters
	} else {
		c.counters = counter.NewLocal(time.Minute)
	}
	if opts.ComputeSetCost != nil {
		c.setCost = opts.ComputeSetCost
	} else {
		c.setCost = func(string, []byte) int64 { return 1 }
	}
	return c, nil
}

func (c *KV) Enabled() bool { return c.enabled }

func (c *KV) DefaultTTL() time.Duration { return c.defaultTTL }

func (c *KV) Logger() Logger { return c.log }

func (c *KV) Hooks() Hooks { return c.hooks }

// Close closes the counter store and the provider.
func (c *KV) Close(ctx context.Context) error {
	cerr := c.counters.Close(ctx)
	perr := c.provider.Close(ctx)
	return errors.Join(cerr, perr)
}

// Get returns the stored value. A stored nil is (nil, true); an absent key,
// an unreachable provider and a corrupt entry are all (nil, false).
// The returned slice is a copy.
func (c *KV) Get(ctx context.Context, key string) ([]byte, bool) {
	e, ok := c.getEntry(ctx, key)
	if !ok {
		return nil, false
	}
	if e.Nil {
		return nil, true
	}
	return bytes.Clone(e.Payload), true
}

// Set stores value under key. A nil value is stored as nil, not deleted.
// ttl <= 0 uses the default TTL.
func (c *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.setEntry(ctx, key, rawTag, value, ttl)
}

// Delete removes keys. Missing keys are ignored.
func (c *KV) Delete(ctx context.Context, keys ...string) {
	if !c.enabled || len(keys) == 0 {
		return
	}
	if err := c.del(ctx, keys); err != nil {
		c.cacheErr("del", keys[0], err)
	}
}

// DeleteByPrefix removes every key starting with prefix and returns how
// many were removed. Listing is O(total keys), so prefixes should cover one
// namespace at most. An empty prefix is refused.
func (c *KV) DeleteByPrefix(ctx context.Context, prefix string) int {
	if prefix == "" {
		c.log.Warn("refusing prefix delete with empty prefix", nil)
		return 0
	}
	if !c.enabled {
		return 0
	}
	sc, ok := c.provider.(pr.Scanner)
	if !ok {
		c.log.Warn("provider cannot list keys; prefix delete skipped", Fields{"prefix": prefix})
		return 0
	}

	sctx, cancel := context.WithTimeout(ctx, c.scanTimeout)
	ks, err := sc.Keys(sctx, prefix)
	cancel()
	if err != nil {
		if errors.Is(err, pr.ErrScanUnsupported) {
			c.log.Warn("provider cannot list keys; prefix delete skipped", Fields{"prefix": prefix})
			return 0
		}
		c.cacheErr("scan", prefix, err)
		return 0
	}
	if len(ks) > 0 {
		if err := c.del(ctx, ks); err != nil {
			c.cacheErr("del", prefix, err)
			return 0
		}
	}
	c.log.Debug("prefix purged", Fields{"prefix": prefix, "removed": len(ks)})
	c.hooks.PrefixPurged(prefix, len(ks))
	return len(ks)
}

// Incr atomically increments the counter at key and returns the new value.
// ttl <= 0 uses the default TTL.
func (c *KV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.counters.Incr(octx, key, ttl)
	if err != nil {
		c.cacheErr("incr", key, err)
		return 0, fmt.Errorf("cacheaside: incr %q: %w", key, err)
	}
	return n, nil
}

// Count returns the counter at key; missing => 0.
func (c *KV) Count(ctx context.Context, key string) (int64, error) {
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.counters.Get(octx, key)
	if err != nil {
		c.cacheErr("count", key, err)
		return 0, fmt.Errorf("cacheaside: count %q: %w", key, err)
	}
	return n, nil
}

// ResetCount removes the counter at key.
func (c *KV) ResetCount(ctx context.Context, key string) error {
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.counters.Reset(octx, key); err != nil {
		c.cacheErr("reset", key, err)
		return fmt.Errorf("cacheaside: reset %q: %w", key, err)
	}
	return nil
}

// Scope returns a view of c where every key is prefixed with namespace.
func (c *KV) Scope(namespace string) *Scope {
	return &Scope{kv: c, ns: namespace}
}

func (c *KV) getEntry(ctx context.Context, key string) (wire.Entry, bool) {
	if !c.enabled {
		return wire.Entry{}, false
	}
	octx, cancel := c.opCtx(ctx)
	raw, ok, err := c.provider.Get(octx, key)
	cancel()
	if err != nil {
		c.cacheErr("get", key, err)
		return wire.Entry{}, false
	}
	if !ok {
		return wire.Entry{}, false
	}
	e, err := wire.Decode(raw)
	if err != nil {
		c.heal(ctx, key, "corrupt")
		return wire.Entry{}, false
	}
	return e, true
}

func (c *KV) setEntry(ctx context.Context, key, tag string, payload []byte, ttl time.Duration) {
	if !c.enabled {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	b := wire.Encode(tag, payload)
	octx, cancel := c.opCtx(ctx)
	ok, err := c.provider.Set(octx, key, b, c.setCost(key, b), ttl)
	cancel()
	if err != nil {
		c.cacheErr("set", key, err)
		return
	}
	if !ok {
		c.log.Debug("set rejected by provider (pressure)", Fields{"key": key})
		c.hooks.SetRejected(key)
	}
}

// heal drops an entry that could not be decoded.
func (c *KV) heal(ctx context.Context, key, reason string) {
	octx, cancel := c.opCtx(ctx)
	err := c.provider.Del(octx, key)
	cancel()
	if err != nil {
		c.cacheErr("del", key, err)
	}
	c.log.Debug("self-heal", Fields{"key": key, "reason": reason})
	c.hooks.SelfHeal(key, reason)
}

func (c *KV) del(ctx context.Context, keys []string) error {
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	if bd, ok := c.provider.(pr.BatchDeleter); ok && len(keys) > 1 {
		return bd.DelMany(octx, keys)
	}
	var errs []error
	for _, k := range keys {
		if err := c.provider.Del(octx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// opCtx bounds a cache call independently of the caller's deadline, while
// still honoring the caller's cancellation.
func (c *KV) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *KV) cacheErr(op, key string, err error) {
	c.log.Warn("cache "+op+" failed", Fields{"key": key, "err": err})
	c.hooks.CacheError(op, key, err)
}
