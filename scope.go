package cacheaside

import (
	"context"
	"time"

	"github.com/unkn0wn-root/cacheaside/internal/keys"
)

// Scope is a namespaced view of a KV: key k is stored as "<namespace>:k".
// Scopes are cheap values; build one per component.
type Scope struct {
	kv *KV
	ns string
}

func (s *Scope) Namespace() string { return s.ns }

func (s *Scope) KV() *KV { return s.kv }

// Key returns the storage key for k.
func (s *Scope) Key(k string) string { return keys.Join(s.ns, k) }

func (s *Scope) Get(ctx context.Context, k string) ([]byte, bool) {
	return s.kv.Get(ctx, s.Key(k))
}

func (s *Scope) Set(ctx context.Context, k string, value []byte, ttl time.Duration) {
	s.kv.Set(ctx, s.Key(k), value, ttl)
}

func (s *Scope) Delete(ctx context.Context, ks ...string) {
	if len(ks) == 0 {
		return
	}
	full := make([]string, len(ks))
	for i, k := range ks {
		full[i] = s.Key(k)
	}
	s.kv.Delete(ctx, full...)
}

// DeleteByPrefix removes keys in this namespace whose local part starts
// with prefix. An empty prefix purges the whole namespace.
func (s *Scope) DeleteByPrefix(ctx context.Context, prefix string) int {
	if s.ns == "" && prefix == "" {
		s.kv.log.Warn("refusing purge of unnamed scope", nil)
		return 0
	}
	if s.ns == "" {
		return s.kv.DeleteByPrefix(ctx, prefix)
	}
	return s.kv.DeleteByPrefix(ctx, keys.Prefix(s.ns)+prefix)
}

// Purge removes every key in the namespace.
func (s *Scope) Purge(ctx context.Context) int { return s.DeleteByPrefix(ctx, "") }

func (s *Scope) Incr(ctx context.Context, k string, ttl time.Duration) (int64, error) {
	return s.kv.Incr(ctx, s.Key(k), ttl)
}

func (s *Scope) Count(ctx context.Context, k string) (int64, error) {
	return s.kv.Count(ctx, s.Key(k))
}

func (s *Scope) ResetCount(ctx context.Context, k string) error {
	return s.kv.ResetCount(ctx, s.Key(k))
}

// getTagged returns the payload stored under k when it was written with the
// codec named tag. Nil entries and entries from another codec are dropped.
func (s *Scope) getTagged(ctx context.Context, k, tag string) ([]byte, bool) {
	sk := s.Key(k)
	e, ok := s.kv.getEntry(ctx, sk)
	if !ok {
		return nil, false
	}
	if e.Nil || e.Codec != tag {
		s.kv.heal(ctx, sk, "codec_mismatch")
		return nil, false
	}
	return e.Payload, true
}

func (s *Scope) setTagged(ctx context.Context, k, tag string, payload []byte, ttl time.Duration) {
	if payload == nil {
		payload = []byte{}
	}
	s.kv.setEntry(ctx, s.Key(k), tag, payload, ttl)
}

func (s *Scope) healKey(ctx context.Context, k, reason string) {
	s.kv.heal(ctx, s.Key(k), reason)
}
