package cacheaside

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/cacheaside/codec"
	"github.com/unkn0wn-root/cacheaside/internal/keys"
)

// Key names one addressable field of T. Value extracts the field from an
// entity; an empty result means "no key for this entity".
type Key[T any] struct {
	Field string
	Value func(T) string
}

// Descriptor configures how an entity type is cached.
//
// Sub key values must identify the same entity as the primary key at the
// time of caching. That is the caller's contract; EntityCache does not
// cross-check.
type Descriptor[T any] struct {
	Namespace string
	Primary   Key[T]
	SubKeys   []Key[T]
	TTL       time.Duration // 0 => KV default
}

func (d Descriptor[T]) validate() error {
	const comp = "entity descriptor"
	if d.Namespace == "" {
		return &ConfigError{Component: comp, Field: "Namespace", Reason: "required"}
	}
	if d.TTL < 0 {
		return &ConfigError{Component: comp, Field: "TTL", Reason: "must not be negative"}
	}
	seen := make(map[string]struct{}, 1+len(d.SubKeys))
	for i, k := range append([]Key[T]{d.Primary}, d.SubKeys...) {
		name := k.Field
		if name == "" {
			if i == 0 {
				return &ConfigError{Component: comp, Field: "Primary", Reason: "field name required"}
			}
			return &ConfigError{Component: comp, Field: "SubKeys", Reason: "field name required"}
		}
		if k.Value == nil {
			return &ConfigError{Component: comp, Field: name, Reason: "value func required"}
		}
		if _, dup := seen[name]; dup {
			return &ConfigError{Component: comp, Field: name, Reason: "duplicate key field"}
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Fields returns the primary field followed by the sub key fields.
func (d Descriptor[T]) Fields() []string {
	out := make([]string, 0, 1+len(d.SubKeys))
	out = append(out, d.Primary.Field)
	for _, k := range d.SubKeys {
		out = append(out, k.Field)
	}
	return out
}

// EntityCache stores one snapshot of T under every key the descriptor
// derives from it. Snapshots are encoded, so callers always get a copy.
type EntityCache[T any] struct {
	scope *Scope
	desc  Descriptor[T]
	codec c.Codec[T]
}

func NewEntityCache[T any](kv *KV, desc Descriptor[T], codec c.Codec[T]) (*EntityCache[T], error) {
	if kv == nil {
		return nil, &ConfigError{Component: "entity cache", Field: "KV", Reason: "required"}
	}
	if codec == nil {
		return nil, &ConfigError{Component: "entity cache", Field: "Codec", Reason: "required"}
	}
	if err := desc.validate(); err != nil {
		return nil, err
	}
	return &EntityCache[T]{scope: kv.Scope(desc.Namespace), desc: desc, codec: codec}, nil
}

func (e *EntityCache[T]) Descriptor() Descriptor[T] { return e.desc }

func (e *EntityCache[T]) Scope() *Scope { return e.scope }

// Keys returns the local keys for v: the primary value, then
// "<field>:<value>" for every sub key. Empty values are skipped.
func (e *EntityCache[T]) Keys(v T) []string {
	out := make([]string, 0, 1+len(e.desc.SubKeys))
	if p := e.desc.Primary.Value(v); p != "" {
		out = append(out, p)
	}
	for _, k := range e.desc.SubKeys {
		if s := k.Value(v); s != "" {
			out = append(out, keys.Sub(k.Field, s))
		}
	}
	return out
}

// Put writes v under all of its keys with the descriptor TTL. The writes
// are independent; a partial write only costs extra misses later.
func (e *EntityCache[T]) Put(ctx context.Context, v T) {
	ks := e.Keys(v)
	if len(ks) == 0 {
		return
	}
	payload, err := e.codec.Encode(v)
	if err != nil {
		e.scope.kv.log.Error("entity encode failed", Fields{"ns": e.desc.Namespace, "err": err})
		return
	}
	tag := e.codec.Name()
	for _, k := range ks {
		e.scope.setTagged(ctx, k, tag, payload, e.desc.TTL)
	}
}

// Get returns the snapshot cached under key, a primary value or
// "<field>:<value>".
func (e *EntityCache[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	payload, ok := e.scope.getTagged(ctx, key, e.codec.Name())
	if !ok {
		return zero, false
	}
	v, err := e.codec.Decode(payload)
	if err != nil {
		e.scope.healKey(ctx, key, "value_decode")
		return zero, false
	}
	return v, true
}

// Remove deletes every key derived from v. Pass the snapshot from before a
// mutation so keys built from old field values are found.
func (e *EntityCache[T]) Remove(ctx context.Context, v T) {
	e.scope.Delete(ctx, e.Keys(v)...)
}

// Purge drops the whole namespace.
func (e *EntityCache[T]) Purge(ctx context.Context) int {
	return e.scope.Purge(ctx)
}
