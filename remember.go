package cacheaside

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/cacheaside/codec"
)

// Remember returns the value cached under key in scope, or calls load and
// caches its result. Failed loads are returned and never cached. Two
// concurrent misses may both call load; both write the same kind of value.
func Remember[V any](ctx context.Context, s *Scope, codec c.Codec[V], key string, ttl time.Duration, load func(context.Context) (V, error)) (V, error) {
	tag := codec.Name()
	if payload, ok := s.getTagged(ctx, key, tag); ok {
		v, err := codec.Decode(payload)
		if err == nil {
			return v, nil
		}
		s.healKey(ctx, key, "value_decode")
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	payload, err := codec.Encode(v)
	if err != nil {
		s.kv.log.Error("remember encode failed", Fields{"key": s.Key(key), "err": err})
		return v, nil
	}
	s.setTagged(ctx, key, tag, payload, ttl)
	return v, nil
}
