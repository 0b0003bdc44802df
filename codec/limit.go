package codec

import "fmt"

// Limit wraps another codec and refuses to decode payloads larger than
// MaxDecode bytes. A shared cache is an untrusted source; an oversized entry
// becomes a decode error, which the cache turns into a miss + delete.
// MaxDecode <= 0 disables the check.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxDecode int
}

func (c Limit[V]) Name() string               { return c.Inner.Name() }
func (c Limit[V]) Encode(v V) ([]byte, error) { return c.Inner.Encode(v) }
func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("codec %s: payload too large: %d > %d", c.Inner.Name(), len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
