package codec

import "encoding/json"

// JSON is the zero-config codec. Use it for values shared with non-Go readers.
type JSON[V any] struct{}

var _ Codec[struct{}] = JSON[struct{}]{}

func (JSON[V]) Name() string { return "json" }

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }

func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
