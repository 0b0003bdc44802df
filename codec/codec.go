package codec

// Codec encodes/decodes values V to []byte for storage.
// Name identifies the encoding; it is stored next to every cached payload so
// entries written by a different codec are treated as misses, not decoded.
type Codec[V any] interface {
	Name() string
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
