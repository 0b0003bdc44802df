package codec

// Bytes is an identity codec for []byte values. Useful for values that are
// already serialized and only need the entry envelope.
type Bytes struct{}

func (Bytes) Name() string                    { return "bytes" }
func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }

// String converts Go strings to and from UTF-8 bytes without validation.
type String struct{}

func (String) Name() string                    { return "string" }
func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }
