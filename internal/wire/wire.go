package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version   byte = 1
	kindValue byte = 1
	kindNil   byte = 2

	maxTagLen = 0xFF
)

var (
	ErrCorrupt = errors.New("cacheaside: corrupt entry")
	magic4     = [...]byte{'C', 'A', 'K', 'V'}
)

// Entry is a decoded cache entry. Nil reports a stored nil value, which is
// distinct from an absent key.
type Entry struct {
	Codec   string
	Nil     bool
	Payload []byte
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames a payload:
//
//	magic(4) | ver(1) | kind(1) | tagLen(1) | tag(tagLen) | vlen(u32 be) | payload(vlen)
//
// A nil payload is encoded as kind=nil with vlen=0.
func Encode(codecTag string, payload []byte) []byte {
	if len(codecTag) > maxTagLen {
		codecTag = codecTag[:maxTagLen]
	}
	kind := kindValue
	if payload == nil {
		kind = kindNil
	}

	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 1 + len(codecTag) + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kind)
	buf.WriteByte(byte(len(codecTag)))
	buf.WriteString(codecTag)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])
	buf.Write(payload)
	return buf.Bytes()
}

func Decode(b []byte) (Entry, error) {
	const hdr = 4 + 1 + 1 + 1
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return Entry{}, ErrCorrupt
	}
	kind := b[5]
	if kind != kindValue && kind != kindNil {
		return Entry{}, ErrCorrupt
	}

	off := 6
	tlen := int(b[off])
	off++
	if tlen > len(b)-off {
		return Entry{}, ErrCorrupt
	}
	tag := string(b[off : off+tlen])
	off += tlen

	if off+4 > len(b) {
		return Entry{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // trailing bytes are corruption too
		return Entry{}, ErrCorrupt
	}

	if kind == kindNil {
		if vlen != 0 {
			return Entry{}, ErrCorrupt
		}
		return Entry{Codec: tag, Nil: true}, nil
	}
	return Entry{Codec: tag, Payload: b[off : off+vlen]}, nil
}
