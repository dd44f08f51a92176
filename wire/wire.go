// Package wire implements the low-level protobuf binary wire format:
// varints, zigzag transforms, field tags, fixed-width values, and
// length-delimited byte runs.
//
// It knows nothing about message semantics, only how individual values
// are laid out on the wire. Higher layers (codec, protocol) compose these
// primitives into messages and frames.
//
// All encoders are append-style (`Append*`) and all decoders are
// consume-style (`Consume*`), returning the number of bytes read so the
// caller can advance its own offset. Decoders never allocate more than
// proportional-to-input memory.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type is the 3-bit wire type carried in the low bits of every field tag.
// It tells the decoder how to parse the payload that follows, even for
// field numbers it has never seen.
type Type uint8

const (
	TypeVarint  Type = 0 // int32, int64, uint32, uint64, sint32, sint64, bool, enum
	TypeFixed64 Type = 1 // fixed64, sfixed64, double
	TypeBytes   Type = 2 // string, bytes, embedded messages, packed repeated
	TypeFixed32 Type = 5 // fixed32, sfixed32, float
)

// Field number limits. Numbers 1-15 encode into a single tag byte, which is
// why schemas reserve them for frequently-set fields.
const (
	MinFieldNumber = 1
	MaxFieldNumber = (1 << 29) - 1 // 536870911
)

// MaxVarintLen is the maximum encoded size of a 64-bit varint.
const MaxVarintLen = 10

// ErrMalformed is the root cause of every decode failure in this package.
// Callers classify wire-level corruption with errors.Is(err, ErrMalformed).
var ErrMalformed = errors.New("wire: malformed data")

// AppendVarint appends v in base-128 varint encoding: 7 payload bits per
// byte, high bit set on every byte except the last.
func AppendVarint(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// ConsumeVarint decodes a varint from the front of b and returns the value
// and the number of bytes consumed. A truncated varint (continuation bit set
// on the last available byte), one longer than 10 bytes, or one whose tenth
// byte overflows 64 bits is malformed.
func ConsumeVarint(b []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < len(b); i++ {
		c := b[i]
		// The tenth byte holds bit 63 alone; anything above 1 either
		// overflows uint64 or continues past 10 bytes. Rejected rather
		// than silently truncated.
		if i == MaxVarintLen-1 && c > 1 {
			return 0, 0, fmt.Errorf("%w: varint overflows 64 bits", ErrMalformed)
		}
		v |= uint64(c&0x7f) << (7 * i)
		if c < 0x80 {
			return v, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: truncated varint", ErrMalformed)
}

// SizeVarint reports the encoded size of v in bytes.
func SizeVarint(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendTag appends the tag varint (fieldNumber << 3 | wireType) for a field.
func AppendTag(b []byte, num uint32, typ Type) []byte {
	return AppendVarint(b, uint64(num)<<3|uint64(typ))
}

// ConsumeTag decodes a field tag from the front of b.
// A tag with field number zero or above MaxFieldNumber is malformed.
func ConsumeTag(b []byte) (uint32, Type, int, error) {
	v, n, err := ConsumeVarint(b)
	if err != nil {
		return 0, 0, 0, err
	}
	num := v >> 3
	if num < MinFieldNumber || num > MaxFieldNumber {
		return 0, 0, 0, fmt.Errorf("%w: field number %d out of range", ErrMalformed, num)
	}
	return uint32(num), Type(v & 0x7), n, nil
}

// EncodeZigZag maps a signed integer onto an unsigned one so that values of
// small magnitude, positive or negative, encode into few varint bytes:
// 0→0, -1→1, 1→2, -2→3, ...
func EncodeZigZag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

// DecodeZigZag reverses EncodeZigZag.
func DecodeZigZag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// AppendFixed32 appends v as 4 little-endian bytes.
func AppendFixed32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

// ConsumeFixed32 decodes 4 little-endian bytes from the front of b.
func ConsumeFixed32(b []byte) (uint32, int, error) {
	if len(b) < 4 {
		return 0, 0, fmt.Errorf("%w: truncated fixed32", ErrMalformed)
	}
	return binary.LittleEndian.Uint32(b), 4, nil
}

// AppendFixed64 appends v as 8 little-endian bytes.
func AppendFixed64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

// ConsumeFixed64 decodes 8 little-endian bytes from the front of b.
func ConsumeFixed64(b []byte) (uint64, int, error) {
	if len(b) < 8 {
		return 0, 0, fmt.Errorf("%w: truncated fixed64", ErrMalformed)
	}
	return binary.LittleEndian.Uint64(b), 8, nil
}

// AppendBytes appends a length-delimited value: varint length followed by
// exactly that many bytes.
func AppendBytes(b, v []byte) []byte {
	b = AppendVarint(b, uint64(len(v)))
	return append(b, v...)
}

// AppendString appends s as a length-delimited value.
func AppendString(b []byte, s string) []byte {
	b = AppendVarint(b, uint64(len(s)))
	return append(b, s...)
}

// ConsumeBytes decodes a length-delimited value from the front of b and
// returns a sub-slice of b (no copy). A declared length that exceeds the
// remaining buffer is malformed; this is the guard against length-prefix
// amplification.
func ConsumeBytes(b []byte) ([]byte, int, error) {
	l, n, err := ConsumeVarint(b)
	if err != nil {
		return nil, 0, err
	}
	if l > uint64(len(b)-n) {
		return nil, 0, fmt.Errorf("%w: declared length %d exceeds remaining %d bytes", ErrMalformed, l, len(b)-n)
	}
	return b[n : n+int(l)], n + int(l), nil
}

// ConsumeValue skips over one value of the given wire type and returns the
// raw bytes spanned plus the count consumed. Used to preserve unknown fields
// verbatim. Wire type 3/4 (the long-removed group encoding) is rejected.
func ConsumeValue(b []byte, typ Type) ([]byte, int, error) {
	switch typ {
	case TypeVarint:
		_, n, err := ConsumeVarint(b)
		if err != nil {
			return nil, 0, err
		}
		return b[:n], n, nil
	case TypeFixed64:
		if len(b) < 8 {
			return nil, 0, fmt.Errorf("%w: truncated fixed64", ErrMalformed)
		}
		return b[:8], 8, nil
	case TypeBytes:
		_, n, err := ConsumeBytes(b)
		if err != nil {
			return nil, 0, err
		}
		return b[:n], n, nil
	case TypeFixed32:
		if len(b) < 4 {
			return nil, 0, fmt.Errorf("%w: truncated fixed32", ErrMalformed)
		}
		return b[:4], 4, nil
	default:
		return nil, 0, fmt.Errorf("%w: unsupported wire type %d", ErrMalformed, typ)
	}
}
