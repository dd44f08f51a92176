package codec

import (
	"errors"
	"fmt"
	"math"

	"proto-rpc/schema"
	"proto-rpc/wire"
)

// Default decode limits. Both are configurable through UnmarshalOptions;
// the size cap is the defense against length-prefix amplification.
const (
	DefaultMaxSize  = 4 << 20
	DefaultMaxDepth = 32
)

// ErrTooLarge is returned when input exceeds the configured size limit.
var ErrTooLarge = errors.New("codec: message exceeds size limit")

// Marshal encodes m into protobuf-compatible wire bytes: every present
// field in increasing field-number order, then any preserved unknown fields
// verbatim. Repeated packable fields use packed encoding unless the field
// declares otherwise.
func Marshal(m *Message) ([]byte, error) {
	return appendMessage(nil, m)
}

func appendMessage(b []byte, m *Message) ([]byte, error) {
	var err error
	for _, f := range m.desc.Fields() {
		v, ok := m.values[f.Number]
		if !ok {
			continue
		}
		if f.Cardinality == schema.Repeated {
			elems := v.([]any)
			if len(elems) == 0 {
				continue
			}
			if f.Kind.Packable() && !f.Unpacked {
				// One tag, all values concatenated under one length.
				var packed []byte
				for _, e := range elems {
					packed = appendScalar(packed, f.Kind, e)
				}
				b = wire.AppendTag(b, f.Number, wire.TypeBytes)
				b = wire.AppendBytes(b, packed)
				continue
			}
			for _, e := range elems {
				if b, err = appendField(b, f, e); err != nil {
					return nil, err
				}
			}
			continue
		}
		if b, err = appendField(b, f, v); err != nil {
			return nil, err
		}
	}
	// Unknown fields re-emitted unchanged, preserving byte sequence and order.
	return append(b, m.unknown...), nil
}

func appendField(b []byte, f *schema.Field, v any) ([]byte, error) {
	b = wire.AppendTag(b, f.Number, f.Kind.WireType())
	switch f.Kind {
	case schema.KindString:
		return wire.AppendString(b, v.(string)), nil
	case schema.KindBytes:
		return wire.AppendBytes(b, v.([]byte)), nil
	case schema.KindMessage:
		sub, err := appendMessage(nil, v.(*Message))
		if err != nil {
			return nil, err
		}
		return wire.AppendBytes(b, sub), nil
	default:
		return appendScalar(b, f.Kind, v), nil
	}
}

func appendScalar(b []byte, k schema.Kind, v any) []byte {
	switch k {
	case schema.KindInt32, schema.KindEnum:
		// Sign-extended to 64 bits, matching protobuf int32 semantics:
		// negative values cost 10 varint bytes.
		return wire.AppendVarint(b, uint64(int64(v.(int32))))
	case schema.KindInt64:
		return wire.AppendVarint(b, uint64(v.(int64)))
	case schema.KindUint32:
		return wire.AppendVarint(b, uint64(v.(uint32)))
	case schema.KindUint64:
		return wire.AppendVarint(b, v.(uint64))
	case schema.KindSint32:
		return wire.AppendVarint(b, wire.EncodeZigZag(int64(v.(int32))))
	case schema.KindSint64:
		return wire.AppendVarint(b, wire.EncodeZigZag(v.(int64)))
	case schema.KindBool:
		if v.(bool) {
			return wire.AppendVarint(b, 1)
		}
		return wire.AppendVarint(b, 0)
	case schema.KindFixed32:
		return wire.AppendFixed32(b, v.(uint32))
	case schema.KindSfixed32:
		return wire.AppendFixed32(b, uint32(v.(int32)))
	case schema.KindFloat32:
		return wire.AppendFixed32(b, math.Float32bits(v.(float32)))
	case schema.KindFixed64:
		return wire.AppendFixed64(b, v.(uint64))
	case schema.KindSfixed64:
		return wire.AppendFixed64(b, uint64(v.(int64)))
	case schema.KindFloat64:
		return wire.AppendFixed64(b, math.Float64bits(v.(float64)))
	default:
		return b
	}
}

// UnmarshalOptions carries decode limits. The zero value uses the package
// defaults.
type UnmarshalOptions struct {
	MaxSize  int // maximum input size in bytes
	MaxDepth int // maximum embedded-message nesting
}

// Unmarshal decodes data using default limits.
func Unmarshal(data []byte, desc *schema.MessageDescriptor) (*Message, error) {
	return UnmarshalOptions{}.Unmarshal(data, desc)
}

// Unmarshal decodes wire bytes against the descriptor.
//
// Recognized fields decode per their declared kind with last-singular-value-
// wins merge semantics; repeated packable fields accept both packed and
// element-per-tag form. Unrecognized field numbers are preserved verbatim,
// never an error. Truncated varints, wire-type mismatches for known fields,
// and unterminated length-delimited payloads fail the whole decode; a
// partially-decoded message is never returned.
func (o UnmarshalOptions) Unmarshal(data []byte, desc *schema.MessageDescriptor) (*Message, error) {
	maxSize := o.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	maxDepth := o.MaxDepth
	if maxDepth == 0 {
		maxDepth = DefaultMaxDepth
	}
	if len(data) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(data), maxSize)
	}
	return unmarshal(data, desc, maxDepth)
}

func unmarshal(b []byte, desc *schema.MessageDescriptor, depth int) (*Message, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("%w: message nesting too deep", wire.ErrMalformed)
	}
	m := New(desc)
	for len(b) > 0 {
		num, typ, tn, err := wire.ConsumeTag(b)
		if err != nil {
			return nil, err
		}
		tagRaw := b[:tn]
		b = b[tn:]

		f := desc.FieldByNumber(num)
		if f == nil {
			// Unknown field: keep raw tag+payload so a later re-encode
			// round-trips bytes this schema does not understand.
			raw, rn, err := wire.ConsumeValue(b, typ)
			if err != nil {
				return nil, err
			}
			m.unknown = append(m.unknown, tagRaw...)
			m.unknown = append(m.unknown, raw...)
			b = b[rn:]
			continue
		}

		// Packed run for a repeated scalar: length-delimited even though the
		// element wire type is not.
		if f.Cardinality == schema.Repeated && f.Kind.Packable() &&
			typ == wire.TypeBytes && f.Kind.WireType() != wire.TypeBytes {
			packed, pn, err := wire.ConsumeBytes(b)
			if err != nil {
				return nil, err
			}
			b = b[pn:]
			for len(packed) > 0 {
				v, vn, err := consumeScalar(packed, f.Kind)
				if err != nil {
					return nil, err
				}
				cur, _ := m.values[num].([]any)
				m.values[num] = append(cur, v)
				packed = packed[vn:]
			}
			continue
		}

		if typ != f.Kind.WireType() {
			return nil, fmt.Errorf("%w: field %d (%s) declared %s, got wire type %d",
				wire.ErrMalformed, num, f.Name, f.Kind, typ)
		}

		var v any
		var n int
		switch f.Kind {
		case schema.KindString:
			raw, rn, err := wire.ConsumeBytes(b)
			if err != nil {
				return nil, err
			}
			v, n = string(raw), rn
		case schema.KindBytes:
			raw, rn, err := wire.ConsumeBytes(b)
			if err != nil {
				return nil, err
			}
			v, n = append([]byte(nil), raw...), rn
		case schema.KindMessage:
			raw, rn, err := wire.ConsumeBytes(b)
			if err != nil {
				return nil, err
			}
			inner, err := unmarshal(raw, f.Message, depth-1)
			if err != nil {
				return nil, err
			}
			v, n = inner, rn
		default:
			if v, n, err = consumeScalar(b, f.Kind); err != nil {
				return nil, err
			}
		}
		b = b[n:]

		if f.Cardinality == schema.Repeated {
			cur, _ := m.values[num].([]any)
			m.values[num] = append(cur, v)
		} else {
			m.values[num] = v // later occurrence wins
		}
	}
	return m, nil
}

func consumeScalar(b []byte, k schema.Kind) (any, int, error) {
	switch k {
	case schema.KindFixed32, schema.KindSfixed32, schema.KindFloat32:
		u, n, err := wire.ConsumeFixed32(b)
		if err != nil {
			return nil, 0, err
		}
		switch k {
		case schema.KindSfixed32:
			return int32(u), n, nil
		case schema.KindFloat32:
			return math.Float32frombits(u), n, nil
		default:
			return u, n, nil
		}
	case schema.KindFixed64, schema.KindSfixed64, schema.KindFloat64:
		u, n, err := wire.ConsumeFixed64(b)
		if err != nil {
			return nil, 0, err
		}
		switch k {
		case schema.KindSfixed64:
			return int64(u), n, nil
		case schema.KindFloat64:
			return math.Float64frombits(u), n, nil
		default:
			return u, n, nil
		}
	default:
		u, n, err := wire.ConsumeVarint(b)
		if err != nil {
			return nil, 0, err
		}
		switch k {
		case schema.KindInt32, schema.KindEnum:
			return int32(u), n, nil
		case schema.KindInt64:
			return int64(u), n, nil
		case schema.KindUint32:
			return uint32(u), n, nil
		case schema.KindUint64:
			return u, n, nil
		case schema.KindSint32:
			return int32(wire.DecodeZigZag(u)), n, nil
		case schema.KindSint64:
			return wire.DecodeZigZag(u), n, nil
		case schema.KindBool:
			return u != 0, n, nil
		default:
			return nil, 0, fmt.Errorf("%w: kind %s is not a varint kind", wire.ErrMalformed, k)
		}
	}
}
