// Package codec marshals and unmarshals dynamic messages against a schema
// descriptor, producing payload bytes that are wire-compatible with the
// standard protobuf binary format.
//
// A Message is a mapping from field number to decoded value. Field numbers
// the decoder does not recognize are preserved verbatim and re-emitted on
// marshal. That preservation is what makes extension ranges and
// forward/backward schema compatibility work.
package codec

import (
	"bytes"
	"fmt"

	"proto-rpc/schema"
)

// Message is a dynamic message bound to a MessageDescriptor.
//
// Singular fields hold one value; repeated fields hold []any. Absent fields
// resolve to their declared default (or the kind's zero value) lazily at
// access time, so a decoded message never materializes defaults it was not
// sent.
type Message struct {
	desc    *schema.MessageDescriptor
	values  map[uint32]any
	unknown []byte // raw tag+payload runs in arrival order
}

// New returns an empty message of the given type.
func New(desc *schema.MessageDescriptor) *Message {
	return &Message{desc: desc, values: make(map[uint32]any)}
}

// Descriptor returns the message type this message is bound to.
func (m *Message) Descriptor() *schema.MessageDescriptor { return m.desc }

// Set stores the value of a singular field, replacing any previous value.
func (m *Message) Set(num uint32, v any) error {
	f := m.desc.FieldByNumber(num)
	if f == nil {
		return fmt.Errorf("codec: %s has no field %d", m.desc.Name(), num)
	}
	if f.Cardinality == schema.Repeated {
		return fmt.Errorf("codec: %s field %d is repeated, use Add", m.desc.Name(), num)
	}
	cv, err := coerce(f, v)
	if err != nil {
		return err
	}
	m.values[num] = cv
	return nil
}

// Add appends a value to a repeated field.
func (m *Message) Add(num uint32, v any) error {
	f := m.desc.FieldByNumber(num)
	if f == nil {
		return fmt.Errorf("codec: %s has no field %d", m.desc.Name(), num)
	}
	if f.Cardinality != schema.Repeated {
		return fmt.Errorf("codec: %s field %d is not repeated", m.desc.Name(), num)
	}
	cv, err := coerce(f, v)
	if err != nil {
		return err
	}
	cur, _ := m.values[num].([]any)
	m.values[num] = append(cur, cv)
	return nil
}

// Has reports whether the field is present on the message. This is how
// present-but-zero is distinguished from absent.
func (m *Message) Has(num uint32) bool {
	_, ok := m.values[num]
	return ok
}

// Clear removes the field from the message.
func (m *Message) Clear(num uint32) { delete(m.values, num) }

// Get returns the field value, resolving absence to the declared default or
// the kind's zero value. Repeated fields return []any (nil when absent).
func (m *Message) Get(num uint32) any {
	if v, ok := m.values[num]; ok {
		return v
	}
	f := m.desc.FieldByNumber(num)
	if f == nil || f.Cardinality == schema.Repeated {
		return nil
	}
	if f.Default != nil {
		if cv, err := coerce(f, f.Default); err == nil {
			return cv
		}
	}
	return zeroValue(f.Kind)
}

// Typed accessors. Each returns the kind's zero value on a type mismatch
// rather than panicking, since Get already resolved defaults.

func (m *Message) Int32(num uint32) int32     { v, _ := m.Get(num).(int32); return v }
func (m *Message) Int64(num uint32) int64     { v, _ := m.Get(num).(int64); return v }
func (m *Message) Uint32(num uint32) uint32   { v, _ := m.Get(num).(uint32); return v }
func (m *Message) Uint64(num uint32) uint64   { v, _ := m.Get(num).(uint64); return v }
func (m *Message) Bool(num uint32) bool       { v, _ := m.Get(num).(bool); return v }
func (m *Message) Float64(num uint32) float64 { v, _ := m.Get(num).(float64); return v }
func (m *Message) String(num uint32) string   { v, _ := m.Get(num).(string); return v }
func (m *Message) Bytes(num uint32) []byte    { v, _ := m.Get(num).([]byte); return v }

// Inner returns an embedded message field, or nil when absent.
func (m *Message) Inner(num uint32) *Message {
	v, _ := m.Get(num).(*Message)
	return v
}

// Values returns the elements of a repeated field in order.
func (m *Message) Values(num uint32) []any {
	v, _ := m.values[num].([]any)
	return v
}

// Unknown returns the raw bytes of fields preserved from a prior decode that
// this message's schema does not declare.
func (m *Message) Unknown() []byte { return m.unknown }

// coerce validates v against the field kind and normalizes the stored
// representation (one Go type per kind).
func coerce(f *schema.Field, v any) (any, error) {
	switch f.Kind {
	case schema.KindInt32, schema.KindSint32, schema.KindSfixed32, schema.KindEnum:
		switch t := v.(type) {
		case int32:
			return t, nil
		case int:
			return int32(t), nil
		}
	case schema.KindInt64, schema.KindSint64, schema.KindSfixed64:
		switch t := v.(type) {
		case int64:
			return t, nil
		case int:
			return int64(t), nil
		}
	case schema.KindUint32, schema.KindFixed32:
		switch t := v.(type) {
		case uint32:
			return t, nil
		case int:
			if t >= 0 {
				return uint32(t), nil
			}
		}
	case schema.KindUint64, schema.KindFixed64:
		switch t := v.(type) {
		case uint64:
			return t, nil
		case int:
			if t >= 0 {
				return uint64(t), nil
			}
		}
	case schema.KindBool:
		if t, ok := v.(bool); ok {
			return t, nil
		}
	case schema.KindFloat32:
		if t, ok := v.(float32); ok {
			return t, nil
		}
	case schema.KindFloat64:
		if t, ok := v.(float64); ok {
			return t, nil
		}
	case schema.KindString:
		if t, ok := v.(string); ok {
			return t, nil
		}
	case schema.KindBytes:
		if t, ok := v.([]byte); ok {
			return t, nil
		}
	case schema.KindMessage:
		if t, ok := v.(*Message); ok {
			if t.desc != f.Message {
				return nil, fmt.Errorf("codec: field %d wants %s, got %s",
					f.Number, f.Message.Name(), t.desc.Name())
			}
			return t, nil
		}
	}
	return nil, fmt.Errorf("codec: field %d (%s): unsupported value type %T", f.Number, f.Kind, v)
}

func zeroValue(k schema.Kind) any {
	switch k {
	case schema.KindInt32, schema.KindSint32, schema.KindSfixed32, schema.KindEnum:
		return int32(0)
	case schema.KindInt64, schema.KindSint64, schema.KindSfixed64:
		return int64(0)
	case schema.KindUint32, schema.KindFixed32:
		return uint32(0)
	case schema.KindUint64, schema.KindFixed64:
		return uint64(0)
	case schema.KindBool:
		return false
	case schema.KindFloat32:
		return float32(0)
	case schema.KindFloat64:
		return float64(0)
	case schema.KindString:
		return ""
	case schema.KindBytes:
		return []byte(nil)
	case schema.KindMessage:
		return (*Message)(nil)
	default:
		return nil
	}
}

// Equal reports whether two messages of the same type carry the same field
// values and the same preserved unknown bytes.
func Equal(a, b *Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.desc != b.desc {
		return false
	}
	if len(a.values) != len(b.values) {
		return false
	}
	for num, av := range a.values {
		bv, ok := b.values[num]
		if !ok || !valueEqual(av, bv) {
			return false
		}
	}
	return bytes.Equal(a.unknown, b.unknown)
}

func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case *Message:
		bv, ok := b.(*Message)
		return ok && Equal(av, bv)
	default:
		return a == b
	}
}
