// Package schema defines in-memory message type descriptors: field numbers,
// semantic kinds, cardinality, defaults, reserved ranges, and extension
// ranges. Descriptors are built once through a Builder, validated at build
// time, and immutable afterwards, so they are shared across goroutines without
// locking.
//
// The descriptor is the contract that drives encode/decode field resolution
// in the codec package. The IDL text that produces field specs is parsed by
// an external collaborator; this package consumes the already-parsed form.
package schema

import (
	"fmt"
	"sort"

	"proto-rpc/wire"
)

// Kind is the semantic type of a field value. It determines both the wire
// type used on encode and how the payload bits are interpreted on decode.
type Kind uint8

const (
	KindInt32 Kind = iota // two's-complement varint (costly for negatives, protobuf-compatible)
	KindInt64
	KindUint32
	KindUint64
	KindSint32 // zigzag varint
	KindSint64
	KindBool
	KindEnum
	KindFixed32
	KindFixed64
	KindSfixed32
	KindSfixed64
	KindFloat32
	KindFloat64
	KindString
	KindBytes
	KindMessage // embedded message, length-delimited recursive encoding
)

var kindNames = map[Kind]string{
	KindInt32: "int32", KindInt64: "int64", KindUint32: "uint32",
	KindUint64: "uint64", KindSint32: "sint32", KindSint64: "sint64",
	KindBool: "bool", KindEnum: "enum", KindFixed32: "fixed32",
	KindFixed64: "fixed64", KindSfixed32: "sfixed32", KindSfixed64: "sfixed64",
	KindFloat32: "float", KindFloat64: "double", KindString: "string",
	KindBytes: "bytes", KindMessage: "message",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// WireType returns the wire type a singular value of this kind encodes with.
func (k Kind) WireType() wire.Type {
	switch k {
	case KindFixed64, KindSfixed64, KindFloat64:
		return wire.TypeFixed64
	case KindFixed32, KindSfixed32, KindFloat32:
		return wire.TypeFixed32
	case KindString, KindBytes, KindMessage:
		return wire.TypeBytes
	default:
		return wire.TypeVarint
	}
}

// Packable reports whether a repeated field of this kind may use packed
// encoding (all values concatenated under one length-delimited tag).
// Only scalar numeric kinds pack; strings, bytes and messages never do.
func (k Kind) Packable() bool {
	switch k {
	case KindString, KindBytes, KindMessage:
		return false
	default:
		return true
	}
}

// Cardinality says how many values a field carries.
type Cardinality uint8

const (
	Optional Cardinality = iota
	Repeated

	// Required is kept for read compatibility with old schemas only.
	// Decode and encode treat it exactly like Optional: the required
	// constraint proved to be a schema-evolution hazard and is deprecated.
	Required
)

// Field describes one field of a message type.
type Field struct {
	Number      uint32
	Name        string
	Kind        Kind
	Cardinality Cardinality

	// Default is returned when the field is absent from a decoded message.
	// Nil means the kind's zero value.
	Default any

	// Message is the descriptor of the embedded type when Kind==KindMessage.
	Message *MessageDescriptor

	// Enum optionally names the value set when Kind==KindEnum.
	Enum *EnumDescriptor

	// Unpacked forces element-per-tag encoding for a repeated packable
	// field. New schemas default to packed; decoders accept either form.
	Unpacked bool
}

// EnumDescriptor names an enumerated value set.
type EnumDescriptor struct {
	Name   string
	Values map[string]int32
}

// Range is an inclusive span of field numbers.
type Range struct {
	Lo, Hi uint32
}

func (r Range) contains(n uint32) bool { return n >= r.Lo && n <= r.Hi }

func (r Range) overlaps(o Range) bool { return r.Lo <= o.Hi && o.Lo <= r.Hi }

// MessageDescriptor is the immutable description of one message type.
// Fields are stored sorted by number so decode can binary-search.
type MessageDescriptor struct {
	name            string
	fields          []*Field // sorted by Number
	byName          map[string]*Field
	reservedNums    []Range
	reservedNames   map[string]struct{}
	extensionRanges []Range
	nested          []*MessageDescriptor
	enums           []*EnumDescriptor
}

// Name returns the message type name.
func (d *MessageDescriptor) Name() string { return d.name }

// Fields returns the declared fields in increasing field-number order.
// Callers must not mutate the returned slice.
func (d *MessageDescriptor) Fields() []*Field { return d.fields }

// FieldByNumber looks up a declared field by number, or nil.
func (d *MessageDescriptor) FieldByNumber(num uint32) *Field {
	i := sort.Search(len(d.fields), func(i int) bool { return d.fields[i].Number >= num })
	if i < len(d.fields) && d.fields[i].Number == num {
		return d.fields[i]
	}
	return nil
}

// FieldByName looks up a declared field by name, or nil.
func (d *MessageDescriptor) FieldByName(name string) *Field { return d.byName[name] }

// ExtensionRanges returns the spans third parties may claim numbers in.
func (d *MessageDescriptor) ExtensionRanges() []Range { return d.extensionRanges }

// InExtensionRange reports whether num falls inside a declared extension range.
func (d *MessageDescriptor) InExtensionRange(num uint32) bool {
	for _, r := range d.extensionRanges {
		if r.contains(num) {
			return true
		}
	}
	return false
}

// Nested returns nested message descriptors declared inside this type.
func (d *MessageDescriptor) Nested() []*MessageDescriptor { return d.nested }

// Enums returns enum descriptors declared inside this type.
func (d *MessageDescriptor) Enums() []*EnumDescriptor { return d.enums }
