package schema

import (
	"fmt"
	"sort"

	"proto-rpc/wire"
)

// SchemaError reports an invalid schema declaration. It is fatal to schema
// construction: a descriptor is either fully valid or never produced.
type SchemaError struct {
	Message string // message type being built
	Reason  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %q: %s", e.Message, e.Reason)
}

// [19000, 19999] is reserved by the protobuf implementation itself and may
// never be declared by a schema.
var implReserved = Range{19000, 19999}

// Builder accumulates field specs and produces a validated, immutable
// MessageDescriptor. Declaration order is irrelevant; fields are stored
// sorted by number.
type Builder struct {
	name            string
	fields          []*Field
	reservedNums    []Range
	reservedNames   map[string]struct{}
	extensionRanges []Range
	nested          []*MessageDescriptor
	enums           []*EnumDescriptor
}

// NewBuilder starts a descriptor for the named message type.
func NewBuilder(name string) *Builder {
	return &Builder{name: name, reservedNames: make(map[string]struct{})}
}

// Field adds a field declaration. Validation happens in Build.
func (b *Builder) Field(f Field) *Builder {
	c := f
	b.fields = append(b.fields, &c)
	return b
}

// Reserve marks an inclusive number range as retired: those numbers were
// published once and must never be reused for a different meaning.
func (b *Builder) Reserve(lo, hi uint32) *Builder {
	b.reservedNums = append(b.reservedNums, Range{lo, hi})
	return b
}

// ReserveName retires a field name.
func (b *Builder) ReserveName(names ...string) *Builder {
	for _, n := range names {
		b.reservedNames[n] = struct{}{}
	}
	return b
}

// ExtensionRange opens an inclusive number span for third-party fields.
func (b *Builder) ExtensionRange(lo, hi uint32) *Builder {
	b.extensionRanges = append(b.extensionRanges, Range{lo, hi})
	return b
}

// Nested declares a nested message type.
func (b *Builder) Nested(d *MessageDescriptor) *Builder {
	b.nested = append(b.nested, d)
	return b
}

// Enum declares a nested enum type.
func (b *Builder) Enum(e *EnumDescriptor) *Builder {
	b.enums = append(b.enums, e)
	return b
}

func (b *Builder) fail(format string, args ...any) error {
	return &SchemaError{Message: b.name, Reason: fmt.Sprintf(format, args...)}
}

// Build validates the accumulated declarations and returns the descriptor.
func (b *Builder) Build() (*MessageDescriptor, error) {
	byNum := make(map[uint32]*Field, len(b.fields))
	byName := make(map[string]*Field, len(b.fields))

	for _, f := range b.fields {
		if f.Number < wire.MinFieldNumber || f.Number > wire.MaxFieldNumber {
			return nil, b.fail("field %q: number %d out of range [%d, %d]",
				f.Name, f.Number, wire.MinFieldNumber, wire.MaxFieldNumber)
		}
		if implReserved.contains(f.Number) {
			return nil, b.fail("field %q: number %d is in the implementation-reserved range %d-%d",
				f.Name, f.Number, implReserved.Lo, implReserved.Hi)
		}
		if prev, ok := byNum[f.Number]; ok {
			// A reused number with a different kind is the classic
			// evolution mistake; reuse with the same kind is still a
			// duplicate declaration.
			if prev.Kind != f.Kind {
				return nil, b.fail("field number %d reused: %q declares %s, %q declared %s",
					f.Number, f.Name, f.Kind, prev.Name, prev.Kind)
			}
			return nil, b.fail("duplicate field number %d (%q and %q)", f.Number, f.Name, prev.Name)
		}
		if f.Name != "" {
			if _, ok := byName[f.Name]; ok {
				return nil, b.fail("duplicate field name %q", f.Name)
			}
			if _, ok := b.reservedNames[f.Name]; ok {
				return nil, b.fail("field name %q is reserved", f.Name)
			}
		}
		for _, r := range b.reservedNums {
			if r.contains(f.Number) {
				return nil, b.fail("field %q: number %d is inside reserved range %d-%d",
					f.Name, f.Number, r.Lo, r.Hi)
			}
		}
		if f.Kind == KindMessage && f.Message == nil {
			return nil, b.fail("field %q: message kind without a message descriptor", f.Name)
		}
		byNum[f.Number] = f
		if f.Name != "" {
			byName[f.Name] = f
		}
	}

	for i, r := range b.extensionRanges {
		if r.Lo > r.Hi {
			return nil, b.fail("extension range %d-%d is inverted", r.Lo, r.Hi)
		}
		for _, f := range b.fields {
			if r.contains(f.Number) {
				return nil, b.fail("extension range %d-%d overlaps declared field %d (%q)",
					r.Lo, r.Hi, f.Number, f.Name)
			}
		}
		for _, o := range b.extensionRanges[i+1:] {
			if r.overlaps(o) {
				return nil, b.fail("extension ranges %d-%d and %d-%d overlap", r.Lo, r.Hi, o.Lo, o.Hi)
			}
		}
	}

	fields := make([]*Field, len(b.fields))
	copy(fields, b.fields)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Number < fields[j].Number })

	return &MessageDescriptor{
		name:            b.name,
		fields:          fields,
		byName:          byName,
		reservedNums:    append([]Range(nil), b.reservedNums...),
		reservedNames:   b.reservedNames,
		extensionRanges: append([]Range(nil), b.extensionRanges...),
		nested:          append([]*MessageDescriptor(nil), b.nested...),
		enums:           append([]*EnumDescriptor(nil), b.enums...),
	}, nil
}

// MustBuild is Build for statically-known schemas; it panics on error.
func (b *Builder) MustBuild() *MessageDescriptor {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}
