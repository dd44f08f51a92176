package codec

import (
	"bytes"
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"proto-rpc/schema"
	"proto-rpc/wire"
)

func eventDesc(t *testing.T) *schema.MessageDescriptor {
	t.Helper()
	inner, err := schema.NewBuilder("Point").
		Field(schema.Field{Number: 1, Name: "x", Kind: schema.KindSint64}).
		Field(schema.Field{Number: 2, Name: "y", Kind: schema.KindSint64}).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	d, err := schema.NewBuilder("Event").
		Field(schema.Field{Number: 1, Name: "id", Kind: schema.KindUint64}).
		Field(schema.Field{Number: 2, Name: "name", Kind: schema.KindString}).
		Field(schema.Field{Number: 3, Name: "counts", Kind: schema.KindInt32, Cardinality: schema.Repeated}).
		Field(schema.Field{Number: 4, Name: "origin", Kind: schema.KindMessage, Message: inner}).
		Field(schema.Field{Number: 5, Name: "live", Kind: schema.KindBool}).
		Field(schema.Field{Number: 6, Name: "blob", Kind: schema.KindBytes}).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestRoundTrip(t *testing.T) {
	desc := eventDesc(t)
	inner := desc.FieldByNumber(4).Message

	m := New(desc)
	m.Set(1, uint64(77))
	m.Set(2, "boot")
	m.Add(3, int32(1))
	m.Add(3, int32(-2))
	m.Add(3, int32(300))
	p := New(inner)
	p.Set(1, int64(-5))
	p.Set(2, int64(9))
	m.Set(4, p)
	m.Set(5, true)
	m.Set(6, []byte{0x00, 0xff})

	data, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(data, desc)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !Equal(m, got) {
		t.Fatal("decode(encode(m)) differs from m")
	}
	if got.Inner(4).Int64(1) != -5 {
		t.Errorf("nested sint64: got %d, want -5", got.Inner(4).Int64(1))
	}
}

// TestUnknownFieldPreserved decodes with a schema missing field 2, re-encodes,
// and checks the full schema still sees the original value: one intervening
// decode/encode cycle must not lose bytes the narrow schema did not understand.
func TestUnknownFieldPreserved(t *testing.T) {
	full := eventDesc(t)
	narrow, err := schema.NewBuilder("EventV0").
		Field(schema.Field{Number: 1, Name: "id", Kind: schema.KindUint64}).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	m := New(full)
	m.Set(1, uint64(9))
	m.Set(2, "keepme")
	m.Set(5, true)
	data, err := Marshal(m)
	if err != nil {
		t.Fatal(err)
	}

	old, err := Unmarshal(data, narrow)
	if err != nil {
		t.Fatalf("narrow decode failed: %v", err)
	}
	if len(old.Unknown()) == 0 {
		t.Fatal("fields 2 and 5 should have been preserved as unknown")
	}
	reenc, err := Marshal(old)
	if err != nil {
		t.Fatal(err)
	}

	back, err := Unmarshal(reenc, full)
	if err != nil {
		t.Fatalf("full decode of re-encoding failed: %v", err)
	}
	if back.String(2) != "keepme" || !back.Bool(5) {
		t.Errorf("unknown fields lost: name=%q live=%v", back.String(2), back.Bool(5))
	}
}

func TestDefaultResolution(t *testing.T) {
	d, err := schema.NewBuilder("Cfg").
		Field(schema.Field{Number: 1, Name: "retries", Kind: schema.KindInt32}).
		Field(schema.Field{Number: 2, Name: "limit", Kind: schema.KindInt32, Default: int32(42)}).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	m, err := Unmarshal(nil, d)
	if err != nil {
		t.Fatal(err)
	}
	// Absent field with declared default 42 reads 42; without one, zero.
	if m.Int32(2) != 42 {
		t.Errorf("default: got %d, want 42", m.Int32(2))
	}
	if m.Int32(1) != 0 {
		t.Errorf("zero default: got %d, want 0", m.Int32(1))
	}
	if m.Has(2) {
		t.Error("defaulted field must still read as absent")
	}

	// Present-but-zero is distinguishable from absent.
	m2 := New(d)
	m2.Set(2, int32(0))
	if !m2.Has(2) {
		t.Error("explicitly set zero should be present")
	}
	if m2.Int32(2) != 0 {
		t.Errorf("present zero: got %d, want 0", m2.Int32(2))
	}
}

func TestLastSingularValueWins(t *testing.T) {
	d := eventDesc(t)
	// Field 1 encoded twice: merge semantics keep the later occurrence.
	b := wire.AppendTag(nil, 1, wire.TypeVarint)
	b = wire.AppendVarint(b, 10)
	b = wire.AppendTag(b, 1, wire.TypeVarint)
	b = wire.AppendVarint(b, 20)

	m, err := Unmarshal(b, d)
	if err != nil {
		t.Fatal(err)
	}
	if m.Uint64(1) != 20 {
		t.Errorf("got %d, want 20 (later occurrence)", m.Uint64(1))
	}
}

func TestUnpackedRepeatedAccepted(t *testing.T) {
	d := eventDesc(t)
	// counts (repeated int32) sent element-per-tag instead of packed.
	b := wire.AppendTag(nil, 3, wire.TypeVarint)
	b = wire.AppendVarint(b, 7)
	b = wire.AppendTag(b, 3, wire.TypeVarint)
	b = wire.AppendVarint(b, 8)

	m, err := Unmarshal(b, d)
	if err != nil {
		t.Fatal(err)
	}
	vals := m.Values(3)
	if len(vals) != 2 || vals[0] != int32(7) || vals[1] != int32(8) {
		t.Errorf("unpacked decode: got %v", vals)
	}

	// Our encoder defaults to packed: one tag, length-delimited run.
	data, err := Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	num, typ, _, err := wire.ConsumeTag(data)
	if err != nil || num != 3 || typ != wire.TypeBytes {
		t.Errorf("packed encode: tag (%d, %d), err %v", num, typ, err)
	}
}

func TestMalformedInput(t *testing.T) {
	d := eventDesc(t)

	// Truncated varint in field 1.
	b := wire.AppendTag(nil, 1, wire.TypeVarint)
	b = append(b, 0x80)
	if _, err := Unmarshal(b, d); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("truncated varint: got %v", err)
	}

	// Wire type mismatch: field 2 declared string, sent as varint.
	b = wire.AppendTag(nil, 2, wire.TypeVarint)
	b = wire.AppendVarint(b, 1)
	if _, err := Unmarshal(b, d); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("wire type mismatch: got %v", err)
	}

	// Unterminated length-delimited payload.
	b = wire.AppendTag(nil, 2, wire.TypeBytes)
	b = wire.AppendVarint(b, 50)
	b = append(b, 'h', 'i')
	if _, err := Unmarshal(b, d); !errors.Is(err, wire.ErrMalformed) {
		t.Errorf("unterminated payload: got %v", err)
	}
}

func TestSizeLimit(t *testing.T) {
	d := eventDesc(t)
	big := make([]byte, 128)
	_, err := UnmarshalOptions{MaxSize: 64}.Unmarshal(big, d)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

// TestThirdPartyDecoderReadsOutput walks our encoding with the reference
// protowire parser to confirm standard protobuf decoders can read it.
func TestThirdPartyDecoderReadsOutput(t *testing.T) {
	d := eventDesc(t)
	m := New(d)
	m.Set(1, uint64(123456))
	m.Set(2, "compat")
	m.Set(5, true)

	data, err := Marshal(m)
	if err != nil {
		t.Fatal(err)
	}

	seen := map[protowire.Number]any{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			t.Fatalf("reference parser rejected tag: %v", protowire.ParseError(n))
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				t.Fatal("reference parser rejected varint")
			}
			seen[num] = v
			data = data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				t.Fatal("reference parser rejected bytes")
			}
			seen[num] = append([]byte(nil), v...)
			data = data[n:]
		default:
			t.Fatalf("unexpected wire type %d", typ)
		}
	}

	if seen[1] != uint64(123456) {
		t.Errorf("field 1: got %v", seen[1])
	}
	if !bytes.Equal(seen[2].([]byte), []byte("compat")) {
		t.Errorf("field 2: got %q", seen[2])
	}
	if seen[5] != uint64(1) {
		t.Errorf("field 5: got %v", seen[5])
	}
}
