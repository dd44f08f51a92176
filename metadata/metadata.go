// Package metadata implements the ordered multimap of string keys to byte
// values exchanged in headers and trailers frames, plus the context plumbing
// that carries it across the call surface.
package metadata

import (
	"context"

	"proto-rpc/wire"
)

// Pair is one metadata entry. Duplicate keys are legal; order is preserved
// end to end.
type Pair struct {
	Key   string
	Value []byte
}

// MD is an ordered multimap. The zero value is empty and usable.
type MD []Pair

// Pairs builds an MD from alternating key, value strings.
func Pairs(kv ...string) MD {
	if len(kv)%2 != 0 {
		panic("metadata: Pairs got an odd number of arguments")
	}
	md := make(MD, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		md = append(md, Pair{Key: kv[i], Value: []byte(kv[i+1])})
	}
	return md
}

// Append adds a key/value entry, keeping earlier entries in place.
func (md MD) Append(key string, value []byte) MD {
	return append(md, Pair{Key: key, Value: value})
}

// Get returns the first value for key as a string, and whether it exists.
func (md MD) Get(key string) (string, bool) {
	for _, p := range md {
		if p.Key == key {
			return string(p.Value), true
		}
	}
	return "", false
}

// Values returns every value for key, in order.
func (md MD) Values(key string) [][]byte {
	var out [][]byte
	for _, p := range md {
		if p.Key == key {
			out = append(out, p.Value)
		}
	}
	return out
}

// Len returns the number of entries.
func (md MD) Len() int { return len(md) }

// Clone returns a deep copy.
func (md MD) Clone() MD {
	if md == nil {
		return nil
	}
	out := make(MD, len(md))
	for i, p := range md {
		out[i] = Pair{Key: p.Key, Value: append([]byte(nil), p.Value...)}
	}
	return out
}

// AppendWire serializes the metadata for a frame payload: varint entry
// count, then length-delimited key and value per entry.
func (md MD) AppendWire(b []byte) []byte {
	b = wire.AppendVarint(b, uint64(len(md)))
	for _, p := range md {
		b = wire.AppendString(b, p.Key)
		b = wire.AppendBytes(b, p.Value)
	}
	return b
}

// ConsumeWire decodes metadata from the front of b, returning bytes read.
func ConsumeWire(b []byte) (MD, int, error) {
	count, n, err := wire.ConsumeVarint(b)
	if err != nil {
		return nil, 0, err
	}
	off := n
	var md MD
	for i := uint64(0); i < count; i++ {
		key, n, err := wire.ConsumeBytes(b[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		val, n, err := wire.ConsumeBytes(b[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		md = append(md, Pair{Key: string(key), Value: append([]byte(nil), val...)})
	}
	return md, off, nil
}

type outgoingKey struct{}
type incomingKey struct{}

// NewOutgoingContext attaches metadata a client wants sent with its calls.
func NewOutgoingContext(ctx context.Context, md MD) context.Context {
	return context.WithValue(ctx, outgoingKey{}, md)
}

// FromOutgoingContext returns metadata attached by NewOutgoingContext.
func FromOutgoingContext(ctx context.Context) (MD, bool) {
	md, ok := ctx.Value(outgoingKey{}).(MD)
	return md, ok
}

// NewIncomingContext attaches metadata received from the peer; the server
// dispatcher sets this before invoking a handler.
func NewIncomingContext(ctx context.Context, md MD) context.Context {
	return context.WithValue(ctx, incomingKey{}, md)
}

// FromIncomingContext returns metadata the peer sent with the call.
func FromIncomingContext(ctx context.Context) (MD, bool) {
	md, ok := ctx.Value(incomingKey{}).(MD)
	return md, ok
}
