package protocol

import (
	"fmt"
	"time"

	"proto-rpc/metadata"
	"proto-rpc/status"
	"proto-rpc/wire"
)

// CallShape is the messaging pattern of one RPC invocation. The client
// declares it in the call header so the server can verify the handler
// agrees before any message flows.
type CallShape uint8

const (
	Unary        CallShape = 0 // one request, one response
	ClientStream CallShape = 1 // many requests, one response
	ServerStream CallShape = 2 // one request, many responses
	BidiStream   CallShape = 3 // both directions stream independently
)

func (s CallShape) String() string {
	switch s {
	case Unary:
		return "unary"
	case ClientStream:
		return "client_stream"
	case ServerStream:
		return "server_stream"
	case BidiStream:
		return "bidi_stream"
	default:
		return fmt.Sprintf("shape(%d)", uint8(s))
	}
}

// CallHeader is the payload of the client's opening headers frame: method,
// shape, optional absolute deadline, and initial metadata.
type CallHeader struct {
	Method   string // conventionally "package.Service/Method"
	Shape    CallShape
	Deadline time.Time // zero means no deadline
	Metadata metadata.MD
}

// EncodeCallHeader serializes h for a headers frame.
func EncodeCallHeader(h *CallHeader) []byte {
	b := wire.AppendString(nil, h.Method)
	b = wire.AppendVarint(b, uint64(h.Shape))
	var micros uint64
	if !h.Deadline.IsZero() {
		micros = uint64(h.Deadline.UnixMicro())
	}
	b = wire.AppendVarint(b, micros)
	return h.Metadata.AppendWire(b)
}

// DecodeCallHeader parses a client headers frame payload.
func DecodeCallHeader(b []byte) (*CallHeader, error) {
	method, n, err := wire.ConsumeBytes(b)
	if err != nil {
		return nil, err
	}
	off := n
	shape, n, err := wire.ConsumeVarint(b[off:])
	if err != nil {
		return nil, err
	}
	off += n
	if shape > uint64(BidiStream) {
		return nil, fmt.Errorf("%w: unknown call shape %d", wire.ErrMalformed, shape)
	}
	micros, n, err := wire.ConsumeVarint(b[off:])
	if err != nil {
		return nil, err
	}
	off += n
	md, _, err := metadata.ConsumeWire(b[off:])
	if err != nil {
		return nil, err
	}

	h := &CallHeader{Method: string(method), Shape: CallShape(shape), Metadata: md}
	if micros > 0 {
		h.Deadline = time.UnixMicro(int64(micros))
	}
	return h, nil
}

// EncodeResponseHeader serializes the server's initial metadata.
func EncodeResponseHeader(md metadata.MD) []byte {
	return md.AppendWire(nil)
}

// DecodeResponseHeader parses a server headers frame payload.
func DecodeResponseHeader(b []byte) (metadata.MD, error) {
	md, _, err := metadata.ConsumeWire(b)
	return md, err
}

// Trailer is the payload of the terminal trailers frame: the single Status
// that resolves the call, plus trailing metadata.
type Trailer struct {
	Status   *status.Status
	Metadata metadata.MD
}

// EncodeTrailer serializes t for a trailers frame.
func EncodeTrailer(t *Trailer) []byte {
	s := t.Status
	if s == nil {
		s = status.New(0, "")
	}
	b := s.Append(nil)
	return t.Metadata.AppendWire(b)
}

// DecodeTrailer parses a trailers frame payload.
func DecodeTrailer(b []byte) (*Trailer, error) {
	s, n, err := status.Consume(b)
	if err != nil {
		return nil, err
	}
	md, _, err := metadata.ConsumeWire(b[n:])
	if err != nil {
		return nil, err
	}
	return &Trailer{Status: s, Metadata: md}, nil
}
