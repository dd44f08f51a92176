package server

import (
	"fmt"
	"io"

	"google.golang.org/grpc/codes"

	"proto-rpc/codec"
	"proto-rpc/metadata"
	"proto-rpc/status"
	"proto-rpc/transport"
)

// Stream is the typed view of one call handed to streaming handlers: it
// decodes inbound frames with the method's request descriptor and encodes
// outbound messages with its response descriptor.
type Stream struct {
	ts        *transport.Stream
	desc      MethodDesc
	maxSize   int
	trailerMD metadata.MD
}

// Recv returns the next request message, io.EOF once the client has
// half-closed. A request that fails to decode resolves as INVALID_ARGUMENT.
func (s *Stream) Recv() (*codec.Message, error) {
	payload, err := s.ts.RecvMessage()
	if err != nil {
		return nil, err
	}
	msg, err := codec.UnmarshalOptions{MaxSize: s.maxSize}.Unmarshal(payload, s.desc.Request)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request payload: %v", err)
	}
	return msg, nil
}

// Send pushes one response message to the client.
func (s *Stream) Send(m *codec.Message) error {
	if m.Descriptor() != s.desc.Response {
		return fmt.Errorf("server: %s responds with %s, got %s",
			s.desc.Name, s.desc.Response.Name(), m.Descriptor().Name())
	}
	payload, err := codec.Marshal(m)
	if err != nil {
		return status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s.ts.SendMessage(payload)
}

// SendHeader sends the server's initial metadata eagerly. Handlers that
// never call it leave metadata to the trailers.
func (s *Stream) SendHeader(md metadata.MD) error {
	return s.ts.SendHeaders(md)
}

// SetTrailer accumulates metadata for the trailers frame that terminates
// the call.
func (s *Stream) SetTrailer(md metadata.MD) {
	s.trailerMD = append(s.trailerMD, md...)
}

// Drain consumes remaining inbound messages until the client half-closes.
// Useful for handlers that decide early but still want a clean shutdown.
func (s *Stream) Drain() error {
	for {
		if _, err := s.Recv(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
