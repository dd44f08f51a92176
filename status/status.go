// Package status defines the terminal outcome of an RPC: a code, a human
// message, and optional detail bytes. Exactly one Status terminates every
// call, carried in the server's trailers frame.
//
// Codes reuse google.golang.org/grpc/codes so the numeric values stay
// aligned with the gRPC status space.
package status

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"

	"proto-rpc/wire"
)

// Status is an RPC outcome. The nil *Status and a Status with codes.OK both
// mean success.
type Status struct {
	Code    codes.Code
	Message string
	Details []byte
}

// New returns a Status with the given code and message.
func New(c codes.Code, msg string) *Status {
	return &Status{Code: c, Message: msg}
}

// Errorf returns a Status with a formatted message.
func Errorf(c codes.Code, format string, args ...any) *Status {
	return &Status{Code: c, Message: fmt.Sprintf(format, args...)}
}

// OK reports whether the status represents success.
func (s *Status) OK() bool { return s == nil || s.Code == codes.OK }

// Error makes a non-OK Status usable as an error value.
func (s *Status) Error() string {
	return fmt.Sprintf("rpc status %s: %s", s.Code, s.Message)
}

// Err returns nil for an OK status and the status itself otherwise, so
// handler results translate directly into Go error returns.
func (s *Status) Err() error {
	if s.OK() {
		return nil
	}
	return s
}

// FromError converts an error into the Status a call should terminate with.
// A *Status passes through; context deadline/cancel map to their codes;
// anything else is Internal. A nil error is OK.
func FromError(err error) *Status {
	if err == nil {
		return New(codes.OK, "")
	}
	var s *Status
	if errors.As(err, &s) {
		return s
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return New(codes.Canceled, err.Error())
	default:
		return New(codes.Internal, err.Error())
	}
}

// Append serializes the status for a trailers frame payload:
// varint code, then length-delimited message and details.
func (s *Status) Append(b []byte) []byte {
	b = wire.AppendVarint(b, uint64(s.Code))
	b = wire.AppendString(b, s.Message)
	return wire.AppendBytes(b, s.Details)
}

// Consume decodes a Status from the front of b, returning bytes read.
func Consume(b []byte) (*Status, int, error) {
	code, n, err := wire.ConsumeVarint(b)
	if err != nil {
		return nil, 0, err
	}
	off := n
	msg, n, err := wire.ConsumeBytes(b[off:])
	if err != nil {
		return nil, 0, err
	}
	off += n
	details, n, err := wire.ConsumeBytes(b[off:])
	if err != nil {
		return nil, 0, err
	}
	off += n
	s := &Status{Code: codes.Code(code), Message: string(msg)}
	if len(details) > 0 {
		s.Details = append([]byte(nil), details...)
	}
	return s, off, nil
}
