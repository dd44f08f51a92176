// Package client exposes the typed invocation surface of an RPC
// connection: a stub with one entry point per call shape, driving the
// stream state machine underneath.
//
// Deadlines come from the caller's context; outgoing metadata from
// metadata.NewOutgoingContext. Every call resolves to exactly one Status:
// OK surfaces as a nil error, anything else as a *status.Status.
package client

import (
	"context"
	"fmt"
	"io"
	"net"

	"google.golang.org/grpc/codes"

	"proto-rpc/codec"
	"proto-rpc/metadata"
	"proto-rpc/protocol"
	"proto-rpc/schema"
	"proto-rpc/status"
	"proto-rpc/transport"
)

// MethodDesc declares one callable method: its name, shape, and the message
// types of both directions.
type MethodDesc struct {
	Name     string
	Shape    protocol.CallShape
	Request  *schema.MessageDescriptor
	Response *schema.MessageDescriptor
}

// Dial connects to addr and wraps the connection for multiplexed calls.
func Dial(ctx context.Context, network, addr string, opts transport.Options) (*transport.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return transport.NewConn(conn, opts, nil), nil
}

// Stub is a typed invocation surface over one connection.
type Stub struct {
	conn    *transport.Conn
	methods map[string]MethodDesc
}

// NewStub builds a stub from a method descriptor set.
func NewStub(conn *transport.Conn, methods []MethodDesc) *Stub {
	m := make(map[string]MethodDesc, len(methods))
	for _, d := range methods {
		m[d.Name] = d
	}
	return &Stub{conn: conn, methods: m}
}

func (s *Stub) open(ctx context.Context, name string, shape protocol.CallShape) (*call, error) {
	d, ok := s.methods[name]
	if !ok {
		return nil, fmt.Errorf("client: method %q not in stub", name)
	}
	if d.Shape != shape {
		return nil, fmt.Errorf("client: method %q is %s, invoked as %s", name, d.Shape, shape)
	}
	md, _ := metadata.FromOutgoingContext(ctx)
	ts, err := s.conn.OpenStream(ctx, &protocol.CallHeader{
		Method:   name,
		Shape:    shape,
		Metadata: md,
	})
	if err != nil {
		return nil, err
	}
	return &call{ts: ts, desc: d}, nil
}

// Invoke performs a unary call: one request, one response, one Status.
func (s *Stub) Invoke(ctx context.Context, name string, req *codec.Message) (*codec.Message, error) {
	c, err := s.open(ctx, name, protocol.Unary)
	if err != nil {
		return nil, err
	}
	if err := c.send(req); err != nil {
		return nil, err
	}
	if err := c.ts.CloseSend(); err != nil {
		return nil, err
	}
	return c.recvOne()
}

// ServerStream sends the single request and returns a handle to receive the
// response stream.
func (s *Stub) ServerStream(ctx context.Context, name string, req *codec.Message) (*RecvStream, error) {
	c, err := s.open(ctx, name, protocol.ServerStream)
	if err != nil {
		return nil, err
	}
	if err := c.send(req); err != nil {
		return nil, err
	}
	if err := c.ts.CloseSend(); err != nil {
		return nil, err
	}
	return &RecvStream{call: c}, nil
}

// ClientStream returns a handle the caller pushes requests into before
// collecting the single response with CloseAndRecv.
func (s *Stub) ClientStream(ctx context.Context, name string) (*SendStream, error) {
	c, err := s.open(ctx, name, protocol.ClientStream)
	if err != nil {
		return nil, err
	}
	return &SendStream{call: c}, nil
}

// Bidi opens a call where both directions stream independently.
func (s *Stub) Bidi(ctx context.Context, name string) (*BidiStream, error) {
	c, err := s.open(ctx, name, protocol.BidiStream)
	if err != nil {
		return nil, err
	}
	return &BidiStream{call: c}, nil
}

// call is the shared core of the per-shape handles.
type call struct {
	ts   *transport.Stream
	desc MethodDesc
}

func (c *call) send(m *codec.Message) error {
	if m.Descriptor() != c.desc.Request {
		return fmt.Errorf("client: %s sends %s, got %s",
			c.desc.Name, c.desc.Request.Name(), m.Descriptor().Name())
	}
	payload, err := codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("client: encode request: %w", err)
	}
	return c.ts.SendMessage(payload)
}

func (c *call) recv() (*codec.Message, error) {
	payload, err := c.ts.RecvMessage()
	if err != nil {
		return nil, err
	}
	msg, err := codec.Unmarshal(payload, c.desc.Response)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "bad response payload: %v", err)
	}
	return msg, nil
}

// recvOne expects exactly one response before the OK trailers.
func (c *call) recvOne() (*codec.Message, error) {
	var resp *codec.Message
	for {
		msg, err := c.recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		resp = msg
	}
	if resp == nil {
		return nil, status.New(codes.Internal, "server closed without a response")
	}
	return resp, nil
}

// Header returns the server's initial metadata received so far.
func (c *call) Header() metadata.MD { return c.ts.PeerHeader() }

// Trailer returns the server's trailers once the call is terminal.
func (c *call) Trailer() *protocol.Trailer { return c.ts.Trailer() }

// Cancel aborts the call with CANCELLED.
func (c *call) Cancel() { c.ts.Cancel() }

// RecvStream is the client handle of a server-streaming call.
type RecvStream struct{ *call }

// Recv returns the next response, io.EOF after the terminal OK trailers.
func (r *RecvStream) Recv() (*codec.Message, error) { return r.recv() }

// SendStream is the client handle of a client-streaming call.
type SendStream struct{ *call }

// Send pushes one request message.
func (s *SendStream) Send(m *codec.Message) error { return s.send(m) }

// CloseAndRecv half-closes the request direction and waits for the single
// response.
func (s *SendStream) CloseAndRecv() (*codec.Message, error) {
	if err := s.ts.CloseSend(); err != nil {
		return nil, err
	}
	return s.recvOne()
}

// BidiStream is the client handle of a bidirectional call.
type BidiStream struct{ *call }

// Send pushes one request message.
func (b *BidiStream) Send(m *codec.Message) error { return b.send(m) }

// Recv returns the next response, io.EOF at the clean end of the stream.
func (b *BidiStream) Recv() (*codec.Message, error) { return b.recv() }

// CloseSend half-closes the request direction.
func (b *BidiStream) CloseSend() error { return b.ts.CloseSend() }
