// Package server implements the server-side dispatcher: method
// registration, per-connection stream acceptance, the middleware chain,
// typed handler invocation, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → transport.Conn (single goroutine reads frames)
//	  → for each new stream: handleStream (own goroutine)
//	    → method lookup → middleware chain → shape-typed handler
//	    → trailers with the terminal Status
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"

	"proto-rpc/codec"
	"proto-rpc/middleware"
	"proto-rpc/protocol"
	"proto-rpc/schema"
	"proto-rpc/status"
	"proto-rpc/transport"
)

// MethodDesc binds a method name to the message types of its request and
// response directions. Names follow the "package.Service/Method" convention.
type MethodDesc struct {
	Name     string
	Request  *schema.MessageDescriptor
	Response *schema.MessageDescriptor
}

// Handler signatures, one per call shape. Unary and client-streaming
// handlers produce the single response message; server-streaming and bidi
// handlers push to the stream as results become ready.
type (
	UnaryHandler        func(ctx context.Context, req *codec.Message) (*codec.Message, error)
	ClientStreamHandler func(ctx context.Context, stream *Stream) (*codec.Message, error)
	ServerStreamHandler func(ctx context.Context, req *codec.Message, stream *Stream) error
	BidiHandler         func(ctx context.Context, stream *Stream) error
)

type method struct {
	desc         MethodDesc
	shape        protocol.CallShape
	unary        UnaryHandler
	clientStream ClientStreamHandler
	serverStream ServerStreamHandler
	bidi         BidiHandler
}

// Options configures a server.
type Options struct {
	Transport transport.Options
	Logger    zerolog.Logger
}

// Server dispatches incoming calls to registered handlers.
type Server struct {
	opts        Options
	log         zerolog.Logger
	methods     map[string]*method
	middlewares []middleware.Middleware

	mu       sync.Mutex
	listener net.Listener
	conns    map[*transport.Conn]struct{}
	wg       sync.WaitGroup // in-flight calls, for graceful shutdown
	shutdown atomic.Bool
}

// NewServer creates a server with no registered methods.
func NewServer(opts Options) *Server {
	opts.Transport.Logger = opts.Logger
	return &Server{
		opts:    opts,
		log:     opts.Logger,
		methods: make(map[string]*method),
		conns:   make(map[*transport.Conn]struct{}),
	}
}

// Use registers a middleware. Middlewares run in registration order.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

func (svr *Server) register(m *method) error {
	if _, ok := svr.methods[m.desc.Name]; ok {
		return fmt.Errorf("server: method %q already registered", m.desc.Name)
	}
	svr.methods[m.desc.Name] = m
	return nil
}

// RegisterUnary registers a one-request, one-response handler.
func (svr *Server) RegisterUnary(desc MethodDesc, h UnaryHandler) error {
	return svr.register(&method{desc: desc, shape: protocol.Unary, unary: h})
}

// RegisterClientStream registers a many-requests, one-response handler.
func (svr *Server) RegisterClientStream(desc MethodDesc, h ClientStreamHandler) error {
	return svr.register(&method{desc: desc, shape: protocol.ClientStream, clientStream: h})
}

// RegisterServerStream registers a one-request, many-responses handler.
func (svr *Server) RegisterServerStream(desc MethodDesc, h ServerStreamHandler) error {
	return svr.register(&method{desc: desc, shape: protocol.ServerStream, serverStream: h})
}

// RegisterBidi registers a handler with both directions streaming.
func (svr *Server) RegisterBidi(desc MethodDesc, h BidiHandler) error {
	return svr.register(&method{desc: desc, shape: protocol.BidiStream, bidi: h})
}

// Serve listens on the given address and accepts connections until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	svr.listener = listener
	svr.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown listener.Close makes Accept fail; that is
			// the intended exit, not an error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the bound listen address, or nil before Serve has started.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) handleConn(conn net.Conn) {
	tc := transport.NewConn(conn, svr.opts.Transport, svr.handleStream)
	svr.mu.Lock()
	svr.conns[tc] = struct{}{}
	svr.mu.Unlock()

	<-tc.Done()

	svr.mu.Lock()
	delete(svr.conns, tc)
	svr.mu.Unlock()
}

// handleStream resolves the method and drives one call to its terminal
// status. It runs on its own goroutine per stream, so a slow handler never
// delays other streams on the same connection.
func (svr *Server) handleStream(ts *transport.Stream) {
	m, ok := svr.methods[ts.Method()]
	if !ok {
		// Trailers-only response: no message frames for an unknown method.
		ts.SendTrailers(&protocol.Trailer{
			Status: status.Errorf(codes.Unimplemented, "unknown method %q", ts.Method()),
		})
		return
	}
	if m.shape != ts.Shape() {
		ts.SendTrailers(&protocol.Trailer{
			Status: status.Errorf(codes.InvalidArgument,
				"method %q is %s, client opened %s", ts.Method(), m.shape, ts.Shape()),
		})
		return
	}

	// Adding to the in-flight group must not race Shutdown's Wait: once the
	// shutdown flag is set under the mutex, no further calls join the group.
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		ts.SendTrailers(&protocol.Trailer{
			Status: status.New(codes.Unavailable, "server shutting down"),
		})
		return
	}
	svr.wg.Add(1)
	svr.mu.Unlock()
	defer svr.wg.Done()

	sv := &Stream{ts: ts, desc: m.desc, maxSize: svr.opts.Transport.MaxFrameSize}
	info := &middleware.CallInfo{Method: ts.Method(), Shape: m.shape}
	invoke := func(ctx context.Context, _ *middleware.CallInfo) error {
		return svr.invoke(ctx, m, sv)
	}
	err := middleware.Chain(svr.middlewares...)(invoke)(ts.Context(), info)

	// Exactly one Status terminates the call. If the stream already
	// reached a terminal state (deadline, cancel, connection loss) the
	// extra trailers are rejected by the state machine.
	ts.SendTrailers(&protocol.Trailer{
		Status:   status.FromError(err),
		Metadata: sv.trailerMD,
	})
}

func (svr *Server) invoke(ctx context.Context, m *method, sv *Stream) error {
	switch m.shape {
	case protocol.Unary:
		req, err := sv.Recv()
		if err != nil {
			return err
		}
		resp, err := m.unary(ctx, req)
		if err != nil {
			return err
		}
		if resp == nil {
			return status.New(codes.Internal, "handler returned no response")
		}
		return sv.Send(resp)

	case protocol.ClientStream:
		resp, err := m.clientStream(ctx, sv)
		if err != nil {
			return err
		}
		if resp == nil {
			return status.New(codes.Internal, "handler returned no response")
		}
		return sv.Send(resp)

	case protocol.ServerStream:
		req, err := sv.Recv()
		if err != nil {
			return err
		}
		return m.serverStream(ctx, req, sv)

	case protocol.BidiStream:
		return m.bidi(ctx, sv)

	default:
		return status.Errorf(codes.Internal, "unhandled call shape %s", m.shape)
	}
}

// Shutdown performs graceful shutdown: stop accepting, wait for in-flight
// calls up to the timeout, then close remaining connections.
func (svr *Server) Shutdown(timeout time.Duration) error {
	// Set the flag under the mutex: every call either joined the in-flight
	// group before this point or observes the flag and is rejected, so the
	// Wait below races no Add. The flag also makes Serve recognize the
	// Accept failure from the closed listener as intentional.
	svr.mu.Lock()
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("server: timeout waiting for in-flight calls")
	}

	svr.mu.Lock()
	for tc := range svr.conns {
		tc.Close()
	}
	svr.mu.Unlock()
	return err
}
