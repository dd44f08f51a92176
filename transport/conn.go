// Package transport multiplexes many concurrent RPC streams over a single
// ordered, reliable byte connection and drives each stream's lifecycle
// state machine.
//
// Concurrency model, shared by both sides of the connection:
//
//	caller-1 ──OpenStream/Send──┐
//	caller-2 ──OpenStream/Send──┼──→ writeMu ──→ one net.Conn ──→ peer
//	caller-3 ──OpenStream/Send──┘
//
//	readLoop: single goroutine reads frames and routes each one to the
//	stream registered under its id. Delivery is a non-blocking enqueue to
//	the stream's bounded queue, so a slow consumer can never stall the
//	reader or unrelated streams.
//
// The write path is the only mutable resource shared across streams; a
// single mutex serializes whole frames so bytes from two frames never
// interleave.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"

	"proto-rpc/protocol"
	"proto-rpc/status"
)

// Options tunes a connection. The zero value is usable.
type Options struct {
	// MaxFrameSize caps the payload length the reader accepts.
	// Defaults to protocol.DefaultMaxFrameSize.
	MaxFrameSize int

	// StreamQueueDepth is the per-stream inbound frame queue capacity.
	// When a stream's queue is full the stream, not the connection, is
	// failed with ResourceExhausted; the shared reader never blocks on one
	// stream's consumer. Defaults to 32.
	StreamQueueDepth int

	// Logger receives frame-drop and connection-failure events.
	Logger zerolog.Logger
}

const defaultQueueDepth = 32

func (o Options) queueDepth() int {
	if o.StreamQueueDepth <= 0 {
		return defaultQueueDepth
	}
	return o.StreamQueueDepth
}

// AcceptFunc is invoked by the server side for each new stream the peer
// opens. It runs on its own goroutine.
type AcceptFunc func(s *Stream)

// Conn owns one underlying byte connection and the streams multiplexed on
// it. The client side opens streams; the server side receives them through
// the accept callback.
type Conn struct {
	rwc  io.ReadWriteCloser
	opts Options
	log  zerolog.Logger

	accept AcceptFunc // nil on client connections

	writeMu sync.Mutex
	streams sync.Map // uint32 -> *Stream
	nextID  atomic.Uint32
	closed  atomic.Bool
	done    chan struct{}
}

// NewConn wraps rwc and starts the read loop. For a server-side connection
// pass an accept callback; clients pass nil.
func NewConn(rwc io.ReadWriteCloser, opts Options, accept AcceptFunc) *Conn {
	c := &Conn{
		rwc:    rwc,
		opts:   opts,
		log:    opts.Logger,
		accept: accept,
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// OpenStream starts a new outgoing call. The call header is written
// immediately; the deadline and cancellation of ctx govern the stream.
// Outgoing initial metadata rides in h.Metadata.
func (c *Conn) OpenStream(ctx context.Context, h *protocol.CallHeader) (*Stream, error) {
	if c.closed.Load() {
		return nil, status.New(codes.Unavailable, "connection closed")
	}
	if d, ok := ctx.Deadline(); ok {
		h.Deadline = d
	}

	// Locally-initiated streams take odd ids; the even space stays free
	// for a peer-initiated extension.
	id := c.nextID.Add(1)*2 - 1
	s := newStream(c, id, h, true, ctx)
	c.streams.Store(id, s)

	if err := c.writeFrame(&protocol.Frame{
		StreamID: id,
		Type:     protocol.FrameHeaders,
		Payload:  protocol.EncodeCallHeader(h),
	}); err != nil {
		c.streams.Delete(id)
		return nil, status.New(codes.Unavailable, err.Error())
	}
	return s, nil
}

// readLoop is the single reader for the connection. It parses one frame at
// a time and hands it to the owning stream; it must never block on a
// specific stream's consumer.
func (c *Conn) readLoop() {
	for {
		f, err := protocol.ReadFrame(c.rwc, c.opts.MaxFrameSize)
		if err != nil {
			c.fail(err)
			return
		}

		if v, ok := c.streams.Load(f.StreamID); ok {
			v.(*Stream).deliver(f)
			continue
		}

		// Headers for an id we have never seen: a new incoming call,
		// if this side accepts them.
		if f.Type == protocol.FrameHeaders && c.accept != nil {
			h, err := protocol.DecodeCallHeader(f.Payload)
			if err != nil {
				c.log.Warn().Uint32("stream", f.StreamID).Err(err).
					Msg("rejecting stream with malformed call header")
				continue
			}
			s := newStream(c, f.StreamID, h, false, context.Background())
			c.streams.Store(f.StreamID, s)
			go c.accept(s)
			continue
		}

		// Unknown or stale stream id: drop the frame, keep the connection.
		c.log.Debug().Uint32("stream", f.StreamID).Stringer("type", f.Type).
			Msg("dropping frame for unknown stream")
	}
}

// writeFrame serializes whole-frame writes across all streams.
func (c *Conn) writeFrame(f *protocol.Frame) error {
	if c.closed.Load() {
		return errors.New("transport: connection closed")
	}
	c.writeMu.Lock()
	err := protocol.WriteFrame(c.rwc, f)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
	}
	return err
}

// fail tears the connection down: every open stream resolves with
// Unavailable, the process keeps running.
func (c *Conn) fail(cause error) {
	if c.closed.Swap(true) {
		return
	}
	if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed) {
		c.log.Warn().Err(cause).Msg("connection failed")
	}
	st := status.New(codes.Unavailable, "connection lost")
	if cause != nil {
		st = status.Errorf(codes.Unavailable, "connection lost: %v", cause)
	}
	c.streams.Range(func(_, v any) bool {
		v.(*Stream).finish(st, false)
		return true
	})
	c.rwc.Close()
	close(c.done)
}

// Close shuts the connection down, resolving open streams with Unavailable.
func (c *Conn) Close() error {
	c.fail(nil)
	return nil
}

// Done is closed once the connection has terminated.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) removeStream(id uint32) { c.streams.Delete(id) }

func (c *Conn) String() string { return fmt.Sprintf("conn(%p)", c) }
