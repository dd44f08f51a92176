package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc/codes"

	"proto-rpc/metadata"
	"proto-rpc/protocol"
	"proto-rpc/status"
)

// State is the externally observable lifecycle position of a stream.
type State uint8

const (
	StateInitiated State = iota
	StateActive
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

// Stream is one RPC invocation's state machine. The four call shapes share
// this single implementation, parameterized by two independent directional
// half-close flags and per-shape message count limits.
//
// Send* methods may be called by one goroutine at a time, and likewise
// RecvMessage; the send and receive directions are independent of each
// other, which is what bidirectional streaming relies on.
type Stream struct {
	conn   *Conn
	id     uint32
	header *protocol.CallHeader
	client bool // true on the side that opened the stream

	ctx      context.Context
	cancel   context.CancelFunc
	stopWait func() bool

	inq  chan *protocol.Frame
	done chan struct{}

	mu           sync.Mutex
	sentHeaders  bool
	recvHeaders  bool
	localClosed  bool
	remoteClosed bool
	sentCount    int
	recvCount    int
	peerHeader   metadata.MD
	trailer      *protocol.Trailer
	st           *status.Status // non-nil once the call reached a terminal state
}

func newStream(c *Conn, id uint32, h *protocol.CallHeader, client bool, base context.Context) *Stream {
	s := &Stream{
		conn:   c,
		id:     id,
		header: h,
		client: client,
		inq:    make(chan *protocol.Frame, c.opts.queueDepth()),
		done:   make(chan struct{}),
	}
	if client {
		// The caller's context already carries the deadline; OpenStream
		// copied it into the header for the peer.
		s.ctx, s.cancel = context.WithCancel(base)
		s.sentHeaders = true
	} else {
		ctx := metadata.NewIncomingContext(base, h.Metadata)
		if !h.Deadline.IsZero() {
			s.ctx, s.cancel = context.WithDeadline(ctx, h.Deadline)
		} else {
			s.ctx, s.cancel = context.WithCancel(ctx)
		}
		s.recvHeaders = true
	}
	// Deadline expiry and caller cancellation unblock every waiter through
	// the same path, whether or not a frame is in flight.
	s.stopWait = context.AfterFunc(s.ctx, s.onContextDone)
	return s
}

// Context returns the per-call context: deadline, cancellation, and (server
// side) the peer's initial metadata.
func (s *Stream) Context() context.Context { return s.ctx }

// ID returns the stream identifier on the connection.
func (s *Stream) ID() uint32 { return s.id }

// Method returns the invoked method name.
func (s *Stream) Method() string { return s.header.Method }

// Shape returns the call shape declared when the stream was opened.
func (s *Stream) Shape() protocol.CallShape { return s.header.Shape }

// CallHeader returns the opening header (method, shape, deadline, metadata).
func (s *Stream) CallHeader() *protocol.CallHeader { return s.header }

// Done is closed when the call reaches its terminal state.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Status returns the terminal status, or nil while the call is open.
func (s *Stream) Status() *status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// PeerHeader returns the initial metadata received from the peer, if any
// has arrived yet.
func (s *Stream) PeerHeader() metadata.MD {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client {
		return s.peerHeader
	}
	return s.header.Metadata
}

// Trailer returns the trailers received from the server, once terminal.
func (s *Stream) Trailer() *protocol.Trailer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailer
}

// State reports the lifecycle position for observability and tests.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.st != nil:
		return StateClosed
	case s.localClosed && s.remoteClosed:
		return StateClosed
	case s.localClosed:
		return StateHalfClosedLocal
	case s.remoteClosed:
		return StateHalfClosedRemote
	case s.sentHeaders || s.recvHeaders:
		return StateActive
	default:
		return StateInitiated
	}
}

// sendLimit returns how many messages this side may send for the call
// shape, or -1 for unlimited.
func (s *Stream) sendLimit() int {
	switch s.header.Shape {
	case protocol.Unary:
		return 1
	case protocol.ServerStream:
		if s.client {
			return 1
		}
	case protocol.ClientStream:
		if !s.client {
			return 1
		}
	}
	return -1
}

// recvLimit mirrors the peer's send limit.
func (s *Stream) recvLimit() int {
	switch s.header.Shape {
	case protocol.Unary:
		return 1
	case protocol.ServerStream:
		if !s.client {
			return 1
		}
	case protocol.ClientStream:
		if s.client {
			return 1
		}
	}
	return -1
}

// SendHeaders sends the server's initial metadata. Legal at most once, and
// only before the first outbound message; the server may also skip it
// entirely and let metadata ride in the trailers.
func (s *Stream) SendHeaders(md metadata.MD) error {
	s.mu.Lock()
	if s.st != nil {
		st := s.st
		s.mu.Unlock()
		return st.Err()
	}
	if s.client {
		s.mu.Unlock()
		return errors.New("transport: client headers are sent by OpenStream")
	}
	if s.sentHeaders {
		s.mu.Unlock()
		return errors.New("transport: headers already sent")
	}
	s.sentHeaders = true
	s.mu.Unlock()

	return s.writeOrFail(&protocol.Frame{
		StreamID: s.id,
		Type:     protocol.FrameHeaders,
		Payload:  protocol.EncodeResponseHeader(md),
	})
}

// SendMessage sends one encoded message in this side's direction. Sending
// more messages than the call shape permits fails the whole call rather
// than silently accepting the extra message.
func (s *Stream) SendMessage(payload []byte) error {
	s.mu.Lock()
	if s.st != nil {
		st := s.st
		s.mu.Unlock()
		return st.Err()
	}
	if s.localClosed {
		s.mu.Unlock()
		return status.New(codes.Internal, "message after half-close")
	}
	if limit := s.sendLimit(); limit >= 0 && s.sentCount >= limit {
		s.mu.Unlock()
		viol := status.Errorf(codes.InvalidArgument,
			"%s call permits %d outbound message(s)", s.header.Shape, limit)
		s.finish(viol, true)
		return viol
	}
	s.sentCount++
	s.mu.Unlock()

	return s.writeOrFail(&protocol.Frame{
		StreamID: s.id,
		Type:     protocol.FrameMessage,
		Payload:  payload,
	})
}

// CloseSend declares this side will send no further messages. For the
// server the trailers frame carries this meaning instead.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	if s.st != nil || s.localClosed {
		s.mu.Unlock()
		return nil
	}
	s.localClosed = true
	s.mu.Unlock()

	return s.writeOrFail(&protocol.Frame{StreamID: s.id, Type: protocol.FrameHalfClose})
}

// SendTrailers terminates the call from the server side with exactly one
// Status, regardless of call shape.
func (s *Stream) SendTrailers(tr *protocol.Trailer) error {
	s.mu.Lock()
	if s.st != nil {
		s.mu.Unlock()
		return errors.New("transport: call already terminated")
	}
	s.localClosed = true
	s.trailer = tr
	s.mu.Unlock()

	err := s.writeOrFail(&protocol.Frame{
		StreamID: s.id,
		Type:     protocol.FrameTrailers,
		Payload:  protocol.EncodeTrailer(tr),
	})
	s.finish(tr.Status, false)
	return err
}

// Cancel forces the call to an early terminal state with CANCELLED and
// tells the peer with a best-effort cancel frame.
func (s *Stream) Cancel() {
	s.finish(status.New(codes.Canceled, "call cancelled"), true)
}

// RecvMessage blocks until the next inbound message and returns its
// payload. It returns io.EOF on a clean end of the inbound direction (peer
// half-close, or OK trailers) and the terminal *status.Status on failure.
// Deadline and cancellation are observed while blocked.
func (s *Stream) RecvMessage() ([]byte, error) {
	for {
		s.mu.Lock()
		if s.st != nil {
			st := s.st
			s.mu.Unlock()
			if st.OK() {
				return nil, io.EOF
			}
			return nil, st
		}
		if s.remoteClosed && len(s.inq) == 0 {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()

		select {
		case f := <-s.inq:
			payload, handled, err := s.processInbound(f)
			if err != nil {
				return nil, err
			}
			if handled {
				continue
			}
			return payload, nil
		case <-s.done:
			// Loop to pick up the terminal status.
		case <-s.ctx.Done():
			// finish cancels the context as part of resolving the call, so
			// a status recorded by another path (connection failure, queue
			// overflow, shape violation) wins over the bare context error.
			s.mu.Lock()
			st := s.st
			s.mu.Unlock()
			if st != nil {
				if st.OK() {
					return nil, io.EOF
				}
				return nil, st
			}
			return nil, status.FromError(s.ctx.Err()).Err()
		}
	}
}

// processInbound applies one queued frame to the state machine. handled
// means the frame carried no message payload and the caller should keep
// waiting.
func (s *Stream) processInbound(f *protocol.Frame) ([]byte, bool, error) {
	switch f.Type {
	case protocol.FrameHeaders:
		md, err := protocol.DecodeResponseHeader(f.Payload)
		if err != nil {
			viol := status.Errorf(codes.Internal, "malformed response header: %v", err)
			s.finish(viol, true)
			return nil, false, viol
		}
		s.mu.Lock()
		s.peerHeader = md
		s.recvHeaders = true
		s.mu.Unlock()
		return nil, true, nil

	case protocol.FrameMessage:
		s.mu.Lock()
		if limit := s.recvLimit(); limit >= 0 && s.recvCount >= limit {
			s.mu.Unlock()
			viol := status.Errorf(codes.InvalidArgument,
				"%s call permits %d inbound message(s)", s.header.Shape, limit)
			s.finish(viol, true)
			return nil, false, viol
		}
		s.recvCount++
		s.mu.Unlock()
		return f.Payload, false, nil

	case protocol.FrameHalfClose:
		s.mu.Lock()
		s.remoteClosed = true
		s.mu.Unlock()
		return nil, false, io.EOF

	case protocol.FrameTrailers:
		tr, err := protocol.DecodeTrailer(f.Payload)
		if err != nil {
			viol := status.Errorf(codes.Internal, "malformed trailers: %v", err)
			s.finish(viol, true)
			return nil, false, viol
		}
		s.mu.Lock()
		s.remoteClosed = true
		s.trailer = tr
		s.mu.Unlock()
		s.finish(tr.Status, false)
		if tr.Status.OK() {
			return nil, false, io.EOF
		}
		return nil, false, tr.Status

	default:
		// Cancel is handled at delivery; anything else is a peer bug.
		return nil, true, nil
	}
}

// deliver enqueues a frame from the connection's read loop. It never
// blocks: a full queue fails this stream with ResourceExhausted and the
// reader moves on to other streams.
func (s *Stream) deliver(f *protocol.Frame) {
	if f.Type == protocol.FrameCancel {
		s.finish(status.New(codes.Canceled, "cancelled by peer"), false)
		return
	}

	s.mu.Lock()
	closed := s.st != nil
	s.mu.Unlock()
	if closed {
		s.conn.log.Debug().Uint32("stream", s.id).Stringer("type", f.Type).
			Msg("rejecting frame for closed stream")
		return
	}

	select {
	case s.inq <- f:
	default:
		s.conn.log.Warn().Uint32("stream", s.id).Int("depth", cap(s.inq)).
			Msg("inbound queue overflow, failing stream")
		s.finish(status.Errorf(codes.ResourceExhausted,
			"inbound queue overflow (depth %d)", cap(s.inq)), true)
	}
}

// onContextDone runs when the call context expires or is cancelled. It
// resolves the call unilaterally with DEADLINE_EXCEEDED at the deadline, not
// when the handler eventually returns, and notifies the peer.
func (s *Stream) onContextDone() {
	var st *status.Status
	if errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
		st = status.New(codes.DeadlineExceeded, "deadline exceeded")
	} else {
		st = status.New(codes.Canceled, "context cancelled")
	}
	s.finish(st, true)
}

// finish moves the call to its terminal state exactly once: records the
// status, optionally sends a best-effort cancel frame, releases the
// context, wakes every waiter, and frees the stream id. Frames arriving
// for the id afterwards are dropped by the connection.
func (s *Stream) finish(st *status.Status, notifyPeer bool) {
	s.mu.Lock()
	if s.st != nil {
		s.mu.Unlock()
		return
	}
	s.st = st
	s.localClosed = true
	s.remoteClosed = true
	s.mu.Unlock()

	if notifyPeer {
		// Best effort: the connection may already be gone.
		_ = s.conn.writeFrame(&protocol.Frame{StreamID: s.id, Type: protocol.FrameCancel})
	}
	s.stopWait()
	s.cancel()
	close(s.done)
	s.conn.removeStream(s.id)
}

// writeOrFail sends a frame, translating a dead connection into the
// stream's terminal Unavailable status.
func (s *Stream) writeOrFail(f *protocol.Frame) error {
	if err := s.conn.writeFrame(f); err != nil {
		s.mu.Lock()
		st := s.st
		s.mu.Unlock()
		if st != nil {
			return st.Err()
		}
		return status.Errorf(codes.Unavailable, "write failed: %v", err)
	}
	return nil
}
