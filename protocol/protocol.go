// Package protocol implements the binary frame layer that multiplexes many
// logical RPC streams over one ordered, reliable byte connection.
//
// Each frame is a fixed 5-byte header followed by a varint-delimited body.
// The receiver reads the header first, then the length, then exactly that
// many body bytes, so frame boundaries survive TCP's stream semantics.
//
// Frame format:
//
//	0          4     5
//	┌──────────┬─────┬────────────┬───────────────┐
//	│ streamId │type │ len varint │ payload ...   │
//	│  uint32  │ u8  │            │  len bytes    │
//	└──────────┴─────┴────────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"proto-rpc/wire"
)

// HeaderSize is the fixed part of every frame: 4 (streamId) + 1 (frameType).
const HeaderSize = 5

// DefaultMaxFrameSize caps the body length a reader will accept.
const DefaultMaxFrameSize = 4 << 20

// FrameType identifies what a frame's payload carries.
type FrameType uint8

const (
	FrameHeaders   FrameType = 0 // call header (client) or initial metadata (server)
	FrameMessage   FrameType = 1 // one encoded message
	FrameHalfClose FrameType = 2 // sender will send no further messages (empty payload)
	FrameTrailers  FrameType = 3 // terminal status + trailing metadata
	FrameCancel    FrameType = 4 // best-effort early termination (empty payload)
)

func (t FrameType) String() string {
	switch t {
	case FrameHeaders:
		return "headers"
	case FrameMessage:
		return "message"
	case FrameHalfClose:
		return "half_close"
	case FrameTrailers:
		return "trailers"
	case FrameCancel:
		return "cancel"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

// Frame is one unit on the wire. Created by the sender, consumed once by the
// receiving stream; never mutated after send.
type Frame struct {
	StreamID uint32
	Type     FrameType
	Payload  []byte
}

// WriteFrame encodes f and writes it with a single Write call, so the frame
// reaches the connection atomically. Callers sharing a writer must still
// serialize WriteFrame calls with a lock.
func WriteFrame(w io.Writer, f *Frame) error {
	buf := make([]byte, HeaderSize, HeaderSize+wire.MaxVarintLen+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], f.StreamID)
	buf[4] = byte(f.Type)
	buf = wire.AppendVarint(buf, uint64(len(f.Payload)))
	buf = append(buf, f.Payload...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r. A declared body length above
// maxSize fails the read before any body allocation, protecting the reader
// from length-prefix amplification. maxSize<=0 uses DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize int) (*Frame, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	f := &Frame{
		StreamID: binary.BigEndian.Uint32(hdr[0:4]),
		Type:     FrameType(hdr[4]),
	}
	if f.Type > FrameCancel {
		return nil, fmt.Errorf("%w: unknown frame type %d", wire.ErrMalformed, hdr[4])
	}

	// Body length arrives as a varint, read byte by byte.
	var (
		length uint64
		shift  uint
		b      [1]byte
	)
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		length |= uint64(b[0]&0x7f) << shift
		if b[0] < 0x80 {
			break
		}
		shift += 7
		if shift >= 7*wire.MaxVarintLen {
			return nil, fmt.Errorf("%w: frame length varint too long", wire.ErrMalformed)
		}
	}
	if length > uint64(maxSize) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit %d", wire.ErrMalformed, length, maxSize)
	}

	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}
