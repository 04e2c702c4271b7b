package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"mudgate/util"
)

// ProtocolVersion is the first byte each side writes on a new control
// connection.  A peer speaking a different version is rejected.
const ProtocolVersion byte = 1

// DefaultMaxFrameSize bounds a frame body (type byte included).
const DefaultMaxFrameSize = 1 << 20

// FrameType identifies the frame body.
type FrameType uint8

const (
	FrameHello    FrameType = 0x01
	FrameWelcome  FrameType = 0x02
	FrameEnvelope FrameType = 0x03
	FrameAck      FrameType = 0x04
	FramePing     FrameType = 0x05
	FramePong     FrameType = 0x06
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "HELLO"
	case FrameWelcome:
		return "WELCOME"
	case FrameEnvelope:
		return "ENVELOPE"
	case FrameAck:
		return "ACK"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	default:
		return fmt.Sprintf("FrameType(0x%02x)", uint8(t))
	}
}

func (t FrameType) valid() bool {
	return t >= FrameHello && t <= FramePong
}

// Frame errors.
var (
	ErrFrameTooLarge  = errors.New("envelope: frame exceeds maximum size")
	ErrEmptyFrame     = errors.New("envelope: zero-length frame")
	ErrUnknownFrame   = errors.New("envelope: unknown frame type")
	ErrVersionUnknown = errors.New("envelope: unsupported protocol version")
)

// Frame is one unit on the control link.
type Frame struct {
	Type FrameType
	Body []byte
}

// WriteFrame writes f as length + type + body in a single Write call so
// concurrent writers on an unsynchronised conn never split a frame.
// Callers on the control link still go through the single writer.
func WriteFrame(w io.Writer, f Frame) error {
	n := 1 + len(f.Body)
	var buf []byte
	if 4+n <= util.DefaultBufSize {
		pb := util.GetBuf()
		defer util.PutBuf(pb)
		buf = (*pb)[:4+n]
	} else {
		buf = make([]byte, 4+n)
	}
	binary.BigEndian.PutUint32(buf[:4], uint32(n))
	buf[4] = byte(f.Type)
	copy(buf[5:], f.Body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame.  maxSize <= 0 means DefaultMaxFrameSize.
// io.EOF is returned unwrapped when the stream ends on a frame boundary.
func ReadFrame(r io.Reader, maxSize int) (Frame, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return Frame{}, ErrEmptyFrame
	}
	if n > uint32(maxSize) {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	t := FrameType(body[0])
	if !t.valid() {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, body[0])
	}
	return Frame{Type: t, Body: body[1:]}, nil
}

// WriteVersion writes the protocol version byte.
func WriteVersion(w io.Writer) error {
	_, err := w.Write([]byte{ProtocolVersion})
	return err
}

// ReadVersion reads the peer's version byte.  It returns the byte read
// together with ErrVersionUnknown when it does not match.
func ReadVersion(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	if b[0] != ProtocolVersion {
		return b[0], fmt.Errorf("%w: got %d, want %d", ErrVersionUnknown, b[0], ProtocolVersion)
	}
	return b[0], nil
}

// EnvelopeFrame wraps e in an ENVELOPE frame.
func EnvelopeFrame(e *Envelope) Frame {
	return Frame{Type: FrameEnvelope, Body: e.Encode()}
}
