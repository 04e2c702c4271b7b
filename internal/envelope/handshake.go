package envelope

import (
	"fmt"
)

// Role says what kind of peer sent a HELLO.
type Role uint8

const (
	// RoleServer is the game Server; it becomes the Control Link.
	RoleServer Role = 0x01
	// RoleLauncher is a one-shot admin client (status, restart, ...).
	RoleLauncher Role = 0x02
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleLauncher:
		return "launcher"
	default:
		return fmt.Sprintf("Role(0x%02x)", uint8(r))
	}
}

// Status is the WELCOME result.
type Status uint8

const (
	StatusOK              Status = 0x00
	StatusAlreadyAttached Status = 0x01
	StatusVersionMismatch Status = 0x02
	StatusBadRole         Status = 0x03
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAlreadyAttached:
		return "already-attached"
	case StatusVersionMismatch:
		return "version-mismatch"
	case StatusBadRole:
		return "bad-role"
	default:
		return fmt.Sprintf("Status(0x%02x)", uint8(s))
	}
}

// Hello is the first frame a dialing peer sends.
type Hello struct {
	Role         Role
	Version      uint8
	InstanceID   string
	LogicVersion string
}

// Encode returns the HELLO body.
func (h *Hello) Encode() []byte {
	enc := NewEncoder()
	enc.PutByte(byte(h.Role))
	enc.PutByte(h.Version)
	enc.WriteString(h.InstanceID)
	enc.WriteString(h.LogicVersion)
	return enc.Bytes()
}

// Frame wraps h in a HELLO frame.
func (h *Hello) Frame() Frame { return Frame{Type: FrameHello, Body: h.Encode()} }

// DecodeHello parses a HELLO body.
func DecodeHello(data []byte) (*Hello, error) {
	d := NewDecoder(data)
	h := &Hello{}

	role, err := d.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("hello role: %w", err)
	}
	h.Role = Role(role)
	if h.Version, err = d.ReadByte(); err != nil {
		return nil, fmt.Errorf("hello version: %w", err)
	}
	if h.InstanceID, err = d.ReadString(); err != nil {
		return nil, fmt.Errorf("hello instance id: %w", err)
	}
	if h.LogicVersion, err = d.ReadString(); err != nil {
		return nil, fmt.Errorf("hello logic version: %w", err)
	}
	return h, nil
}

// Welcome is the Portal's answer to HELLO.
type Welcome struct {
	Status   Status
	PortalID string
	Reason   string
}

// Encode returns the WELCOME body.
func (w *Welcome) Encode() []byte {
	enc := NewEncoder()
	enc.PutByte(byte(w.Status))
	enc.WriteString(w.PortalID)
	enc.WriteString(w.Reason)
	return enc.Bytes()
}

// Frame wraps w in a WELCOME frame.
func (w *Welcome) Frame() Frame { return Frame{Type: FrameWelcome, Body: w.Encode()} }

// DecodeWelcome parses a WELCOME body.
func DecodeWelcome(data []byte) (*Welcome, error) {
	d := NewDecoder(data)
	w := &Welcome{}

	status, err := d.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("welcome status: %w", err)
	}
	w.Status = Status(status)
	if w.PortalID, err = d.ReadString(); err != nil {
		return nil, fmt.Errorf("welcome portal id: %w", err)
	}
	if w.Reason, err = d.ReadString(); err != nil {
		return nil, fmt.Errorf("welcome reason: %w", err)
	}
	return w, nil
}

// Ack confirms the Server dispatched the envelope with Seq for a session.
type Ack struct {
	SessionID string
	Seq       uint64
}

// Frame wraps a in an ACK frame.
func (a *Ack) Frame() Frame {
	enc := NewEncoder()
	enc.WriteString(a.SessionID)
	enc.WriteUvarint(a.Seq)
	return Frame{Type: FrameAck, Body: enc.Bytes()}
}

// DecodeAck parses an ACK body.
func DecodeAck(data []byte) (*Ack, error) {
	d := NewDecoder(data)
	sid, err := d.ReadString()
	if err != nil {
		return nil, fmt.Errorf("ack session id: %w", err)
	}
	seq, err := d.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("ack seq: %w", err)
	}
	return &Ack{SessionID: sid, Seq: seq}, nil
}

// PingFrame returns a PING carrying nonce.
func PingFrame(nonce uint64) Frame {
	enc := NewEncoderWithCap(8)
	enc.WriteUint64(nonce)
	return Frame{Type: FramePing, Body: enc.Bytes()}
}

// PongFrame answers a PING with the same nonce.
func PongFrame(nonce uint64) Frame {
	enc := NewEncoderWithCap(8)
	enc.WriteUint64(nonce)
	return Frame{Type: FramePong, Body: enc.Bytes()}
}

// DecodeNonce reads the nonce of a PING or PONG body.
func DecodeNonce(data []byte) (uint64, error) {
	return NewDecoder(data).ReadUint64()
}
