// Package envelope defines the canonical message unit exchanged between
// the Portal and the Server, its binary encoding, and the
// length-prefixed frames that carry it over the control link.
//
// Wire format on the control link:
//
//	version byte (once, first byte from each side)
//	┌──────────────────────┬────────────┬──────────────────────┐
//	│ Length (4 bytes, BE) │ Frame Type │ Body (Length-1 bytes)│
//	└──────────────────────┴────────────┴──────────────────────┘
//
// An ENVELOPE frame body is:
//
//	kind (1) | session id (uvarint len + bytes) | seq (uvarint) | payload (uvarint len + bytes)
package envelope

import "fmt"

// Kind identifies what an Envelope means to the receiver.
type Kind uint8

const (
	KindData       Kind = 0x01 // text to or from a client
	KindConnect    Kind = 0x02 // session completed its handshake
	KindDisconnect Kind = 0x03 // session ended (payload: reason)
	KindOOB        Kind = 0x04 // out-of-band command (GMCP, webclient cmds)
	KindAdmin      Kind = 0x05 // control-plane operation (payload: JSON)
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindConnect:
		return "CONNECT"
	case KindDisconnect:
		return "DISCONNECT"
	case KindOOB:
		return "OOB"
	case KindAdmin:
		return "ADMIN"
	default:
		return fmt.Sprintf("Kind(0x%02x)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k >= KindData && k <= KindAdmin
}

// Envelope is one typed message for one session.
//
// Seq is assigned by the sender, per session and per direction,
// starting at 1.  ADMIN envelopes with an empty SessionID are
// link-scoped and carry Seq 0.
type Envelope struct {
	SessionID string
	Kind      Kind
	Seq       uint64
	Payload   []byte
}

// String returns a short description for logs (payload elided).
func (e *Envelope) String() string {
	return fmt.Sprintf("%s session=%s seq=%d len=%d", e.Kind, e.SessionID, e.Seq, len(e.Payload))
}

// Clone returns a deep copy so buffered envelopes never alias a
// caller's payload slice.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return &c
}

// Sequenced reports whether the receiver must apply duplicate
// detection to e.
func (e *Envelope) Sequenced() bool {
	return e.SessionID != "" && e.Seq > 0
}

// Encode returns the binary body of an ENVELOPE frame.
func (e *Envelope) Encode() []byte {
	enc := NewEncoderWithCap(16 + len(e.SessionID) + len(e.Payload))
	enc.PutByte(byte(e.Kind))
	enc.WriteString(e.SessionID)
	enc.WriteUvarint(e.Seq)
	enc.WriteLenBytes(e.Payload)
	return enc.Bytes()
}

// Decode parses the binary body of an ENVELOPE frame.
func Decode(data []byte) (*Envelope, error) {
	d := NewDecoder(data)

	kind, err := d.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("envelope kind: %w", err)
	}
	if !Kind(kind).Valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidKind, kind)
	}
	sid, err := d.ReadString()
	if err != nil {
		return nil, fmt.Errorf("envelope session id: %w", err)
	}
	seq, err := d.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("envelope seq: %w", err)
	}
	payload, err := d.ReadLenBytes()
	if err != nil {
		return nil, fmt.Errorf("envelope payload: %w", err)
	}
	if !d.EOF() {
		return nil, fmt.Errorf("envelope: %d trailing bytes", d.Remaining())
	}

	return &Envelope{
		SessionID: sid,
		Kind:      Kind(kind),
		Seq:       seq,
		Payload:   append([]byte(nil), payload...),
	}, nil
}
