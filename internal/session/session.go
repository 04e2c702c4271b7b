// Package session holds the Portal's authoritative view of every
// connected client: the Session data model, its lifecycle, the
// per-session Outage Buffer and the Registry that routes envelopes
// between client transports and the Control Link.
//
// Sessions decouple the game from concrete protocols: the Registry only
// sees a [Transport], so a telnet socket, an SSH channel and a browser
// long-poll look the same once the adapter handshake is complete.
package session

import (
	"fmt"
	"sync"
	"time"

	"mudgate/internal/envelope"
	"mudgate/util"
)

// State is a session lifecycle state.
type State int32

const (
	StateConnecting State = iota // accepted, adapter handshake running
	StateActive                  // routed live to the Server
	StateSuspended               // control link down; inbound is buffered
	StateClosing                 // transport gone; waiting for DISCONNECT ack
	StateClosed                  // removed from the registry
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Color is the richest color mode a client advertised.
type Color string

const (
	ColorNone      Color = "none"
	ColorANSI      Color = "ansi"
	ColorXterm256  Color = "xterm256"
	ColorTruecolor Color = "truecolor"
)

// Capabilities describe what a client can render.
type Capabilities struct {
	Encoding   string            `json:"encoding"`
	Color      Color             `json:"color"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	ClientName string            `json:"client_name,omitempty"`
	Raw        map[string]string `json:"raw,omitempty"`
}

// DefaultCapabilities is what a session starts with before the adapter
// has learned anything from the client.
func DefaultCapabilities() Capabilities {
	return Capabilities{Encoding: "utf-8", Color: ColorNone, Width: 80, Height: 24}
}

// Transport is the client side of a session as the Registry sees it.
// Every protocol adapter satisfies it.
type Transport interface {
	Protocol() string
	RemoteAddr() string
	WriteMessage(m envelope.Message) error
	Close(reason string) error
}

// Info is the mirrored view of a session.  It is the CONNECT payload
// and one entry of the portal-sync list the Server rebuilds from.
type Info struct {
	ID           string       `json:"id"`
	Protocol     string       `json:"protocol"`
	RemoteAddr   string       `json:"remote_addr"`
	Capabilities Capabilities `json:"capabilities"`
	Credentials  []byte       `json:"credentials,omitempty"`
	AuthToken    string       `json:"auth_token,omitempty"`
	PuppetToken  string       `json:"puppet_token,omitempty"`
	State        string       `json:"state"`
	ConnectedAt  time.Time    `json:"connected_at"`
	LastAcked    uint64       `json:"last_acked"`
	LastOutSeq   uint64       `json:"last_out_seq"`
	GapCount     uint64       `json:"gap_count"`
}

// Session is one client connection.  ID, Protocol, RemoteAddr and
// ConnectedAt never change; everything else is guarded by mu.
type Session struct {
	ID          string
	Protocol    string
	RemoteAddr  string
	ConnectedAt time.Time

	transport Transport
	log       *util.Logger
	ip        string
	released  bool // guarded by the Registry's mutex

	// out feeds the session's writer goroutine; the Control Link reader
	// never blocks on a client socket.
	out       chan outItem
	stop      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once

	mu          sync.Mutex
	state       State
	caps        Capabilities
	credentials []byte
	authToken   string
	puppetToken string

	buf      *OutageBuffer
	gapCount uint64
	inSeq    uint64 // last seq assigned toward the Server
	acked    uint64 // highest seq the Server acknowledged
	outSeq   uint64 // last seq accepted from the Server
	linkGen  uint64 // control link generation this session is synced to
	sentSeq  uint64 // highest seq handed to the link at linkGen

	closeReason   string
	disconnectSeq uint64 // seq of our DISCONNECT; 0 until closing
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns a copy of the client's capabilities.
func (s *Session) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// GapCount returns how many envelopes were lost to buffer overflow.
func (s *Session) GapCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gapCount
}

// Buffered returns the number of envelopes awaiting acknowledgement.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// CloseReason returns why the session is closing, if it is.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Log returns the session's child logger ("session=<id>").
func (s *Session) Log() *util.Logger { return s.log }

// Info returns the mirrored view of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	caps := s.caps
	if s.caps.Raw != nil {
		caps.Raw = make(map[string]string, len(s.caps.Raw))
		for k, v := range s.caps.Raw {
			caps.Raw[k] = v
		}
	}
	return Info{
		ID:           s.ID,
		Protocol:     s.Protocol,
		RemoteAddr:   s.RemoteAddr,
		Capabilities: caps,
		Credentials:  s.credentials,
		AuthToken:    s.authToken,
		PuppetToken:  s.puppetToken,
		State:        s.state.String(),
		ConnectedAt:  s.ConnectedAt,
		LastAcked:    s.acked,
		LastOutSeq:   s.outSeq,
		GapCount:     s.gapCount,
	}
}
