// Package control implements the Control Link between the Portal and
// the Server: the framed connection, its heartbeat, the Portal-side
// listener that admits exactly one Server, the Server-side dialer and
// the one-shot launcher client used by the admin verbs.
package control

import (
	"fmt"
	"time"

	"mudgate/internal/envelope"
)

// State is the Control Link state.
type State int32

const (
	StateDisconnected State = iota
	StateHandshaking
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Defaults.
const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultHeartbeatTimeout  = 6 * time.Second
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultQueueSize         = 4096
)

// LinkConfig tunes a Link.  Zero values select the defaults.
type LinkConfig struct {
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long the link may stay silent before it
	// is declared dead.  Any frame counts as a sign of life.
	HeartbeatTimeout time.Duration
	QueueSize        int
	MaxFrameSize     int
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = envelope.DefaultMaxFrameSize
	}
	return c
}

// Handler receives what the peer sends over a Link.  Both methods are
// called from the link's single reader goroutine, in arrival order.
// An error that is link-scoped ends the link; any other error is
// logged and the link keeps running.
type Handler interface {
	HandleEnvelope(e *envelope.Envelope) error
	HandleAck(a *envelope.Ack) error
}
