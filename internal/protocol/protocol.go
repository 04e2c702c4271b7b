// Package protocol implements the client-facing Protocol Adapters.
// Each adapter turns one wire protocol (telnet, TLS telnet, SSH,
// WebSocket, HTTP long-poll) into the same [Conn]: a handshake that
// yields the client's capabilities, then a stream of [envelope.Message]
// values in both directions.
package protocol

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"mudgate/internal/envelope"
	"mudgate/internal/session"
	"mudgate/util"
)

// Protocol names as carried in Session.Protocol.
const (
	ProtoTelnet    = "telnet"
	ProtoTelnetTLS = "telnet+tls"
	ProtoSSH       = "ssh"
	ProtoWebSocket = "websocket"
	ProtoWebclient = "webclient"
)

// Conn is one client connection behind a protocol adapter.
//
// Handshake must be called once before ReadMessage.  ReadMessage is
// called from a single goroutine; WriteMessage and Close may be called
// from any goroutine.  ReadMessage returns a discardable
// *errors.ProtocolError for malformed input the session survives, and
// any other error once the transport is unusable.
type Conn interface {
	session.Transport

	Handshake(ctx context.Context) (session.Capabilities, error)
	ReadMessage() (envelope.Message, error)
	// Credentials returns the opaque login material the adapter
	// gathered during its handshake, or nil.
	Credentials() []byte
	// SetLogger replaces the adapter's logger, typically with the
	// session's child logger once an id is assigned.
	SetLogger(l *util.Logger)
}

// Options tune every adapter.  Zero values select the defaults.
type Options struct {
	HandshakeTimeout  time.Duration // TLS/SSH/WebSocket handshake bound
	NegotiationWindow time.Duration // telnet option negotiation window
	IdleTimeout       time.Duration // 0 disables
	WriteTimeout      time.Duration
	MaxLineLength     int
	PingInterval      time.Duration // WebSocket keepalive
	Logger            *util.Logger
}

// Defaults.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultNegotiationWindow = 500 * time.Millisecond
	DefaultWriteTimeout      = 10 * time.Second
	DefaultMaxLineLength     = 8192
	DefaultPingInterval      = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.NegotiationWindow <= 0 {
		o.NegotiationWindow = DefaultNegotiationWindow
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxLineLength <= 0 {
		o.MaxLineLength = DefaultMaxLineLength
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.Logger == nil {
		o.Logger = util.NewLogger(int(util.LogNormal))
	}
	return o
}

// AcceptFunc receives every connection an HTTP-based adapter creates.
// It owns the Conn from then on.
type AcceptFunc func(c Conn)

// clientOptions is the OOB message sent when a client's window size
// changes after the handshake.
func clientOptions(width, height int) envelope.Message {
	return envelope.OOB("client_options", nil, map[string]any{
		"screenwidth":  width,
		"screenheight": height,
	})
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
