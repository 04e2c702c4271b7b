// Package errors provides the error taxonomy shared by the Portal and
// the Server.
//
// Every failure belongs to one scope: a single session's transport, a
// single adapter's protocol state, the Control Link, or configuration.
// The scope decides the blast radius: transport errors end one session,
// protocol errors drop a fragment (or end the session when Fatal), link
// errors trigger a suspend/resume cycle and never touch client sockets.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrLinkDown        = errors.New("control link is down")
	ErrAlreadyAttached = errors.New("another server instance is already attached")
	ErrVersionMismatch = errors.New("control protocol version mismatch")
	ErrSessionClosed   = errors.New("session is closed")
	ErrUnknownSession  = errors.New("unknown session")
	ErrLimitExceeded   = errors.New("connection limit exceeded")
	ErrHandshake       = errors.New("handshake failed")
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
	ErrOutputFull      = errors.New("client output queue is full")

	// ErrRestart is returned by Server.Run after a clean restart so the
	// supervisor knows to start a new instance.
	ErrRestart = errors.New("server restart requested")
	// ErrReboot is returned by Portal.Run after a reboot so the caller
	// rebuilds the Portal from scratch.
	ErrReboot = errors.New("portal reboot requested")
)

// ── Structured error types ───────────────────────────────────────────

// TransportError is a socket-level failure scoped to one session
// (reset, TLS failure, write timeout).
type TransportError struct {
	SessionID string
	Op        string // "accept", "handshake", "read", "write"
	Addr      string // remote address
	Err       error
}

func (e *TransportError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("session %s: %s %s: %v", e.SessionID, e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is malformed data seen by an adapter.  Non-fatal
// protocol errors drop the offending fragment; fatal ones end the
// session with Reason as the diagnostic.
type ProtocolError struct {
	Protocol string
	Reason   string
	Fatal    bool
	Err      error
}

func (e *ProtocolError) Error() string {
	s := fmt.Sprintf("%s: %s", e.Protocol, e.Reason)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// LinkError is a Control Link failure: heartbeat timeout, reset, or a
// rejected handshake.  It is process-scoped.
type LinkError struct {
	LinkID string
	Op     string // "dial", "handshake", "read", "write", "heartbeat"
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("control link %s: %s: %v", e.LinkID, e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: %s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Transport wraps a socket failure for one session.
func Transport(sessionID, op, addr string, err error) *TransportError {
	return &TransportError{SessionID: sessionID, Op: op, Addr: addr, Err: err}
}

// Malformed builds a non-fatal ProtocolError.
func Malformed(protocol, reason string, err error) *ProtocolError {
	return &ProtocolError{Protocol: protocol, Reason: reason, Err: err}
}

// FatalProtocol builds a ProtocolError that ends the session.
func FatalProtocol(protocol, reason string, err error) *ProtocolError {
	return &ProtocolError{Protocol: protocol, Reason: reason, Fatal: true, Err: err}
}

// Link wraps a Control Link failure.
func Link(linkID, op string, err error) *LinkError {
	return &LinkError{LinkID: linkID, Op: op, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsSessionScoped reports whether err should end exactly one session:
// transport errors and fatal protocol errors.
func IsSessionScoped(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Fatal
	}
	return false
}

// IsDiscardable reports whether err is a non-fatal protocol error: the
// fragment is dropped and the session continues.
func IsDiscardable(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && !pe.Fatal
}

// IsLinkScoped reports whether err belongs to the Control Link.
func IsLinkScoped(err error) bool {
	if err == nil {
		return false
	}
	var le *LinkError
	return errors.As(err, &le) || errors.Is(err, ErrLinkDown)
}

// IsRetryable reports whether a control-link dial failure is worth
// retrying.  A rejected attach or version mismatch never is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAlreadyAttached) || errors.Is(err, ErrVersionMismatch) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true // refused / reset while the Portal is starting
	}
	return IsLinkScoped(err)
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use mudgate/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
