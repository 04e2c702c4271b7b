package control

import (
	"fmt"
	"net"
	"time"

	"mudgate/internal/envelope"
	mgerr "mudgate/internal/errors"
)

// clientHandshake runs the dialing side of the exchange: version byte
// and HELLO out, version byte and WELCOME back.  A WELCOME with a
// non-ok status becomes the matching sentinel error.
func clientHandshake(conn net.Conn, hello *envelope.Hello, timeout time.Duration) (*envelope.Welcome, error) {
	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{}) //nolint:errcheck

	if hello.Version == 0 {
		hello.Version = envelope.ProtocolVersion
	}
	if err := envelope.WriteVersion(conn); err != nil {
		return nil, fmt.Errorf("write version: %w", err)
	}
	if err := envelope.WriteFrame(conn, hello.Frame()); err != nil {
		return nil, fmt.Errorf("write hello: %w", err)
	}

	if _, err := envelope.ReadVersion(conn); err != nil {
		if mgerr.Is(err, envelope.ErrVersionUnknown) {
			return nil, fmt.Errorf("%w: %v", mgerr.ErrVersionMismatch, err)
		}
		return nil, fmt.Errorf("read version: %w", err)
	}
	f, err := envelope.ReadFrame(conn, 0)
	if err != nil {
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if f.Type != envelope.FrameWelcome {
		return nil, fmt.Errorf("%w: expected WELCOME, got %s", mgerr.ErrHandshake, f.Type)
	}
	w, err := envelope.DecodeWelcome(f.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mgerr.ErrHandshake, err)
	}

	switch w.Status {
	case envelope.StatusOK:
		return w, nil
	case envelope.StatusAlreadyAttached:
		return w, fmt.Errorf("portal %s: %w", w.PortalID, mgerr.ErrAlreadyAttached)
	case envelope.StatusVersionMismatch:
		return w, fmt.Errorf("portal %s: %w: %s", w.PortalID, mgerr.ErrVersionMismatch, w.Reason)
	default:
		return w, fmt.Errorf("portal %s: %w: %s (%s)", w.PortalID, mgerr.ErrHandshake, w.Status, w.Reason)
	}
}

// serverHello runs the first half of the accepting side: it writes our
// version byte and reads the peer's version byte and HELLO.  A version
// mismatch is answered here and reported as ErrVersionMismatch.
func serverHello(conn net.Conn, portalID string) (*envelope.Hello, error) {
	if err := envelope.WriteVersion(conn); err != nil {
		return nil, fmt.Errorf("write version: %w", err)
	}
	if v, err := envelope.ReadVersion(conn); err != nil {
		if mgerr.Is(err, envelope.ErrVersionUnknown) {
			reject(conn, portalID, envelope.StatusVersionMismatch, fmt.Sprintf("peer speaks version %d", v))
			return nil, fmt.Errorf("%w: %v", mgerr.ErrVersionMismatch, err)
		}
		return nil, fmt.Errorf("read version: %w", err)
	}

	f, err := envelope.ReadFrame(conn, 0)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if f.Type != envelope.FrameHello {
		return nil, fmt.Errorf("%w: expected HELLO, got %s", mgerr.ErrHandshake, f.Type)
	}
	h, err := envelope.DecodeHello(f.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mgerr.ErrHandshake, err)
	}
	if h.Version != envelope.ProtocolVersion {
		reject(conn, portalID, envelope.StatusVersionMismatch,
			fmt.Sprintf("hello version %d, want %d", h.Version, envelope.ProtocolVersion))
		return nil, fmt.Errorf("%w: hello version %d", mgerr.ErrVersionMismatch, h.Version)
	}
	return h, nil
}

func welcome(conn net.Conn, portalID string) error {
	w := envelope.Welcome{Status: envelope.StatusOK, PortalID: portalID}
	return envelope.WriteFrame(conn, w.Frame())
}

// reject answers a HELLO with a failed WELCOME.  The caller closes conn.
func reject(conn net.Conn, portalID string, status envelope.Status, reason string) {
	w := envelope.Welcome{Status: status, PortalID: portalID, Reason: reason}
	_ = envelope.WriteFrame(conn, w.Frame())
}
