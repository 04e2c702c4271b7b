package control

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mudgate/internal/envelope"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/transport"
)

// Request sends one admin request to the Portal as a launcher and
// returns its reply.  A reply carrying an error is returned together
// with that error.
func Request(ctx context.Context, d transport.Dialer, addr string, req *Admin, timeout time.Duration) (*Admin, error) {
	if d == nil {
		d = &transport.TCPDialer{Timeout: timeout}
	}
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	conn, err := d.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("portal not reachable on %s: %w", addr, err)
	}
	defer conn.Close()

	hello := &envelope.Hello{Role: envelope.RoleLauncher, InstanceID: "launcher-" + uuid.NewString()[:8]}
	if _, err := clientHandshake(conn, hello, timeout); err != nil {
		return nil, err
	}

	e, err := req.Envelope("")
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if err := envelope.WriteFrame(conn, envelope.EnvelopeFrame(e)); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Op, err)
	}

	f, err := envelope.ReadFrame(conn, 0)
	if err != nil {
		return nil, fmt.Errorf("read %s reply: %w", req.Op, err)
	}
	if f.Type != envelope.FrameEnvelope {
		return nil, fmt.Errorf("%w: expected ENVELOPE reply, got %s", mgerr.ErrHandshake, f.Type)
	}
	re, err := envelope.Decode(f.Body)
	if err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", req.Op, err)
	}
	reply, err := DecodeAdmin(re)
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return reply, fmt.Errorf("portal: %s: %s", req.Op, reply.Error)
	}
	return reply, nil
}
