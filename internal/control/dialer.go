package control

import (
	"context"
	"fmt"
	"time"

	"mudgate/internal/envelope"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/metrics"
	"mudgate/internal/retry"
	"mudgate/internal/transport"
	"mudgate/util"
)

// DialConfig configures the Server side of the Control Link.
type DialConfig struct {
	Addr             string
	InstanceID       string
	LogicVersion     string
	Dialer           transport.Dialer // nil dials plain TCP
	HandshakeTimeout time.Duration
	Link             LinkConfig
	// Backoff paces redials in DialRetry.  nil uses retry.DefaultBackoff.
	Backoff *retry.Backoff
}

func (c DialConfig) dialer() transport.Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return &transport.TCPDialer{Timeout: c.handshakeTimeout()}
}

func (c DialConfig) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// Dial makes one attempt to attach to the Portal as its Server.  The
// returned Link is not running yet.  A rejection because another
// Server is attached, or because of a version mismatch, wraps
// ErrAlreadyAttached or ErrVersionMismatch.
func Dial(ctx context.Context, cfg DialConfig, log *util.Logger, m *metrics.Collector) (*Link, *envelope.Welcome, error) {
	conn, err := cfg.dialer().Dial(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, nil, mgerr.Link(cfg.Addr, "dial", err)
	}

	hello := &envelope.Hello{
		Role:         envelope.RoleServer,
		InstanceID:   cfg.InstanceID,
		LogicVersion: cfg.LogicVersion,
	}
	w, err := clientHandshake(conn, hello, cfg.handshakeTimeout())
	if err != nil {
		conn.Close()
		if w != nil && w.Status == envelope.StatusAlreadyAttached {
			m.LinkRejected()
		}
		return nil, w, mgerr.Link(cfg.Addr, "handshake", err)
	}
	return NewLink(conn, w.PortalID, cfg.Link, log, m), w, nil
}

// DialRetry dials until a Portal accepts, ctx is done, or the Portal
// rejects the attach outright.
func DialRetry(ctx context.Context, cfg DialConfig, log *util.Logger, m *metrics.Collector) (*Link, *envelope.Welcome, error) {
	b := cfg.Backoff
	if b == nil {
		b = retry.DefaultBackoff()
	}
	bo := *b
	bo.OnRetry = func(attempt int, err error, wait time.Duration) {
		if attempt == 1 {
			log.Info("waiting for portal on %s: %v", cfg.Addr, err)
		} else {
			log.Debug("dial attempt %d failed: %v (next in %s)", attempt, err, wait.Truncate(time.Millisecond))
		}
	}

	var (
		link *Link
		w    *envelope.Welcome
	)
	err := bo.Do(ctx, func(int) error {
		var err error
		link, w, err = Dial(ctx, cfg, log, m)
		if err != nil && !mgerr.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, w, fmt.Errorf("attach to portal: %w", err)
	}
	return link, w, nil
}
