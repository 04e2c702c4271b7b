package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"mudgate/internal/envelope"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/metrics"
	"mudgate/util"
)

// errClosed ends the link's goroutines after a local Close.
var errClosed = errors.New("control link closed locally")

type outFrame struct {
	f       envelope.Frame
	flushed chan struct{} // set for flush markers only
}

// Link is an established Control Link.  Every write goes through one
// send queue drained by a single writer goroutine, so frames leave in
// the order Send was called.
type Link struct {
	// PeerID is the peer's instance id (Server) or portal id (Portal).
	PeerID string

	conn    net.Conn
	cfg     LinkConfig
	log     *util.Logger
	metrics *metrics.Collector

	sendq     chan outFrame
	done      chan struct{}
	closeOnce sync.Once

	state    atomic.Int32
	lastRecv atomic.Int64
	nonce    atomic.Uint64

	errMu sync.Mutex
	err   error
}

// NewLink wraps a conn that has completed the HELLO/WELCOME exchange.
// Nothing is read or written until Run.
func NewLink(conn net.Conn, peerID string, cfg LinkConfig, log *util.Logger, m *metrics.Collector) *Link {
	cfg = cfg.withDefaults()
	l := &Link{
		PeerID:  peerID,
		conn:    conn,
		cfg:     cfg,
		log:     log.With("link=" + peerID),
		metrics: m,
		sendq:   make(chan outFrame, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	l.state.Store(int32(StateConnected))
	l.touch()
	return l
}

// State returns the link state.
func (l *Link) State() State { return State(l.state.Load()) }

// Done is closed once the link has shut down.
func (l *Link) Done() <-chan struct{} { return l.done }

// Err returns why the link ended, or nil while it runs or after a
// local Close.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Log returns the link's child logger ("link=<peer>").
func (l *Link) Log() *util.Logger { return l.log }

// ── Sending ──────────────────────────────────────────────────────────

// Send queues e for the peer.  It blocks while the queue is full and
// fails with ErrLinkDown once the link is closed.
func (l *Link) Send(e *envelope.Envelope) error {
	if err := l.enqueue(outFrame{f: envelope.EnvelopeFrame(e)}); err != nil {
		return err
	}
	l.metrics.EnvelopeOut(e.Kind.String())
	return nil
}

// SendAck acknowledges the envelope with seq for a session.
func (l *Link) SendAck(sessionID string, seq uint64) error {
	a := envelope.Ack{SessionID: sessionID, Seq: seq}
	return l.enqueue(outFrame{f: a.Frame()})
}

// SendAdmin queues an ADMIN envelope.
func (l *Link) SendAdmin(sessionID string, a *Admin) error {
	e, err := a.Envelope(sessionID)
	if err != nil {
		return err
	}
	return l.Send(e)
}

// Flush waits until everything queued before the call is written.
func (l *Link) Flush(ctx context.Context) error {
	marker := outFrame{flushed: make(chan struct{})}
	if err := l.enqueue(marker); err != nil {
		return err
	}
	select {
	case <-marker.flushed:
		return nil
	case <-l.done:
		return mgerr.Link(l.PeerID, "flush", mgerr.ErrLinkDown)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) enqueue(f outFrame) error {
	select {
	case <-l.done:
		return mgerr.Link(l.PeerID, "send", mgerr.ErrLinkDown)
	default:
	}
	select {
	case l.sendq <- f:
		return nil
	case <-l.done:
		return mgerr.Link(l.PeerID, "send", mgerr.ErrLinkDown)
	}
}

// ── Running ──────────────────────────────────────────────────────────

// Run drives the link until it fails, ctx is cancelled or Close is
// called.  It returns the failure, or nil for a local shutdown.
func (l *Link) Run(ctx context.Context, h Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.writeLoop(gctx) })
	g.Go(func() error { return l.readLoop(h) })
	g.Go(func() error { return l.heartbeat(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-l.done:
		}
		l.shutdown(nil)
		return errClosed
	})

	err := g.Wait()
	if cause := l.Err(); cause != nil {
		err = cause
	} else if errors.Is(err, errClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		l.setErr(err)
		l.log.Warn("control link lost: %v", err)
	} else {
		l.log.Verbose("control link closed")
	}
	return err
}

// Close shuts the link down.  Queued frames that were not written yet
// are dropped; call Flush first to send them.
func (l *Link) Close() error {
	l.shutdown(nil)
	return nil
}

func (l *Link) shutdown(cause error) {
	l.closeOnce.Do(func() {
		if cause != nil {
			l.setErr(cause)
		}
		l.state.Store(int32(StateDisconnected))
		close(l.done)
		_ = l.conn.Close()
	})
}

func (l *Link) setErr(err error) {
	l.errMu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.errMu.Unlock()
}

func (l *Link) touch() { l.lastRecv.Store(time.Now().UnixNano()) }

func (l *Link) writeLoop(ctx context.Context) error {
	for {
		select {
		case of := <-l.sendq:
			if of.flushed != nil {
				close(of.flushed)
				continue
			}
			_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.HeartbeatTimeout))
			if err := envelope.WriteFrame(l.conn, of.f); err != nil {
				return l.fail("write", err)
			}
		case <-l.done:
			return errClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Link) readLoop(h Handler) error {
	for {
		f, err := envelope.ReadFrame(l.conn, l.cfg.MaxFrameSize)
		if err != nil {
			return l.fail("read", err)
		}
		l.touch()

		switch f.Type {
		case envelope.FramePing:
			nonce, err := envelope.DecodeNonce(f.Body)
			if err != nil {
				return l.fail("read", fmt.Errorf("bad ping: %w", err))
			}
			if err := l.enqueue(outFrame{f: envelope.PongFrame(nonce)}); err != nil {
				return errClosed
			}

		case envelope.FramePong:
			// lastRecv already updated

		case envelope.FrameEnvelope:
			e, err := envelope.Decode(f.Body)
			if err != nil {
				l.log.Warn("dropping undecodable envelope: %v", err)
				continue
			}
			l.metrics.EnvelopeIn(e.Kind.String())
			if err := h.HandleEnvelope(e); err != nil {
				if mgerr.IsLinkScoped(err) {
					return l.fail("dispatch", err)
				}
				l.log.Debug("%s: %v", e, err)
			}

		case envelope.FrameAck:
			a, err := envelope.DecodeAck(f.Body)
			if err != nil {
				l.log.Warn("dropping undecodable ack: %v", err)
				continue
			}
			if err := h.HandleAck(a); err != nil {
				l.log.Debug("ack %s seq=%d: %v", a.SessionID, a.Seq, err)
			}

		default:
			l.log.Warn("unexpected %s frame on established link", f.Type)
		}
	}
}

func (l *Link) heartbeat(ctx context.Context) error {
	t := time.NewTicker(l.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			silent := time.Since(time.Unix(0, l.lastRecv.Load()))
			if silent > l.cfg.HeartbeatTimeout {
				return l.fail("heartbeat", fmt.Errorf("%w: no frame for %s", mgerr.ErrLinkDown, silent.Truncate(time.Millisecond)))
			}
			if err := l.enqueue(outFrame{f: envelope.PingFrame(l.nonce.Add(1))}); err != nil {
				return errClosed
			}
		case <-l.done:
			return errClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fail records a link failure unless the link is already shutting
// down, in which case the error is a side effect of Close.
func (l *Link) fail(op string, err error) error {
	select {
	case <-l.done:
		return errClosed
	default:
	}
	if errors.Is(err, io.EOF) || util.IsClosed(err) {
		err = fmt.Errorf("%w: %v", mgerr.ErrLinkDown, err)
	}
	lerr := mgerr.Link(l.PeerID, op, err)
	l.shutdown(lerr)
	return lerr
}
