package control

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"mudgate/internal/envelope"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/metrics"
	"mudgate/util"
)

// PortalHandler is the Portal's side of the control port.
type PortalHandler interface {
	Handler

	// Attach is called once a Server has been welcomed and its link is
	// running.  It sends portal-sync and resumes the registry.
	Attach(l *Link, hello *envelope.Hello)
	// Detach is called after the Server's link ended.  err is nil for
	// a local shutdown.
	Detach(l *Link, err error)
	// HandleAdmin answers one launcher request.  then, when non-nil,
	// runs in its own goroutine after the reply has been written and
	// the launcher closed.
	HandleAdmin(ctx context.Context, req *Admin) (reply *Admin, then func())
}

// ListenerConfig configures the control port.
type ListenerConfig struct {
	Addr             string
	PortalID         string
	HandshakeTimeout time.Duration
	Link             LinkConfig
}

// Listener is the Portal's control port.  It admits at most one Server
// link at a time; launcher connections are served alongside and never
// count as the link.
type Listener struct {
	cfg     ListenerConfig
	handler PortalHandler
	log     *util.Logger
	metrics *metrics.Collector
	ln      net.Listener

	mu      sync.Mutex
	current *Link
	hello   *envelope.Hello
	state   State

	wg sync.WaitGroup
}

// Listen binds the control port.  Only loopback addresses are allowed.
func Listen(cfg ListenerConfig, h PortalHandler, log *util.Logger, m *metrics.Collector) (*Listener, error) {
	host := util.HostOnly(cfg.Addr)
	if !util.IsLoopbackHost(host) {
		return nil, &mgerr.ConfigError{
			Field:   "control.host",
			Value:   host,
			Message: "the control port must bind a loopback address",
			Hint:    "reach a remote portal through an ssh jump host",
		}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen control on %s: %w", cfg.Addr, err)
	}
	return &Listener{
		cfg:     cfg,
		handler: h,
		log:     log.With("control"),
		metrics: m,
		ln:      ln,
	}, nil
}

// Addr returns the bound address.
func (ln *Listener) Addr() net.Addr { return ln.ln.Addr() }

// Current returns the attached Server link, or nil.
func (ln *Listener) Current() *Link {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.current
}

// State returns the Server link state.
func (ln *Listener) State() State {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.state
}

// ServerHello returns the attached Server's HELLO, or nil.
func (ln *Listener) ServerHello() *envelope.Hello {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.hello
}

// Serve accepts control connections until ctx is done or Close is
// called.
func (ln *Listener) Serve(ctx context.Context) error {
	ln.log.Verbose("listening on %s", ln.ln.Addr())

	go func() {
		<-ctx.Done()
		ln.ln.Close()
	}()

	for {
		conn, err := ln.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				ln.wg.Wait()
				return nil
			default:
			}
			if util.IsClosed(err) {
				ln.wg.Wait()
				return nil
			}
			return fmt.Errorf("control accept: %w", err)
		}
		ln.wg.Add(1)
		go func() {
			defer ln.wg.Done()
			ln.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting and drops the Server link.
func (ln *Listener) Close() error {
	err := ln.ln.Close()
	if l := ln.Current(); l != nil {
		_ = l.Close()
	}
	return err
}

func (ln *Listener) serveConn(ctx context.Context, conn net.Conn) {
	log := ln.log.With("peer=" + conn.RemoteAddr().String())
	_ = conn.SetDeadline(time.Now().Add(ln.cfg.HandshakeTimeout))

	hello, err := serverHello(conn, ln.cfg.PortalID)
	if err != nil {
		if mgerr.Is(err, mgerr.ErrVersionMismatch) {
			ln.metrics.LinkRejected()
		}
		log.Warn("control handshake: %v", err)
		conn.Close()
		return
	}

	switch hello.Role {
	case envelope.RoleServer:
		ln.serveServer(ctx, conn, hello, log)
	case envelope.RoleLauncher:
		ln.serveLauncher(ctx, conn, log)
	default:
		reject(conn, ln.cfg.PortalID, envelope.StatusBadRole, "unknown role "+hello.Role.String())
		log.Warn("rejecting %s", hello.Role)
		conn.Close()
	}
}

func (ln *Listener) serveServer(ctx context.Context, conn net.Conn, hello *envelope.Hello, log *util.Logger) {
	ln.mu.Lock()
	if ln.current != nil {
		attached := ln.current.PeerID
		ln.mu.Unlock()
		reject(conn, ln.cfg.PortalID, envelope.StatusAlreadyAttached, "server "+attached+" is attached")
		ln.metrics.LinkRejected()
		log.Warn("rejecting server %s: %s is already attached", hello.InstanceID, attached)
		conn.Close()
		return
	}
	ln.state = StateHandshaking
	if err := welcome(conn, ln.cfg.PortalID); err != nil {
		ln.state = StateDisconnected
		ln.mu.Unlock()
		log.Warn("welcome server %s: %v", hello.InstanceID, err)
		conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})
	link := NewLink(conn, hello.InstanceID, ln.cfg.Link, ln.log, ln.metrics)
	ln.current = link
	ln.hello = hello
	ln.state = StateConnected
	ln.mu.Unlock()

	ln.metrics.LinkAttached()
	link.Log().Info("server attached (logic %s)", hello.LogicVersion)

	runErr := make(chan error, 1)
	go func() { runErr <- link.Run(ctx, ln.handler) }()
	ln.handler.Attach(link, hello)
	err := <-runErr

	ln.mu.Lock()
	if ln.current == link {
		ln.current = nil
		ln.hello = nil
		ln.state = StateDisconnected
	}
	ln.mu.Unlock()

	ln.metrics.LinkLost()
	ln.handler.Detach(link, err)
}

func (ln *Listener) serveLauncher(ctx context.Context, conn net.Conn, log *util.Logger) {
	if err := welcome(conn, ln.cfg.PortalID); err != nil {
		log.Debug("welcome launcher: %v", err)
		conn.Close()
		return
	}

	f, err := envelope.ReadFrame(conn, 0)
	if err != nil {
		log.Debug("launcher request: %v", err)
		conn.Close()
		return
	}
	var req *Admin
	if f.Type == envelope.FrameEnvelope {
		var e *envelope.Envelope
		if e, err = envelope.Decode(f.Body); err == nil {
			req, err = DecodeAdmin(e)
		}
	} else {
		err = fmt.Errorf("expected ENVELOPE, got %s", f.Type)
	}
	if err != nil {
		log.Warn("bad launcher request: %v", err)
		conn.Close()
		return
	}

	log.Info("launcher requested %s", req.Op)
	reply, then := ln.handler.HandleAdmin(ctx, req)
	if reply == nil {
		reply = Reply(nil)
	}
	if e, err := reply.Envelope(""); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(ln.cfg.HandshakeTimeout))
		if werr := envelope.WriteFrame(conn, envelope.EnvelopeFrame(e)); werr != nil {
			log.Debug("launcher reply: %v", werr)
		}
	}
	conn.Close()

	if then != nil {
		// then may shut this listener down, so it must not hold wg.
		go then()
	}
}
