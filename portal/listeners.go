package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mudgate/internal/control"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/protocol"
	"mudgate/util"
)

// streamListener is a raw TCP listener whose connections are wrapped
// by one adapter.
type streamListener struct {
	name string
	ln   net.Listener
	wrap func(net.Conn) protocol.Conn
}

// httpListener serves one HTTP-based adapter or the metrics router.
type httpListener struct {
	name string
	ln   net.Listener
	srv  *http.Server
}

// ── Binding ──────────────────────────────────────────────────────────

// bind opens every configured listener.  The first failure aborts
// startup; the caller closes whatever was already bound.
func (p *Portal) bind(ctx context.Context) error {
	ctl, err := control.Listen(control.ListenerConfig{
		Addr:             p.cfg.ControlAddr,
		PortalID:         p.cfg.PortalID,
		HandshakeTimeout: p.cfg.HandshakeTimeout,
		Link:             p.cfg.Link,
	}, p, p.cfg.Logger, p.metrics)
	if err != nil {
		return err
	}
	p.ctl = ctl
	p.setAddr(ListenControl, ctl.Addr())

	opts := p.cfg.Adapter
	accept := func(c protocol.Conn) { p.serve(ctx, c) }

	if addr := p.cfg.TelnetAddr; addr != "" {
		if err := p.bindStream(ListenTelnet, addr, func(c net.Conn) protocol.Conn {
			return protocol.NewTelnet(c, opts)
		}); err != nil {
			return err
		}
	}
	if addr := p.cfg.TLSAddr; addr != "" {
		tlsCfg, err := protocol.TLSConfig(p.cfg.TLSCertFile, p.cfg.TLSKeyFile, p.cfg.TLSHosts)
		if err != nil {
			return fmt.Errorf("tls listener: %w", err)
		}
		if err := p.bindStream(ListenTLS, addr, func(c net.Conn) protocol.Conn {
			return protocol.NewTLSTelnet(c, tlsCfg, opts)
		}); err != nil {
			return err
		}
	}
	if addr := p.cfg.SSHAddr; addr != "" {
		srv, err := protocol.NewSSHServer(p.cfg.SSHHostKeyFile, opts)
		if err != nil {
			return fmt.Errorf("ssh listener: %w", err)
		}
		if err := p.bindStream(ListenSSH, addr, func(c net.Conn) protocol.Conn {
			return srv.NewConn(c)
		}); err != nil {
			return err
		}
	}
	if addr := p.cfg.WebSocketAddr; addr != "" {
		if err := p.bindHTTP(ListenWebSocket, addr, protocol.WebSocketHandler(opts, accept)); err != nil {
			return err
		}
	}
	if addr := p.cfg.WebclientAddr; addr != "" {
		p.webclient = protocol.NewWebclient(opts, p.cfg.PollTimeout, accept)
		if err := p.bindHTTP(ListenWebclient, addr, p.webclient.Handler()); err != nil {
			return err
		}
	}
	if addr := p.cfg.MetricsAddr; addr != "" {
		if err := p.bindHTTP(ListenMetrics, addr, p.metricsRouter()); err != nil {
			return err
		}
	}
	return nil
}

func (p *Portal) bindStream(name, addr string, wrap func(net.Conn) protocol.Conn) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s on %s: %w", name, addr, err)
	}
	p.streams = append(p.streams, streamListener{name: name, ln: ln, wrap: wrap})
	p.setAddr(name, ln.Addr())
	return nil
}

func (p *Portal) bindHTTP(name, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s on %s: %w", name, addr, err)
	}
	p.https = append(p.https, httpListener{
		name: name,
		ln:   ln,
		srv:  &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second},
	})
	p.setAddr(name, ln.Addr())
	return nil
}

// ── Serving ──────────────────────────────────────────────────────────

func (p *Portal) acceptLoop(ctx context.Context, sl streamListener) error {
	log := p.log.With(sl.name)
	log.Verbose("listening on %s", sl.ln.Addr())
	for {
		conn, err := sl.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || util.IsClosed(err) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Warn("accept: %v", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return mgerr.Transport("", "accept", sl.ln.Addr().String(), err)
		}
		go p.serve(ctx, sl.wrap(conn))
	}
}

func (p *Portal) serveHTTP(hl httpListener) error {
	p.log.With(hl.name).Verbose("listening on %s", hl.ln.Addr())
	if err := hl.srv.Serve(hl.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http %s on %s: %w", hl.name, hl.ln.Addr(), err)
	}
	return nil
}

// serve runs one client connection from accept to close: register,
// adapter handshake, CONNECT, then route every message until the
// transport ends.
func (p *Portal) serve(ctx context.Context, c protocol.Conn) {
	s, err := p.registry.Register(c)
	if err != nil {
		p.log.Warn("refusing %s client %s: %v", c.Protocol(), c.RemoteAddr(), err)
		_ = c.Close(ReasonLimit)
		return
	}
	c.SetLogger(s.Log())

	hctx, cancel := context.WithTimeout(ctx, p.handshakeBound())
	caps, err := c.Handshake(hctx)
	cancel()
	if err != nil {
		s.Log().Warn("handshake: %v", err)
		_ = p.registry.Close(s.ID, "handshake failed: "+err.Error())
		return
	}
	if err := p.registry.Connect(s.ID, caps, c.Credentials()); err != nil {
		s.Log().Warn("connect: %v", err)
		_ = p.registry.Close(s.ID, "connect failed")
		return
	}

	for {
		m, err := c.ReadMessage()
		if err != nil {
			if mgerr.IsDiscardable(err) {
				s.Log().Debug("dropping input: %v", err)
				continue
			}
			_ = p.registry.Close(s.ID, closeReason(err))
			return
		}
		p.metrics.BytesReceived(len(m.Text))
		if err := p.registry.RouteInbound(s.ID, m); err != nil {
			if mgerr.Is(err, mgerr.ErrSessionClosed) || mgerr.Is(err, mgerr.ErrUnknownSession) {
				return
			}
			s.Log().Debug("route: %v", err)
		}
	}
}

func (p *Portal) handshakeBound() time.Duration {
	if d := p.cfg.Adapter.HandshakeTimeout; d > 0 {
		return d
	}
	return protocol.DefaultHandshakeTimeout
}

func closeReason(err error) string {
	if util.IsClosed(err) {
		return "connection closed"
	}
	var pe *mgerr.ProtocolError
	if mgerr.As(err, &pe) {
		return "protocol error: " + pe.Reason
	}
	return "connection lost: " + err.Error()
}

// ── Metrics endpoint ─────────────────────────────────────────────────

func (p *Portal) metricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", p.metrics.Handler())
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(p.Status())
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if p.ctl != nil && p.ctl.Current() == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("no server attached"))
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
