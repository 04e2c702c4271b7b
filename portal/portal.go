// Package portal is the long-lived half of mudgate.  It owns every
// client socket, runs the protocol adapters, keeps the session registry
// and relays envelopes to whichever Server is attached to the control
// port.  A Server restart never touches a client socket; a Portal
// reboot closes them all and rebuilds the process state.
package portal

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mudgate/internal/control"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/metrics"
	"mudgate/internal/protocol"
	"mudgate/internal/session"
	"mudgate/util"
)

// Listener names, as used by Addr and in log lines.
const (
	ListenTelnet    = "telnet"
	ListenWebclient = "webclient"
	ListenWebSocket = "websocket"
	ListenTLS       = "tls"
	ListenSSH       = "ssh"
	ListenMetrics   = "metrics"
	ListenControl   = "control"
)

// Reasons shown to clients.
const (
	ReasonReboot   = "The game is rebooting, please reconnect in a moment."
	ReasonShutdown = "The game is shutting down."
	ReasonLimit    = "Too many connections, try again later."
)

// DefaultStopGrace bounds how long Stop and Reboot wait for the
// attached Server to leave after it was asked to stop.
const DefaultStopGrace = 5 * time.Second

// Config holds everything a Portal needs.  An empty address disables
// the listener; ControlAddr is required.
type Config struct {
	PortalID string

	TelnetAddr    string
	WebclientAddr string
	WebSocketAddr string
	TLSAddr       string
	SSHAddr       string
	MetricsAddr   string
	ControlAddr   string

	TLSCertFile    string
	TLSKeyFile     string
	TLSHosts       []string
	SSHHostKeyFile string

	Adapter          protocol.Options
	PollTimeout      time.Duration
	Session          session.Config
	Link             control.LinkConfig
	HandshakeTimeout time.Duration // control port handshake
	StopGrace        time.Duration

	// Supervisor, when set, makes the Portal spawn and respawn the
	// Server command itself.
	Supervisor *SupervisorConfig

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Portal is one Portal process instance.  A Portal runs once; a reboot
// builds a new one.
type Portal struct {
	cfg      Config
	log      *util.Logger
	metrics  *metrics.Collector
	registry *session.Registry
	super    *Supervisor
	started  time.Time

	ctl       *control.Listener
	streams   []streamListener
	https     []httpListener
	webclient *protocol.Webclient

	ready    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	addrs      map[string]string
	stopErr    error
	stopReason string
	goingDown  string
}

// New prepares a Portal.  Nothing is bound until Run.
func New(cfg Config) *Portal {
	if cfg.PortalID == "" {
		cfg.PortalID = "portal-" + uuid.NewString()[:8]
	}
	if cfg.Logger == nil {
		cfg.Logger = util.NewLogger(int(util.LogNormal))
	}
	if cfg.Adapter.Logger == nil {
		cfg.Adapter.Logger = cfg.Logger
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	log := cfg.Logger.With("portal=" + cfg.PortalID)

	p := &Portal{
		cfg:      cfg,
		log:      log,
		metrics:  cfg.Metrics,
		registry: session.NewRegistry(cfg.Session, cfg.Logger, cfg.Metrics),
		ready:    make(chan struct{}),
		stopCh:   make(chan struct{}),
		addrs:    make(map[string]string),
	}
	if cfg.Supervisor != nil {
		p.super = NewSupervisor(*cfg.Supervisor, log, cfg.Metrics)
	}
	return p
}

// ID returns the portal id.
func (p *Portal) ID() string { return p.cfg.PortalID }

// Registry exposes the session registry.
func (p *Portal) Registry() *session.Registry { return p.registry }

// Supervisor returns the Server supervisor, or nil when unsupervised.
func (p *Portal) Supervisor() *Supervisor { return p.super }

// Ready is closed once every listener is bound.
func (p *Portal) Ready() <-chan struct{} { return p.ready }

// Addr returns the bound address of a listener, or "" when it is not
// running.
func (p *Portal) Addr(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addrs[name]
}

// ── Lifecycle ────────────────────────────────────────────────────────

// Run binds every configured listener and serves until ctx is done,
// Stop or Reboot.  A bind failure is returned before anything is
// served.  Run returns ErrReboot after Reboot so the caller builds a
// fresh Portal, and nil after Stop or cancellation.
func (p *Portal) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := p.bind(ctx); err != nil {
		p.closeListeners()
		return err
	}
	p.started = time.Now()
	close(p.ready)
	p.log.Info("portal up: %s", p.describe())

	// The control port outlives ctx so teardown can still ask the
	// Server to stop; closing the listener ends it.
	ctlCtx, ctlCancel := context.WithCancel(context.Background())
	defer ctlCancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.ctl.Serve(ctlCtx) })
	for _, sl := range p.streams {
		sl := sl
		g.Go(func() error { return p.acceptLoop(gctx, sl) })
	}
	for _, hl := range p.https {
		hl := hl
		g.Go(func() error { return p.serveHTTP(hl) })
	}
	if p.webclient != nil {
		g.Go(func() error {
			p.webclient.Run(gctx)
			return nil
		})
	}
	if p.super != nil {
		g.Go(func() error { return p.super.Run(gctx) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			p.shutdown(nil, ReasonShutdown)
		case <-p.stopCh:
		}
		p.teardown()
		ctlCancel()
		cancel()
		return nil
	})

	err := g.Wait()

	p.mu.Lock()
	stopErr := p.stopErr
	p.mu.Unlock()
	if stopErr != nil {
		p.log.Info("portal down for reboot")
		return stopErr
	}
	if err != nil {
		return err
	}
	p.log.Info("portal stopped")
	return nil
}

// Restart asks the attached Server to restart.  Client transports are
// untouched; their input is buffered until the next Server attaches.
// Unattached, a supervised Server child is restarted directly.
func (p *Portal) Restart(reason string) error {
	if reason == "" {
		reason = "restart requested"
	}
	if p.ctl != nil {
		if link := p.ctl.Current(); link != nil {
			p.log.Info("asking server %s to restart: %s", link.PeerID, reason)
			return link.SendAdmin("", &control.Admin{Op: control.OpRestart, Reason: reason})
		}
	}
	if p.super != nil && p.super.Running() {
		return p.super.Restart()
	}
	return mgerr.Link("", "restart", mgerr.ErrLinkDown)
}

// Reboot closes every client transport with a reboot notice, stops the
// Server and ends Run with ErrReboot.
func (p *Portal) Reboot() { p.shutdown(mgerr.ErrReboot, ReasonReboot) }

// Stop closes everything; Run returns nil.
func (p *Portal) Stop() { p.shutdown(nil, ReasonShutdown) }

func (p *Portal) shutdown(result error, reason string) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopErr = result
		p.stopReason = reason
		p.mu.Unlock()
		close(p.stopCh)
	})
}

// teardown runs once, after stopCh closed: clients first, then the
// Server, then every listener.
func (p *Portal) teardown() {
	p.mu.Lock()
	reason := p.stopReason
	p.mu.Unlock()

	n := p.registry.CloseAll(reason)
	p.log.Info("closed %d client sessions", n)

	if p.super != nil {
		p.super.Quit()
	}

	if link := p.ctl.Current(); link != nil {
		if err := link.SendAdmin("", &control.Admin{Op: control.OpStop, Reason: reason}); err == nil {
			select {
			case <-link.Done():
			case <-time.After(p.cfg.StopGrace):
				p.log.Warn("server %s did not leave within %s", link.PeerID, p.cfg.StopGrace)
			}
		}
	}
	if p.super != nil {
		p.super.Stop()
	}
	p.closeListeners()
}

func (p *Portal) closeListeners() {
	if p.ctl != nil {
		_ = p.ctl.Close()
	}
	for _, sl := range p.streams {
		_ = sl.ln.Close()
	}
	for _, hl := range p.https {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := hl.srv.Shutdown(ctx); err != nil {
			_ = hl.srv.Close()
		}
		cancel()
	}
}

// ── Status ───────────────────────────────────────────────────────────

// Status reports the Portal's view of itself, its Server and every
// session.
func (p *Portal) Status() *control.Status {
	st := &control.Status{
		PortalID:   p.cfg.PortalID,
		StartedAt:  p.started,
		Uptime:     time.Since(p.started).Truncate(time.Second).String(),
		LinkState:  control.StateDisconnected.String(),
		Supervised: p.super != nil,
		Sessions:   p.registry.Snapshot(),
		Metrics:    p.metrics.Snapshot(),
	}
	if p.ctl != nil {
		st.LinkState = p.ctl.State().String()
		if h := p.ctl.ServerHello(); h != nil {
			st.ServerInstance = h.InstanceID
			st.LogicVersion = h.LogicVersion
		}
	}
	return st
}

func (p *Portal) setAddr(name string, a net.Addr) {
	p.mu.Lock()
	p.addrs[name] = a.String()
	p.mu.Unlock()
}

func (p *Portal) describe() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	parts := make([]string, 0, len(p.addrs))
	for name, addr := range p.addrs {
		parts = append(parts, fmt.Sprintf("%s=%s", name, addr))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
