// Package server is the restartable half of mudgate.  It attaches to
// the Portal over the Control Link, mirrors the Portal's sessions,
// dispatches client input to the game logic and publishes the logic's
// output.  A restart drains the dispatch queue, says going-down and
// exits so a supervisor can start the next build; players stay
// connected to the Portal throughout.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mudgate/internal/control"
	"mudgate/internal/envelope"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/logic"
	"mudgate/internal/metrics"
	"mudgate/internal/retry"
	"mudgate/internal/session"
	"mudgate/internal/transport"
	"mudgate/util"
)

// Defaults.
const (
	DefaultQueueSize    = 1024
	DefaultDrainTimeout = 5 * time.Second
)

// Stop reasons carried in going-down.
const (
	ReasonRestart  = "restart"
	ReasonShutdown = "shutdown"
)

// Config holds everything a Server needs.
type Config struct {
	ControlAddr      string
	InstanceID       string // empty generates one
	LogicVersion     string
	Logic            *logic.Registry // nil uses logic.NewRegistry()
	Dialer           transport.Dialer
	HandshakeTimeout time.Duration
	Link             control.LinkConfig
	Backoff          *retry.Backoff
	QueueSize        int
	DrainTimeout     time.Duration
	Logger           *util.Logger
	Metrics          *metrics.Collector
}

type work struct {
	link *control.Link
	env  *envelope.Envelope
}

// Server is one Server process instance.
type Server struct {
	cfg     Config
	log     *util.Logger
	metrics *metrics.Collector
	handler logic.Handler
	mirror  *Mirror

	queue chan work

	mu       sync.Mutex
	link     *control.Link
	stopping bool
	stopWhy  string
	stopCh   chan struct{}
	idle     chan struct{} // closed by the dispatcher once it has drained
}

// New resolves the logic handler and prepares a Server.  A logic load
// failure falls back to the default handler and is logged.
func New(cfg Config) *Server {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "server-" + uuid.NewString()[:8]
	}
	if cfg.Logic == nil {
		cfg.Logic = logic.NewRegistry()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = util.NewLogger(int(util.LogNormal))
	}
	log := cfg.Logger.With("server=" + cfg.InstanceID)

	h, err := cfg.Logic.Resolve(cfg.LogicVersion)
	if err != nil {
		log.Error("logic %q failed to load, running %q instead: %v", cfg.LogicVersion, h.Version(), err)
		cfg.Metrics.RecordError("logic", err.Error())
	}

	return &Server{
		cfg:     cfg,
		log:     log,
		metrics: cfg.Metrics,
		handler: h,
		mirror:  NewMirror(),
		queue:   make(chan work, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		idle:    make(chan struct{}),
	}
}

// InstanceID returns this Server's id.
func (s *Server) InstanceID() string { return s.cfg.InstanceID }

// LogicVersion returns the version of the handler actually running.
func (s *Server) LogicVersion() string { return s.handler.Version() }

// Sessions returns the mirrored sessions.
func (s *Server) Sessions() []session.Info { return s.mirror.List() }

// ── Lifecycle ────────────────────────────────────────────────────────

// Run attaches to the Portal and serves until a stop.  It redials
// whenever the link is lost.  It returns errors.ErrRestart after a
// restart, nil after a shutdown or cancellation, and the attach error
// when the Portal rejects this Server.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.dispatch()

	// A stop while waiting for the Portal abandons the dial.
	dialCtx, dialCancel := context.WithCancel(ctx)
	defer dialCancel()
	go func() {
		select {
		case <-s.stopCh:
			dialCancel()
		case <-dialCtx.Done():
		}
	}()

	for {
		link, w, err := control.DialRetry(dialCtx, control.DialConfig{
			Addr:             s.cfg.ControlAddr,
			InstanceID:       s.cfg.InstanceID,
			LogicVersion:     s.handler.Version(),
			Dialer:           s.cfg.Dialer,
			HandshakeTimeout: s.cfg.HandshakeTimeout,
			Link:             s.cfg.Link,
			Backoff:          s.cfg.Backoff,
		}, s.log, s.metrics)
		if err != nil {
			if why, stopping := s.stopReason(); stopping {
				s.finish(nil, why)
				return s.result(why)
			}
			s.stop(ReasonShutdown)
			s.finish(nil, ReasonShutdown)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.log.Info("attached to portal %s (logic %s)", w.PortalID, s.handler.Version())
		s.metrics.LinkAttached()
		s.setLink(link)

		linkDone := make(chan error, 1)
		go func() { linkDone <- link.Run(ctx, s) }()

		select {
		case err := <-linkDone:
			s.setLink(nil)
			s.metrics.LinkLost()
			if why, stopping := s.stopReason(); stopping {
				s.finish(nil, why)
				return s.result(why)
			}
			if ctx.Err() != nil {
				s.stop(ReasonShutdown)
				s.finish(nil, ReasonShutdown)
				return nil
			}
			s.log.Warn("lost portal: %v", err)

		case <-s.stopCh:
			why, _ := s.stopReason()
			s.finish(link, why)
			s.setLink(nil)
			<-linkDone
			return s.result(why)

		case <-ctx.Done():
			s.stop(ReasonShutdown)
			s.finish(link, ReasonShutdown)
			s.setLink(nil)
			<-linkDone
			return nil
		}
	}
}

// Restart drains the dispatch queue, tells the Portal it is going
// down and makes Run return errors.ErrRestart.
func (s *Server) Restart() { s.stop(ReasonRestart) }

// Shutdown is Restart with reason shutdown; Run returns nil.
func (s *Server) Shutdown() { s.stop(ReasonShutdown) }

func (s *Server) stop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.stopping = true
	s.stopWhy = reason
	close(s.stopCh)
	s.log.Info("stopping: %s", reason)
}

func (s *Server) stopReason() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopWhy, s.stopping
}

func (s *Server) result(why string) error {
	if why == ReasonRestart {
		return mgerr.ErrRestart
	}
	return nil
}

// finish drains the dispatcher, then sends going-down on link.
func (s *Server) finish(link *control.Link, reason string) {
	select {
	case <-s.idle:
	case <-time.After(s.cfg.DrainTimeout):
		s.log.Warn("dispatch queue not drained after %s; %d envelopes left for the next server", s.cfg.DrainTimeout, len(s.queue))
	}
	if link == nil {
		return
	}
	if err := link.SendAdmin("", &control.Admin{Op: control.OpGoingDown, Reason: reason}); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if ferr := link.Flush(ctx); ferr != nil {
			s.log.Debug("flush going-down: %v", ferr)
		}
		cancel()
	}
	_ = link.Close()
}

func (s *Server) setLink(l *control.Link) {
	s.mu.Lock()
	s.link = l
	s.mu.Unlock()
}

func (s *Server) currentLink() (*control.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return nil, mgerr.Link("portal", "send", mgerr.ErrLinkDown)
	}
	return s.link, nil
}

// ── control.Handler ──────────────────────────────────────────────────

// HandleEnvelope queues an envelope from the Portal for the dispatcher.
// restart and stop requests act immediately.  Once stopping, new work
// is refused without an ack so the Portal keeps it for the next Server.
func (s *Server) HandleEnvelope(e *envelope.Envelope) error {
	if e.Kind == envelope.KindAdmin && e.SessionID == "" {
		a, err := control.DecodeAdmin(e)
		if err != nil {
			return err
		}
		switch a.Op {
		case control.OpRestart:
			s.Restart()
			return nil
		case control.OpStop:
			s.Shutdown()
			return nil
		}
	}

	s.mu.Lock()
	link, stopping := s.link, s.stopping
	s.mu.Unlock()
	if stopping {
		return nil
	}

	select {
	case s.queue <- work{link: link, env: e}:
		return nil
	case <-s.stopCh:
		return nil
	}
}

// HandleAck is unused on the Server side: the Portal drops duplicate
// output by seq instead of acknowledging it.
func (s *Server) HandleAck(*envelope.Ack) error { return nil }

// ── Dispatch ─────────────────────────────────────────────────────────

func (s *Server) dispatch() {
	defer close(s.idle)
	for {
		select {
		case w := <-s.queue:
			s.dispatchOne(w)
		case <-s.stopCh:
			for {
				select {
				case w := <-s.queue:
					s.dispatchOne(w)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) dispatchOne(w work) {
	start := time.Now()
	e := w.env
	log := s.log.With("session=" + e.SessionID)

	var err error
	switch e.Kind {
	case envelope.KindAdmin:
		err = s.dispatchAdmin(e)
	case envelope.KindConnect:
		err = s.dispatchConnect(w)
	case envelope.KindData, envelope.KindOOB:
		err = s.dispatchMessage(w)
	case envelope.KindDisconnect:
		err = s.dispatchDisconnect(w)
	default:
		err = fmt.Errorf("unexpected %s", e.Kind)
	}
	if err != nil {
		log.Warn("dispatch %s: %v", e, err)
		s.metrics.RecordError("dispatch", err.Error())
	}
	s.metrics.ObserveDispatch(time.Since(start))
}

func (s *Server) ack(w work, seq uint64) {
	if w.link == nil || seq == 0 {
		return
	}
	if err := w.link.SendAck(w.env.SessionID, seq); err != nil {
		s.log.Debug("ack %s seq=%d: %v", w.env.SessionID, seq, err)
	}
}

func (s *Server) dispatchAdmin(e *envelope.Envelope) error {
	a, err := control.DecodeAdmin(e)
	if err != nil {
		return err
	}
	switch a.Op {
	case control.OpPortalSync:
		gone := s.mirror.Sync(a.Sessions)
		s.log.Info("portal-sync: %d sessions (%d gone)", len(a.Sessions), len(gone))
		for _, info := range gone {
			if err := s.handler.Disconnect(s, info, "portal no longer has this session"); err != nil {
				s.log.Debug("disconnect %s: %v", info.ID, err)
			}
		}
		for _, info := range a.Sessions {
			// A session whose CONNECT was never accepted gets it in the
			// replay and is greeted as new there.
			if s.mirror.LastIn(info.ID) == 0 {
				continue
			}
			if err := s.handler.Connect(s, info, true); err != nil {
				s.log.Warn("resume %s: %v", info.ID, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unexpected admin op %q", a.Op)
	}
}

func (s *Server) dispatchConnect(w work) error {
	var info session.Info
	if err := json.Unmarshal(w.env.Payload, &info); err != nil {
		s.ack(w, w.env.Seq)
		return fmt.Errorf("decode connect: %w", err)
	}
	info.ID = w.env.SessionID
	if !s.mirror.Connect(info, w.env.Seq) {
		s.ack(w, s.mirror.LastIn(info.ID))
		return nil
	}
	err := s.handler.Connect(s, info, false)
	s.ack(w, w.env.Seq)
	return err
}

func (s *Server) dispatchMessage(w work) error {
	info, fresh, err := s.mirror.Accept(w.env.SessionID, w.env.Seq)
	if err != nil {
		return err
	}
	if !fresh {
		s.ack(w, s.mirror.LastIn(info.ID))
		return nil
	}
	m, err := envelope.ParseMessage(w.env.Kind, w.env.Payload)
	if err == nil {
		err = s.handler.Message(s, info, m)
	}
	s.ack(w, w.env.Seq)
	return err
}

func (s *Server) dispatchDisconnect(w work) error {
	info, fresh, err := s.mirror.Accept(w.env.SessionID, w.env.Seq)
	if err != nil {
		// Never connected here, but the Portal still waits for the ack.
		s.ack(w, w.env.Seq)
		return nil
	}
	if !fresh {
		s.ack(w, s.mirror.LastIn(info.ID))
		return nil
	}
	herr := s.handler.Disconnect(s, info, string(w.env.Payload))
	s.mirror.Remove(info.ID)
	s.ack(w, w.env.Seq)
	return herr
}

// ── logic.Output ─────────────────────────────────────────────────────

// Send writes text to a session.
func (s *Server) Send(sessionID, text string) error {
	return s.sendMessage(sessionID, envelope.Text(text))
}

// SendOOB sends an out-of-band command to a session.
func (s *Server) SendOOB(sessionID, cmd string, args []any, kwargs map[string]any) error {
	return s.sendMessage(sessionID, envelope.OOB(cmd, args, kwargs))
}

func (s *Server) sendMessage(sessionID string, m envelope.Message) error {
	payload, err := m.Payload()
	if err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	return s.publish(sessionID, m.Kind, payload)
}

// Kick asks the Portal to close a session with reason.
func (s *Server) Kick(sessionID, reason string) error {
	return s.publish(sessionID, envelope.KindDisconnect, []byte(reason))
}

// SetAuth stores an opaque auth token on the Portal's record.
func (s *Server) SetAuth(sessionID, token string) error {
	return s.syncTokens(sessionID, &token, nil)
}

// SetPuppet stores an opaque puppet token on the Portal's record.
func (s *Server) SetPuppet(sessionID, token string) error {
	return s.syncTokens(sessionID, nil, &token)
}

func (s *Server) syncTokens(sessionID string, auth, puppet *string) error {
	info, err := s.mirror.SetTokens(sessionID, auth, puppet)
	if err != nil {
		return err
	}
	link, err := s.currentLink()
	if err != nil {
		return err
	}
	return link.SendAdmin(sessionID, &control.Admin{
		Op:          control.OpSessionSync,
		AuthToken:   info.AuthToken,
		PuppetToken: info.PuppetToken,
	})
}

func (s *Server) publish(sessionID string, kind envelope.Kind, payload []byte) error {
	link, err := s.currentLink()
	if err != nil {
		return err
	}
	seq, err := s.mirror.NextOut(sessionID)
	if err != nil {
		return err
	}
	return link.Send(&envelope.Envelope{SessionID: sessionID, Kind: kind, Seq: seq, Payload: payload})
}
