package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mudgate/internal/envelope"
	"mudgate/internal/errors"
	"mudgate/internal/metrics"
	"mudgate/util"
)

// Sink accepts envelopes for the Server.  The Control Link implements
// it; Send must queue e in order and fail only when the link is gone.
type Sink interface {
	Send(e *envelope.Envelope) error
}

// Config tunes a Registry.  Zero limits mean unlimited.
type Config struct {
	BufferCapacity int
	OutputQueue    int // Server messages queued per client
	MaxConnections int
	MaxPerIP       int
}

// Registry is the Portal's table of live sessions.
//
// Every session has its own writer goroutine fed by a bounded queue, so
// RouteOutbound never blocks on a client socket.
//
// Locking: r.mu guards the maps and the current sink; each Session's mu
// guards its state and buffer.  A Session lock may be held while taking
// r.mu, never the reverse.  The session lock is held across "append to
// buffer + hand to sink", so a replay and live traffic for the same
// session cannot interleave.
type Registry struct {
	cfg     Config
	log     *util.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	sessions map[string]*Session
	byIP     map[string]int
	sink     Sink
	gen      uint64 // bumped on every link change
	closed   bool

	newID func() string
	now   func() time.Time
}

// NewRegistry returns an empty registry with no control link attached.
func NewRegistry(cfg Config, log *util.Logger, m *metrics.Collector) *Registry {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = DefaultBufferCapacity
	}
	if cfg.OutputQueue <= 0 {
		cfg.OutputQueue = DefaultOutputQueue
	}
	return &Registry{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		sessions: make(map[string]*Session),
		byIP:     make(map[string]int),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// ── Lookup ───────────────────────────────────────────────────────────

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of sessions in the registry, closing ones
// included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CountByIP returns the number of open transports from ip.
func (r *Registry) CountByIP(ip string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byIP[ip]
}

// Linked reports whether a Server link is attached.
func (r *Registry) Linked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink != nil
}

// Snapshot returns the mirrored view of every session that is not yet
// closed, oldest first.  It is the portal-sync payload.
func (r *Registry) Snapshot() []Info {
	list := r.list()
	out := make([]Info, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		if s.state != StateClosed {
			out = append(out, s.infoLocked())
		}
		s.mu.Unlock()
	}
	return out
}

func (r *Registry) lookup(id string) (*Session, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, errors.ErrUnknownSession)
	}
	return s, nil
}

func (r *Registry) list() []*Session {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].ConnectedAt.Equal(list[j].ConnectedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].ConnectedAt.Before(list[j].ConnectedAt)
	})
	return list
}

func (r *Registry) link() (Sink, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink, r.gen
}

// ── Lifecycle ────────────────────────────────────────────────────────

// Register allocates a CONNECTING session for a freshly accepted
// transport.  It enforces the total and per-IP connection limits.
func (r *Registry) Register(t Transport) (*Session, error) {
	ip := util.HostOnly(t.RemoteAddr())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: %w", errors.ErrSessionClosed)
	}
	if r.cfg.MaxConnections > 0 && len(r.sessions) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		r.metrics.ConnectionRejected("total")
		return nil, fmt.Errorf("%w: %d connections open", errors.ErrLimitExceeded, r.cfg.MaxConnections)
	}
	if r.cfg.MaxPerIP > 0 && r.byIP[ip] >= r.cfg.MaxPerIP {
		r.mu.Unlock()
		r.metrics.ConnectionRejected("per_ip")
		return nil, fmt.Errorf("%w: %d connections from %s", errors.ErrLimitExceeded, r.cfg.MaxPerIP, ip)
	}

	id := r.newID()
	s := &Session{
		ID:          id,
		Protocol:    t.Protocol(),
		RemoteAddr:  t.RemoteAddr(),
		ConnectedAt: r.now(),
		transport:   t,
		log:         r.log.With("session=" + id),
		ip:          ip,
		state:       StateConnecting,
		caps:        DefaultCapabilities(),
		buf:         NewOutageBuffer(r.cfg.BufferCapacity),
		out:         make(chan outItem, r.cfg.OutputQueue),
		stop:        make(chan struct{}),
	}
	r.sessions[id] = s
	r.byIP[ip]++
	r.mu.Unlock()

	go r.writeLoop(s)

	r.metrics.SessionOpened(s.Protocol)
	s.log.Verbose("registered %s from %s", s.Protocol, s.RemoteAddr)
	return s, nil
}

// Connect records a completed adapter handshake and emits the CONNECT
// envelope.  The session becomes ACTIVE, or SUSPENDED when no link is
// attached.
func (r *Registry) Connect(id string, caps Capabilities, credentials []byte) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnecting {
		return fmt.Errorf("session %s: connect while %s", id, s.state)
	}
	s.caps = caps
	s.credentials = credentials
	if sink, _ := r.link(); sink != nil {
		s.state = StateActive
	} else {
		s.state = StateSuspended
	}

	payload, err := json.Marshal(s.infoLocked())
	if err != nil {
		return fmt.Errorf("session %s: encode connect: %w", id, err)
	}
	s.log.Info("connected %s from %s (%s, %dx%d)", s.Protocol, s.RemoteAddr, caps.Color, caps.Width, caps.Height)
	r.enqueueLocked(s, envelope.KindConnect, payload)
	return nil
}

// Close ends a session from the client side: transport closed, fatal
// protocol error or a failed handshake.  It emits exactly one
// DISCONNECT with reason no matter how often it is called.
func (r *Registry) Close(id, reason string) error {
	s, ok := r.Get(id)
	if !ok {
		return nil
	}
	if !r.beginClose(s, reason) {
		return nil
	}
	s.stopWriter()
	r.closeTransport(s, reason)
	return nil
}

// Disconnect is a Server-requested kick.  Output already queued for the
// client is written first, then the client sees reason; the DISCONNECT
// sent back confirms the removal.
func (r *Registry) Disconnect(id, reason string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "disconnected by server"
	}
	if !r.beginClose(s, reason) {
		return nil
	}
	if !s.offer(outItem{close: true, reason: reason}) {
		s.stopWriter()
		r.closeTransport(s, reason)
	}
	return nil
}

// beginClose moves s to CLOSING and emits its single DISCONNECT.  It
// reports false when s was already closing.
func (r *Registry) beginClose(s *Session, reason string) bool {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosing
	s.closeReason = reason
	r.enqueueLocked(s, envelope.KindDisconnect, []byte(reason))
	s.disconnectSeq = s.inSeq
	s.mu.Unlock()

	r.release(s)
	s.log.Info("closing: %s", reason)
	return true
}

// CloseAll closes every transport with reason and empties the
// registry.  No further sessions can be registered.  It returns the
// number of sessions closed.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	r.closed = true
	r.sink = nil
	r.gen++
	r.mu.Unlock()

	list := r.list()
	for _, s := range list {
		s.mu.Lock()
		s.state = StateClosed
		if s.closeReason == "" {
			s.closeReason = reason
		}
		r.metrics.BufferDelta(-s.buf.Clear())
		s.mu.Unlock()

		r.remove(s)
		s.stopWriter()
		r.closeTransport(s, reason)
	}
	if len(list) > 0 {
		r.log.Info("closed %d sessions: %s", len(list), reason)
	}
	return len(list)
}

func (r *Registry) release(s *Session) {
	r.mu.Lock()
	if s.released {
		r.mu.Unlock()
		return
	}
	s.released = true
	r.byIP[s.ip]--
	if r.byIP[s.ip] <= 0 {
		delete(r.byIP, s.ip)
	}
	r.mu.Unlock()
	r.metrics.SessionClosed(s.Protocol)
}

func (r *Registry) remove(s *Session) {
	r.release(s)
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
}

// ── Routing ──────────────────────────────────────────────────────────

// RouteInbound turns a client message into the session's next envelope
// and hands it to the Server, or buffers it while the link is down.
func (r *Registry) RouteInbound(id string, m envelope.Message) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	payload, err := m.Payload()
	if err != nil {
		return errors.Malformed(s.Protocol, "unroutable message", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConnecting:
		return fmt.Errorf("session %s: input before handshake completed", id)
	case StateClosing, StateClosed:
		return fmt.Errorf("session %s: %w", id, errors.ErrSessionClosed)
	}
	r.enqueueLocked(s, m.Kind, payload)
	return nil
}

// RouteOutbound queues a Server envelope for the client's writer.
// Envelopes whose Seq is not above the last accepted one are dropped.
// A client whose queue is full is closed; the error that reports it is
// scoped to that session.
func (r *Registry) RouteOutbound(e *envelope.Envelope) error {
	s, err := r.lookup(e.SessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if e.Seq != 0 && e.Seq <= s.outSeq {
		last := s.outSeq
		s.mu.Unlock()
		s.log.Debug("dropping duplicate %s seq=%d (last %d)", e.Kind, e.Seq, last)
		return nil
	}
	if e.Seq > s.outSeq {
		s.outSeq = e.Seq
	}
	state := s.state
	s.mu.Unlock()

	if state == StateClosing || state == StateClosed {
		return fmt.Errorf("session %s: %w", e.SessionID, errors.ErrSessionClosed)
	}

	switch e.Kind {
	case envelope.KindData, envelope.KindOOB:
		m, err := envelope.ParseMessage(e.Kind, e.Payload)
		if err != nil {
			return errors.Malformed("control", "bad outbound payload", err)
		}
		if !s.offer(outItem{msg: m}) {
			_ = r.Close(s.ID, "output queue full")
			return errors.Transport(s.ID, "write", s.RemoteAddr, errors.ErrOutputFull)
		}
		return nil
	case envelope.KindDisconnect:
		return r.Disconnect(e.SessionID, string(e.Payload))
	default:
		return fmt.Errorf("session %s: unexpected outbound %s", e.SessionID, e.Kind)
	}
}

// Ack drops every buffered envelope up to seq.  Acknowledging a closing
// session's DISCONNECT removes the session.
func (r *Registry) Ack(id string, seq uint64) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if seq > s.acked {
		s.acked = seq
	}
	r.metrics.BufferDelta(-s.buf.AckThrough(seq))
	done := s.state == StateClosing && s.disconnectSeq != 0 && seq >= s.disconnectSeq
	if done {
		s.state = StateClosed
	}
	s.mu.Unlock()

	if done {
		r.remove(s)
		s.log.Verbose("removed")
	}
	return nil
}

// UpdateMirror stores the opaque tokens the Server assigned.
func (r *Registry) UpdateMirror(id, authToken, puppetToken string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.authToken = authToken
	s.puppetToken = puppetToken
	s.mu.Unlock()
	return nil
}

// ── Link changes ─────────────────────────────────────────────────────

// SuspendAll detaches the link.  Client transports stay open and all
// further inbound traffic is buffered.
func (r *Registry) SuspendAll() int {
	r.mu.Lock()
	r.sink = nil
	r.gen++
	r.mu.Unlock()

	n := 0
	for _, s := range r.list() {
		s.mu.Lock()
		if s.state == StateActive {
			s.state = StateSuspended
			n++
		}
		s.mu.Unlock()
	}
	r.log.Info("control link down: %d sessions suspended", n)
	return n
}

// ResumeAll attaches sink as the new link and replays every session's
// buffer to it in seq order, oldest session first, marking each
// session ACTIVE once its replay is handed over.  It returns the number
// of envelopes replayed.
func (r *Registry) ResumeAll(sink Sink) (int, error) {
	r.mu.Lock()
	r.sink = sink
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	replayed := 0
	for _, s := range r.list() {
		s.mu.Lock()
		if s.linkGen == gen || s.state == StateClosed {
			s.mu.Unlock()
			continue
		}
		n := s.buf.Len()
		err := r.replayLocked(s, sink, gen)
		s.mu.Unlock()
		if err != nil {
			return replayed, fmt.Errorf("replay session %s: %w", s.ID, err)
		}
		replayed += n
	}
	r.log.Info("control link up: replayed %d envelopes", replayed)
	return replayed, nil
}

// enqueueLocked assigns the next seq, buffers the envelope and sends it
// when the session is synced to the current link.  A failed send leaves
// the envelope buffered for the next replay.  s.mu must be held.
//
// Evicting an entry the current link already carries only loses the
// retransmit copy; a gap is counted when the Server never saw it.
func (r *Registry) enqueueLocked(s *Session, kind envelope.Kind, payload []byte) {
	s.inSeq++
	e := &envelope.Envelope{SessionID: s.ID, Kind: kind, Seq: s.inSeq, Payload: payload}

	sink, gen := r.link()
	synced := sink != nil && s.linkGen == gen

	if old := s.buf.Push(e); old == nil {
		r.metrics.BufferDelta(1)
	} else if synced && old.Seq <= s.sentSeq {
		s.log.Debug("outage buffer full: released unacked %s seq=%d", old.Kind, old.Seq)
	} else {
		s.gapCount++
		r.metrics.BufferDropped(1)
		s.log.Warn("outage buffer full: dropped %s seq=%d (gaps=%d)", old.Kind, old.Seq, s.gapCount)
	}

	if sink == nil {
		return
	}
	var err error
	if !synced {
		// First traffic on a new link before ResumeAll reached us.
		err = r.replayLocked(s, sink, gen)
	} else if err = sink.Send(e); err == nil {
		s.sentSeq = e.Seq
	}
	if err != nil {
		s.log.Debug("send %s seq=%d deferred: %v", kind, e.Seq, err)
	}
}

// replayLocked hands the whole buffer to sink and marks s synced to
// gen.  s.mu must be held.
func (r *Registry) replayLocked(s *Session, sink Sink, gen uint64) error {
	s.sentSeq = 0
	err := s.buf.Each(func(e *envelope.Envelope) error {
		if err := sink.Send(e); err != nil {
			return err
		}
		s.sentSeq = e.Seq
		return nil
	})
	if err != nil {
		return err
	}
	s.linkGen = gen
	if s.state == StateSuspended {
		s.state = StateActive
	}
	return nil
}
