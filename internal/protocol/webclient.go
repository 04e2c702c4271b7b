package protocol

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"mudgate/internal/envelope"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/session"
	"mudgate/util"
)

// Long-poll defaults.
const (
	DefaultPollTimeout      = 25 * time.Second
	DefaultWebclientIdle    = 3 * time.Minute
	maxQueuedFrames         = 1000
	inboxSize               = 64
	minReapInterval         = time.Second
	webclientDataPath       = "/webclientdata"
	webclientKeepaliveFrame = `["ajax_keepalive",[],{}]`
	webclientCloseFrame     = `["connection_close",[],{}]`
)

// Webclient serves the HTTP long-poll transport for browsers that
// cannot hold a WebSocket.  Clients POST form data to /webclientdata
// with mode=init|input|receive|keepalive|close and their csessid.
type Webclient struct {
	opts   Options
	poll   time.Duration
	idle   time.Duration
	accept AcceptFunc
	router chi.Router

	mu    sync.Mutex
	conns map[string]*PollConn

	newID func() string
}

// NewWebclient builds the long-poll handler.  Options.IdleTimeout is
// the inactivity limit after which a browser session is closed.
func NewWebclient(opts Options, pollTimeout time.Duration, accept AcceptFunc) *Webclient {
	opts = opts.withDefaults()
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultWebclientIdle
	}

	w := &Webclient{
		opts:   opts,
		poll:   pollTimeout,
		idle:   idle,
		accept: accept,
		conns:  make(map[string]*PollConn),
		newID:  uuid.NewString,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)
	r.Post(webclientDataPath, w.serveData)
	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	w.router = r
	return w
}

// Handler returns the HTTP handler.
func (w *Webclient) Handler() http.Handler { return w.router }

// Len returns the number of tracked browser sessions.
func (w *Webclient) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

// Run reaps idle and finished browser sessions until ctx is done, then
// closes every remaining one.
func (w *Webclient) Run(ctx context.Context) {
	interval := w.idle / 4
	if interval < minReapInterval {
		interval = minReapInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			w.reap(time.Now())
		case <-ctx.Done():
			w.mu.Lock()
			conns := w.conns
			w.conns = make(map[string]*PollConn)
			w.mu.Unlock()
			for _, c := range conns {
				_ = c.Close("server shutting down")
			}
			return
		}
	}
}

func (w *Webclient) reap(now time.Time) {
	var idle []*PollConn

	w.mu.Lock()
	for id, c := range w.conns {
		seen := c.seen()
		switch {
		case c.isClosed() && now.Sub(seen) > w.poll:
			delete(w.conns, id)
		case now.Sub(seen) > w.idle:
			delete(w.conns, id)
			idle = append(idle, c)
		}
	}
	w.mu.Unlock()

	for _, c := range idle {
		c.log.Verbose("webclient idle for %s", w.idle)
		_ = c.Close("idle timeout")
	}
}

func (w *Webclient) lookup(id string) *PollConn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conns[id]
}

func (w *Webclient) serveData(rw http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "bad form"})
		return
	}
	mode := r.PostForm.Get("mode")
	csessid := r.PostForm.Get("csessid")

	if mode == "init" {
		w.init(rw, r, csessid)
		return
	}

	c := w.lookup(csessid)
	if c == nil {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "unknown csessid"})
		return
	}

	switch mode {
	case "input":
		if err := c.push([]byte(r.PostForm.Get("data"))); err != nil {
			status := http.StatusGone
			if mgerr.Is(err, mgerr.ErrLimitExceeded) {
				status = http.StatusTooManyRequests
			}
			writeJSON(rw, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]string{})
	case "receive":
		writeJSON(rw, http.StatusOK, c.poll(r.Context(), w.poll))
	case "keepalive":
		c.touch()
		writeJSON(rw, http.StatusOK, map[string]string{})
	case "close":
		c.clientClose()
		w.mu.Lock()
		delete(w.conns, csessid)
		w.mu.Unlock()
		writeJSON(rw, http.StatusOK, map[string]string{})
	default:
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "unknown mode " + strconv.Quote(mode)})
	}
}

func (w *Webclient) init(rw http.ResponseWriter, r *http.Request, csessid string) {
	if c := w.lookup(csessid); c != nil && !c.isClosed() {
		// Page reload with a live session: keep it.
		c.touch()
		writeJSON(rw, http.StatusOK, map[string]string{"msg": "webclient reattached", "csessid": csessid})
		return
	}
	if csessid == "" {
		csessid = w.newID()
	}

	c := newPollConn(csessid, r, w.opts)
	w.mu.Lock()
	w.conns[csessid] = c
	w.mu.Unlock()

	go w.accept(c)
	writeJSON(rw, http.StatusOK, map[string]string{"msg": "webclient initialized", "csessid": csessid})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// ── PollConn ─────────────────────────────────────────────────────────

// PollConn is one browser session on the long-poll transport.
type PollConn struct {
	id     string
	remote string
	opts   Options
	log    *util.Logger
	caps   session.Capabilities

	inbox    chan []byte
	mu       sync.Mutex
	outbox   []json.RawMessage
	notify   chan struct{}
	lastSeen atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
}

func newPollConn(id string, r *http.Request, opts Options) *PollConn {
	caps := session.DefaultCapabilities()
	caps.Color = session.ColorTruecolor
	caps.ClientName = "webclient"
	if v, err := strconv.Atoi(r.PostForm.Get("screenwidth")); err == nil && v > 0 {
		caps.Width = v
	}
	if v, err := strconv.Atoi(r.PostForm.Get("screenheight")); err == nil && v > 0 {
		caps.Height = v
	}
	caps.Raw = map[string]string{"csessid": id}
	if ua := r.UserAgent(); ua != "" {
		caps.Raw["user_agent"] = ua
	}

	c := &PollConn{
		id:     id,
		remote: r.RemoteAddr,
		opts:   opts,
		log:    opts.Logger,
		caps:   caps,
		inbox:  make(chan []byte, inboxSize),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *PollConn) Protocol() string         { return ProtoWebclient }
func (c *PollConn) RemoteAddr() string       { return c.remote }
func (c *PollConn) Credentials() []byte      { return nil }
func (c *PollConn) SetLogger(l *util.Logger) { c.log = l }

// CSessID returns the browser's session cookie value.
func (c *PollConn) CSessID() string { return c.id }

// Handshake has nothing to negotiate; capabilities come from init.
func (c *PollConn) Handshake(context.Context) (session.Capabilities, error) {
	return c.caps, nil
}

// ReadMessage returns the next input frame posted by the browser.
func (c *PollConn) ReadMessage() (envelope.Message, error) {
	select {
	case data := <-c.inbox:
		m, err := envelope.ParseWebclient(data)
		if err != nil {
			return envelope.Message{}, mgerr.Malformed(ProtoWebclient, "invalid frame", err)
		}
		return m, nil
	case <-c.closed:
		return envelope.Message{}, io.EOF
	}
}

// WriteMessage queues m for the next receive poll.  A browser that
// stops polling loses its oldest frames first.
func (c *PollConn) WriteMessage(m envelope.Message) error {
	b, err := envelope.MarshalWebclient(m)
	if err != nil {
		return mgerr.Malformed(ProtoWebclient, "encode frame", err)
	}
	if c.isClosed() {
		return mgerr.ErrSessionClosed
	}
	c.enqueue(b)
	return nil
}

// Close queues reason and the close marker, then ends the session.
func (c *PollConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		if reason != "" {
			if b, err := envelope.MarshalWebclient(envelope.Text(reason)); err == nil {
				c.enqueue(b)
			}
		}
		c.enqueue([]byte(webclientCloseFrame))
		close(c.closed)
	})
	return nil
}

func (c *PollConn) clientClose() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *PollConn) enqueue(b []byte) {
	c.mu.Lock()
	if len(c.outbox) >= maxQueuedFrames {
		c.outbox = c.outbox[1:]
		c.log.Debug("webclient outbox full, dropping oldest frame")
	}
	c.outbox = append(c.outbox, json.RawMessage(b))
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *PollConn) push(data []byte) error {
	c.touch()
	if c.isClosed() {
		return mgerr.ErrSessionClosed
	}
	select {
	case c.inbox <- data:
		return nil
	case <-c.closed:
		return mgerr.ErrSessionClosed
	default:
		return mgerr.ErrLimitExceeded
	}
}

// poll waits until output is queued, the session closes or timeout
// elapses, and returns the frames to send.
func (c *PollConn) poll(ctx context.Context, timeout time.Duration) []json.RawMessage {
	c.touch()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if len(c.outbox) > 0 {
			out := c.outbox
			c.outbox = nil
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-c.closed:
			c.mu.Lock()
			out := c.outbox
			c.outbox = nil
			c.mu.Unlock()
			if len(out) == 0 {
				out = []json.RawMessage{json.RawMessage(webclientCloseFrame)}
			}
			return out
		case <-timer.C:
			return []json.RawMessage{json.RawMessage(webclientKeepaliveFrame)}
		case <-ctx.Done():
			return []json.RawMessage{}
		}
	}
}

func (c *PollConn) touch()          { c.lastSeen.Store(time.Now().UnixNano()) }
func (c *PollConn) seen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *PollConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
