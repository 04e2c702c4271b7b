// Package metrics tracks runtime statistics of the Portal and the Server
// and exposes them both as Prometheus collectors and as a JSON snapshot
// for the `status` verb.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mudgate"

// Protocols are the client protocol labels seeded at zero, so every
// per-protocol series is exported before the first connection.
var Protocols = []string{"telnet", "telnet+tls", "ssh", "websocket", "webclient"}

// Collector tracks runtime metrics for one process.  Each Collector
// owns a private Prometheus registry so several Portals can coexist in
// one test binary.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive  *prometheus.GaugeVec
	sessionsTotal   *prometheus.CounterVec
	connRejected    *prometheus.CounterVec
	bytesIn         prometheus.Counter
	bytesOut        prometheus.Counter
	envelopes       *prometheus.CounterVec
	buffered        prometheus.Gauge
	bufferDrops     prometheus.Counter
	linkUp          prometheus.Gauge
	linkAttaches    prometheus.Counter
	linkLosses      prometheus.Counter
	linkRejected    prometheus.Counter
	serverRestarts  prometheus.Counter
	errorsTotal     *prometheus.CounterVec
	dispatchLatency prometheus.Histogram

	// Mirrors for Snapshot; reading back from Prometheus collectors is
	// not worth the ceremony.
	active        atomic.Int64
	total         atomic.Int64
	rejected      atomic.Int64
	in            atomic.Int64
	out           atomic.Int64
	inbound       atomic.Int64
	outbound      atomic.Int64
	bufferedNow   atomic.Int64
	dropped       atomic.Int64
	attaches      atomic.Int64
	losses        atomic.Int64
	rejections    atomic.Int64
	restarts      atomic.Int64
	errorsN       atomic.Int64
	linkConnected atomic.Bool

	mu           sync.RWMutex
	startTime    time.Time
	lastAttach   time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a collector for the named process ("portal" or "server")
// with the start time set to now.
func New(process string) *Collector {
	labels := prometheus.Labels{"process": process}
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Live client sessions by protocol.", ConstLabels: labels,
		}, []string{"protocol"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_total",
			Help: "Client sessions opened since start, by protocol.", ConstLabels: labels,
		}, []string{"protocol"}),
		connRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_rejected_total",
			Help: "Client connections refused by admission limits.", ConstLabels: labels,
		}, []string{"reason"}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "client_bytes_received_total",
			Help: "Payload bytes received from clients.", ConstLabels: labels,
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "client_bytes_sent_total",
			Help: "Payload bytes sent to clients.", ConstLabels: labels,
		}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "envelopes_total",
			Help: "Envelopes crossing the control link.", ConstLabels: labels,
		}, []string{"direction", "kind"}),
		buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "outage_buffered",
			Help: "Envelopes currently held in outage buffers.", ConstLabels: labels,
		}),
		bufferDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "outage_dropped_total",
			Help: "Envelopes dropped from full outage buffers.", ConstLabels: labels,
		}),
		linkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "control_link_up",
			Help: "1 while the control link is connected.", ConstLabels: labels,
		}),
		linkAttaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "control_link_attaches_total",
			Help: "Successful control link handshakes.", ConstLabels: labels,
		}),
		linkLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "control_link_losses_total",
			Help: "Control link drops (reset, timeout, going-down).", ConstLabels: labels,
		}),
		linkRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "control_link_rejected_total",
			Help: "Server attach attempts rejected while a link was up.", ConstLabels: labels,
		}),
		serverRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "server_restarts_total",
			Help: "Server process restarts observed or performed.", ConstLabels: labels,
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
			Help: "Errors by scope (transport, protocol, link, logic).", ConstLabels: labels,
		}, []string{"scope"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "dispatch_seconds",
			Help: "Time spent in the logic handler per envelope.", ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}

	c.registry.MustRegister(
		c.sessionsActive, c.sessionsTotal, c.connRejected,
		c.bytesIn, c.bytesOut, c.envelopes,
		c.buffered, c.bufferDrops,
		c.linkUp, c.linkAttaches, c.linkLosses, c.linkRejected,
		c.serverRestarts, c.errorsTotal, c.dispatchLatency,
		collectors.NewGoCollector(),
	)
	for _, p := range Protocols {
		c.sessionsActive.WithLabelValues(p)
		c.sessionsTotal.WithLabelValues(p)
	}
	return c
}

// Handler returns the Prometheus exposition handler for this collector.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry (tests gather from it).
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments the active and total counters.
func (c *Collector) SessionOpened(protocol string) {
	if c == nil {
		return
	}
	c.sessionsActive.WithLabelValues(protocol).Inc()
	c.sessionsTotal.WithLabelValues(protocol).Inc()
	c.active.Add(1)
	c.total.Add(1)
}

// SessionClosed decrements the active counter.
func (c *Collector) SessionClosed(protocol string) {
	if c == nil {
		return
	}
	c.sessionsActive.WithLabelValues(protocol).Dec()
	c.active.Add(-1)
}

// ConnectionRejected records an admission refusal.
func (c *Collector) ConnectionRejected(reason string) {
	if c == nil {
		return
	}
	c.connRejected.WithLabelValues(reason).Inc()
	c.rejected.Add(1)
}

// ActiveSessions returns the current number of live sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.active.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n payload bytes read from a client.
func (c *Collector) BytesReceived(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesIn.Add(float64(n))
	c.in.Add(int64(n))
}

// BytesSent records n payload bytes written to a client.
func (c *Collector) BytesSent(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesOut.Add(float64(n))
	c.out.Add(int64(n))
}

// EnvelopeIn records an envelope received over the control link.
func (c *Collector) EnvelopeIn(kind string) {
	if c == nil {
		return
	}
	c.envelopes.WithLabelValues("in", kind).Inc()
	c.inbound.Add(1)
}

// EnvelopeOut records an envelope sent over the control link.
func (c *Collector) EnvelopeOut(kind string) {
	if c == nil {
		return
	}
	c.envelopes.WithLabelValues("out", kind).Inc()
	c.outbound.Add(1)
}

// ObserveDispatch records time spent in the logic handler.
func (c *Collector) ObserveDispatch(d time.Duration) {
	if c == nil {
		return
	}
	c.dispatchLatency.Observe(d.Seconds())
}

// ── Outage buffer metrics ────────────────────────────────────────────

// BufferDelta adjusts the buffered-envelope gauge by delta.
func (c *Collector) BufferDelta(delta int) {
	if c == nil || delta == 0 {
		return
	}
	c.buffered.Add(float64(delta))
	c.bufferedNow.Add(int64(delta))
}

// BufferDropped records envelopes discarded from a full buffer.
func (c *Collector) BufferDropped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bufferDrops.Add(float64(n))
	c.dropped.Add(int64(n))
}

// Dropped returns the lifetime count of dropped envelopes.
func (c *Collector) Dropped() int64 {
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}

// ── Control link metrics ─────────────────────────────────────────────

// LinkAttached records a successful handshake.
func (c *Collector) LinkAttached() {
	if c == nil {
		return
	}
	c.linkUp.Set(1)
	c.linkAttaches.Inc()
	c.attaches.Add(1)
	c.linkConnected.Store(true)
	c.mu.Lock()
	c.lastAttach = time.Now()
	c.mu.Unlock()
}

// LinkLost records a link drop.
func (c *Collector) LinkLost() {
	if c == nil {
		return
	}
	c.linkUp.Set(0)
	c.linkLosses.Inc()
	c.losses.Add(1)
	c.linkConnected.Store(false)
}

// LinkRejected records a refused second attach.
func (c *Collector) LinkRejected() {
	if c == nil {
		return
	}
	c.linkRejected.Inc()
	c.rejections.Add(1)
}

// LinkRejections returns the number of refused attaches.
func (c *Collector) LinkRejections() int64 {
	if c == nil {
		return 0
	}
	return c.rejections.Load()
}

// ServerRestarted records a Server restart.
func (c *Collector) ServerRestarted() {
	if c == nil {
		return
	}
	c.serverRestarts.Inc()
	c.restarts.Add(1)
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter for scope and stores msg.
func (c *Collector) RecordError(scope, msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.WithLabelValues(scope).Inc()
	c.errorsN.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsN.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime             string `json:"uptime"`
	SessionsActive     int64  `json:"sessions_active"`
	SessionsTotal      int64  `json:"sessions_total"`
	ConnectionsRefused int64  `json:"connections_refused"`
	BytesIn            int64  `json:"bytes_in"`
	BytesOut           int64  `json:"bytes_out"`
	EnvelopesIn        int64  `json:"envelopes_in"`
	EnvelopesOut       int64  `json:"envelopes_out"`
	Buffered           int64  `json:"outage_buffered"`
	Dropped            int64  `json:"outage_dropped"`
	LinkUp             bool   `json:"control_link_up"`
	LinkAttaches       int64  `json:"control_link_attaches"`
	LinkLosses         int64  `json:"control_link_losses"`
	LinkRejections     int64  `json:"control_link_rejections"`
	ServerRestarts     int64  `json:"server_restarts"`
	ErrorsTotal        int64  `json:"errors_total"`
	LastAttach         string `json:"last_attach,omitempty"`
	LastError          string `json:"last_error,omitempty"`
	LastErrorMessage   string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:             time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive:     c.active.Load(),
		SessionsTotal:      c.total.Load(),
		ConnectionsRefused: c.rejected.Load(),
		BytesIn:            c.in.Load(),
		BytesOut:           c.out.Load(),
		EnvelopesIn:        c.inbound.Load(),
		EnvelopesOut:       c.outbound.Load(),
		Buffered:           c.bufferedNow.Load(),
		Dropped:            c.dropped.Load(),
		LinkUp:             c.linkConnected.Load(),
		LinkAttaches:       c.attaches.Load(),
		LinkLosses:         c.losses.Load(),
		LinkRejections:     c.rejections.Load(),
		ServerRestarts:     c.restarts.Load(),
		ErrorsTotal:        c.errorsN.Load(),
	}
	if !c.lastAttach.IsZero() {
		s.LastAttach = c.lastAttach.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
