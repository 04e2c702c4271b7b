// Package config defines the runtime configuration shared by the
// Portal, the Server and the launcher verbs, and the helpers that
// turn it into listen addresses and a jump-host spec.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	mgerr "mudgate/internal/errors"
	"mudgate/util"
)

// Config holds every tuneable.  The YAML keys mirror the field
// grouping; see LoadFile and LoadFromEnv for the other sources.
type Config struct {
	PortalID string `yaml:"portal_id"`

	Listen  Listen  `yaml:"listen"`
	Control Control `yaml:"control"`
	TLS     TLS     `yaml:"tls"`
	SSH     SSH     `yaml:"ssh"`
	Session Session `yaml:"session"`
	Server  Server  `yaml:"server"`
	Jump    Jump    `yaml:"jump"`
	Log     Log     `yaml:"log"`
}

// Listen holds the client-facing ports.  A port of 0 disables that
// listener.
type Listen struct {
	Host        string `yaml:"host"`
	Telnet      int    `yaml:"telnet"`
	Webclient   int    `yaml:"webclient"`
	WebSocket   int    `yaml:"websocket"`
	TLS         int    `yaml:"tls"`
	SSH         int    `yaml:"ssh"`
	Metrics     int    `yaml:"metrics"`
	MetricsHost string `yaml:"metrics_host"`
}

// Control is the Portal/Server link.
type Control struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
}

// TLS configures the TLS telnet listener.  Without files a
// self-signed certificate for Hosts is generated at startup.
type TLS struct {
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
	Hosts    []string `yaml:"hosts"`
}

// SSH configures the SSH listener.
type SSH struct {
	HostKeyFile string `yaml:"host_key_file"`
}

// Session tunes admission and the per-session adapters.
type Session struct {
	MaxConnections    int           `yaml:"max_connections"`
	MaxPerIP          int           `yaml:"max_connections_per_ip"`
	OutageBuffer      int           `yaml:"outage_buffer"`
	OutputQueue       int           `yaml:"output_queue"`
	MaxLineLength     int           `yaml:"max_line_length"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	NegotiationWindow time.Duration `yaml:"negotiation_window"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
}

// Server configures the Server process and, for `start`, how the
// Portal supervises it.
type Server struct {
	InstanceID   string        `yaml:"instance_id"`
	LogicVersion string        `yaml:"logic_version"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	// Command overrides the supervised command line.  Empty runs this
	// binary's `server` verb.
	Command     []string      `yaml:"command"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// Jump describes an SSH jump host for reaching a Portal's loopback
// control port from another machine.
type Jump struct {
	Spec          string        `yaml:"via"` // [user@]host[:port]
	User          string        `yaml:"-"`
	Host          string        `yaml:"-"`
	Port          int           `yaml:"-"`
	KeyPath       string        `yaml:"key"`
	UseAgent      bool          `yaml:"agent"`
	StrictHostKey bool          `yaml:"strict_host_key"`
	KnownHosts    string        `yaml:"known_hosts"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Enabled reports whether a jump host is configured.
func (j Jump) Enabled() bool { return j.Host != "" }

// Log configures the logger.  Level is one of quiet, info, verbose
// or debug.
type Log struct {
	Level      string `yaml:"level"`
	Timestamps bool   `yaml:"timestamps"`
}

// Verbosity is the numeric level for util.NewLogger.
func (l Log) Verbosity() int { return int(util.ParseLogLevel(l.Level)) }

// ── Address helpers ──────────────────────────────────────────────────

// Addr joins host and port, or returns "" for a disabled port.
func Addr(host string, port int) string {
	if port == 0 {
		return ""
	}
	return util.FormatAddr(host, port)
}

// ControlAddr is the control port address.
func (c *Config) ControlAddr() string { return Addr(c.Control.Host, c.Control.Port) }

// MetricsAddr is the metrics listener address.
func (c *Config) MetricsAddr() string { return Addr(c.Listen.MetricsHost, c.Listen.Metrics) }

// ── Jump-spec parser ─────────────────────────────────────────────────

// jumpRe matches [user@]host[:port].
var jumpRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseJumpSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseJumpSpec(spec string) (user, host string, port int, err error) {
	m := jumpRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid jump spec %q: expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid jump port %q", m[3])
		}
	}
	return user, host, port, nil
}

// Resolve fills derived fields (the parsed jump spec).  It is called
// once every source has been applied.
func (c *Config) Resolve() error {
	if c.Jump.Spec == "" {
		c.Jump.User, c.Jump.Host, c.Jump.Port = "", "", 0
		return nil
	}
	user, host, port, err := ParseJumpSpec(c.Jump.Spec)
	if err != nil {
		return &mgerr.ConfigError{Field: "jump.via", Value: c.Jump.Spec, Message: err.Error()}
	}
	c.Jump.User, c.Jump.Host, c.Jump.Port = user, host, port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Every failure is a *errors.ConfigError.
func (c *Config) Validate() error {
	if !util.IsLoopbackHost(c.Control.Host) {
		return &mgerr.ConfigError{
			Field:   "control.host",
			Value:   c.Control.Host,
			Message: "the control port must bind a loopback address",
			Hint:    "run the server on the portal host, or reach it with --via user@host",
		}
	}
	if c.Listen.Metrics != 0 && !util.IsLoopbackHost(c.Listen.MetricsHost) {
		return &mgerr.ConfigError{
			Field:   "listen.metrics_host",
			Value:   c.Listen.MetricsHost,
			Message: "the metrics listener must bind a loopback address",
		}
	}

	ports := []struct {
		field string
		port  int
	}{
		{"listen.telnet", c.Listen.Telnet},
		{"listen.webclient", c.Listen.Webclient},
		{"listen.websocket", c.Listen.WebSocket},
		{"listen.tls", c.Listen.TLS},
		{"listen.ssh", c.Listen.SSH},
		{"listen.metrics", c.Listen.Metrics},
		{"control.port", c.Control.Port},
	}
	seen := make(map[int]string)
	for _, p := range ports {
		if p.port < 0 || p.port > 65535 {
			return &mgerr.ConfigError{Field: p.field, Value: p.port, Message: "port out of range 0-65535"}
		}
		if p.port == 0 {
			continue
		}
		if other, dup := seen[p.port]; dup {
			return &mgerr.ConfigError{
				Field:   p.field,
				Value:   p.port,
				Message: "port already used by " + other,
			}
		}
		seen[p.port] = p.field
	}
	if c.Control.Port == 0 {
		return &mgerr.ConfigError{Field: "control.port", Value: 0, Message: "the control port is required"}
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return &mgerr.ConfigError{
			Field:   "tls.cert_file",
			Message: "cert_file and key_file must be set together",
			Hint:    "omit both to use a generated self-signed certificate",
		}
	}

	if c.Control.HeartbeatInterval <= 0 {
		return &mgerr.ConfigError{Field: "control.heartbeat_interval", Value: c.Control.HeartbeatInterval, Message: "must be positive"}
	}
	if c.Control.HeartbeatTimeout <= c.Control.HeartbeatInterval {
		return &mgerr.ConfigError{
			Field:   "control.heartbeat_timeout",
			Value:   c.Control.HeartbeatTimeout,
			Message: "must be longer than heartbeat_interval",
			Hint:    fmt.Sprintf("try %s", 3*c.Control.HeartbeatInterval),
		}
	}
	if c.Session.OutageBuffer <= 0 {
		return &mgerr.ConfigError{Field: "session.outage_buffer", Value: c.Session.OutageBuffer, Message: "must be positive"}
	}
	if c.Session.OutputQueue < 0 {
		return &mgerr.ConfigError{Field: "session.output_queue", Value: c.Session.OutputQueue, Message: "must not be negative"}
	}
	if c.Session.MaxConnections < 0 || c.Session.MaxPerIP < 0 {
		return &mgerr.ConfigError{Field: "session.max_connections", Message: "limits cannot be negative", Hint: "0 means unlimited"}
	}
	return nil
}
