package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultListenHost is where client listeners bind.
	DefaultListenHost = "0.0.0.0"

	// DefaultLoopback is where the control and metrics ports bind.
	DefaultLoopback = "127.0.0.1"

	// Client-facing ports.
	DefaultTelnetPort    = 4000
	DefaultWebclientPort = 4001
	DefaultWebSocketPort = 4002
	DefaultTLSPort       = 4003
	DefaultSSHPort       = 22
	DefaultSSHListenPort = 4004
	DefaultMetricsPort   = 4005

	// DefaultControlPort is the Portal's loopback control port.
	DefaultControlPort = 4006

	// DefaultHeartbeatInterval is how often each side pings the link.
	DefaultHeartbeatInterval = 2 * time.Second

	// DefaultHeartbeatTimeout declares the link dead after this much
	// silence.
	DefaultHeartbeatTimeout = 6 * time.Second

	// DefaultHandshakeTimeout bounds the control HELLO/WELCOME.
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultOutageBuffer is the per-session envelope cap while no
	// Server is attached.
	DefaultOutageBuffer = 1000

	// DefaultOutputQueue is how many Server messages may wait for a
	// slow client before its session is closed.
	DefaultOutputQueue = 256

	// DefaultLogicVersion is the handler the Server runs.
	DefaultLogicVersion = "echo"

	// DefaultDrainTimeout bounds the Server's dispatch drain on restart.
	DefaultDrainTimeout = 5 * time.Second

	// DefaultStopTimeout is how long the supervisor waits for a
	// stopping Server child.
	DefaultStopTimeout = 10 * time.Second

	// DefaultJumpTimeout is the SSH jump-host connection timeout.
	DefaultJumpTimeout = 15 * time.Second
)

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Listen: Listen{
			Host:        DefaultListenHost,
			Telnet:      DefaultTelnetPort,
			Webclient:   DefaultWebclientPort,
			WebSocket:   DefaultWebSocketPort,
			TLS:         DefaultTLSPort,
			SSH:         DefaultSSHListenPort,
			Metrics:     DefaultMetricsPort,
			MetricsHost: DefaultLoopback,
		},
		Control: Control{
			Host:              DefaultLoopback,
			Port:              DefaultControlPort,
			HeartbeatInterval: DefaultHeartbeatInterval,
			HeartbeatTimeout:  DefaultHeartbeatTimeout,
			HandshakeTimeout:  DefaultHandshakeTimeout,
		},
		TLS: TLS{Hosts: []string{"localhost"}},
		Session: Session{
			OutageBuffer: DefaultOutageBuffer,
			OutputQueue:  DefaultOutputQueue,
		},
		Server: Server{
			LogicVersion: DefaultLogicVersion,
			DrainTimeout: DefaultDrainTimeout,
			StopTimeout:  DefaultStopTimeout,
		},
		Jump: Jump{Timeout: DefaultJumpTimeout},
		Log:  Log{Level: "info"},
	}
}
