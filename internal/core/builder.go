package core

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"mudgate/config"
	"mudgate/internal/control"
	"mudgate/internal/metrics"
	"mudgate/internal/protocol"
	"mudgate/internal/retry"
	"mudgate/internal/session"
	"mudgate/internal/transport"
	"mudgate/portal"
	"mudgate/server"
	"mudgate/util"
)

// Options carries the per-invocation settings that are not part of
// the shared Config.
type Options struct {
	// ConfigPath is forwarded to a supervised Server.
	ConfigPath string
	// Reason is the text sent with restart.
	Reason string
	// JSON prints status as JSON.
	JSON bool
	// Out receives launcher output.  Nil means os.Stdout.
	Out io.Writer
	// Executable overrides the binary a supervised Server runs.
	Executable string
}

// Build constructs the Mode for verb from cfg.  cfg must already be
// resolved and validated.
func Build(verb string, cfg *config.Config, opts Options, logger *util.Logger) (Mode, error) {
	switch verb {
	case VerbPortal:
		return buildPortal(cfg, nil, logger), nil
	case VerbStart:
		sup, err := supervisorConfig(cfg, opts)
		if err != nil {
			return nil, err
		}
		return buildPortal(cfg, sup, logger), nil
	case VerbServer:
		return buildServer(cfg, logger), nil
	case VerbStop, VerbRestart, VerbReboot, VerbStatus:
		return buildLauncher(verb, cfg, opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown verb %q", verb)
	}
}

// ── mode builders ────────────────────────────────────────────────────

func buildPortal(cfg *config.Config, sup *portal.SupervisorConfig, logger *util.Logger) *PortalMode {
	pc := PortalConfig(cfg, logger)
	pc.Supervisor = sup
	return &PortalMode{Config: pc, Logger: logger}
}

func buildServer(cfg *config.Config, logger *util.Logger) *ServerMode {
	return &ServerMode{Config: ServerConfig(cfg, logger)}
}

func buildLauncher(verb string, cfg *config.Config, opts Options, logger *util.Logger) *LauncherMode {
	op := map[string]string{
		VerbStop:    control.OpStop,
		VerbRestart: control.OpRestart,
		VerbReboot:  control.OpReboot,
		VerbStatus:  control.OpStatus,
	}[verb]
	return &LauncherMode{
		Op:      op,
		Reason:  opts.Reason,
		Addr:    cfg.ControlAddr(),
		Dialer:  buildDialer(cfg, logger),
		Timeout: cfg.Control.HandshakeTimeout,
		JSON:    opts.JSON,
		Out:     opts.Out,
		Logger:  logger,
	}
}

// ── config mapping ───────────────────────────────────────────────────

// PortalConfig maps cfg onto a portal.Config with a fresh metrics
// collector.
func PortalConfig(cfg *config.Config, logger *util.Logger) portal.Config {
	host := cfg.Listen.Host
	return portal.Config{
		PortalID:       cfg.PortalID,
		TelnetAddr:     config.Addr(host, cfg.Listen.Telnet),
		WebclientAddr:  config.Addr(host, cfg.Listen.Webclient),
		WebSocketAddr:  config.Addr(host, cfg.Listen.WebSocket),
		TLSAddr:        config.Addr(host, cfg.Listen.TLS),
		SSHAddr:        config.Addr(host, cfg.Listen.SSH),
		MetricsAddr:    cfg.MetricsAddr(),
		ControlAddr:    cfg.ControlAddr(),
		TLSCertFile:    cfg.TLS.CertFile,
		TLSKeyFile:     cfg.TLS.KeyFile,
		TLSHosts:       cfg.TLS.Hosts,
		SSHHostKeyFile: cfg.SSH.HostKeyFile,
		Adapter: protocol.Options{
			HandshakeTimeout:  cfg.Session.HandshakeTimeout,
			NegotiationWindow: cfg.Session.NegotiationWindow,
			IdleTimeout:       cfg.Session.IdleTimeout,
			MaxLineLength:     cfg.Session.MaxLineLength,
			Logger:            logger,
		},
		PollTimeout: cfg.Session.PollTimeout,
		Session: session.Config{
			BufferCapacity: cfg.Session.OutageBuffer,
			OutputQueue:    cfg.Session.OutputQueue,
			MaxConnections: cfg.Session.MaxConnections,
			MaxPerIP:       cfg.Session.MaxPerIP,
		},
		Link:             linkConfig(cfg),
		HandshakeTimeout: cfg.Control.HandshakeTimeout,
		Logger:           logger,
		Metrics:          metrics.New("portal"),
	}
}

// ServerConfig maps cfg onto a server.Config.  The dialer goes through
// the jump host when one is configured.
func ServerConfig(cfg *config.Config, logger *util.Logger) server.Config {
	return server.Config{
		ControlAddr:      cfg.ControlAddr(),
		InstanceID:       cfg.Server.InstanceID,
		LogicVersion:     cfg.Server.LogicVersion,
		Dialer:           buildDialer(cfg, logger),
		HandshakeTimeout: cfg.Control.HandshakeTimeout,
		Link:             linkConfig(cfg),
		Backoff:          retry.DefaultBackoff(),
		DrainTimeout:     cfg.Server.DrainTimeout,
		Logger:           logger,
		Metrics:          metrics.New("server"),
	}
}

func linkConfig(cfg *config.Config) control.LinkConfig {
	return control.LinkConfig{
		HeartbeatInterval: cfg.Control.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Control.HeartbeatTimeout,
	}
}

// supervisorConfig builds the command `start` supervises.  Without an
// explicit server.command it re-runs this binary's server verb against
// the same control port.
func supervisorConfig(cfg *config.Config, opts Options) (*portal.SupervisorConfig, error) {
	if len(cfg.Server.Command) > 0 {
		return &portal.SupervisorConfig{
			Command:     cfg.Server.Command[0],
			Args:        cfg.Server.Command[1:],
			Backoff:     retry.DefaultBackoff(),
			StopTimeout: cfg.Server.StopTimeout,
		}, nil
	}

	exe := opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locate server binary: %w", err)
		}
	}
	return &portal.SupervisorConfig{
		Command:     exe,
		Args:        ServerArgs(cfg, opts.ConfigPath),
		Env:         []string{"MUDGATE_VIA="},
		Backoff:     retry.DefaultBackoff(),
		StopTimeout: cfg.Server.StopTimeout,
	}, nil
}

// ServerArgs is the argument list of a supervised `server` child.
// Settings that may have come from flags are passed explicitly so the
// child sees the same control port and logic as the Portal.
func ServerArgs(cfg *config.Config, configPath string) []string {
	args := []string{VerbServer}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	args = append(args,
		"--control-host", cfg.Control.Host,
		"--control-port", strconv.Itoa(cfg.Control.Port),
		"--heartbeat-interval", cfg.Control.HeartbeatInterval.String(),
		"--heartbeat-timeout", cfg.Control.HeartbeatTimeout.String(),
		"--logic", cfg.Server.LogicVersion,
		"--log-level", cfg.Log.Level,
		"--via=",
	)
	if cfg.Server.InstanceID != "" {
		args = append(args, "--instance-id", cfg.Server.InstanceID)
	}
	return args
}

// ── shared helpers ───────────────────────────────────────────────────

// buildDialer creates the dialer for the control port: direct TCP, or
// through the SSH jump host.
func buildDialer(cfg *config.Config, logger *util.Logger) transport.Dialer {
	if cfg.Jump.Enabled() {
		return transport.NewSSHDialer(transport.SSHConfig{
			User:          cfg.Jump.User,
			Host:          cfg.Jump.Host,
			Port:          cfg.Jump.Port,
			KeyPath:       cfg.Jump.KeyPath,
			UseAgent:      cfg.Jump.UseAgent,
			StrictHostKey: cfg.Jump.StrictHostKey,
			KnownHosts:    cfg.Jump.KnownHosts,
			ConnTimeout:   cfg.Jump.Timeout,
		}, logger)
	}
	return &transport.TCPDialer{Timeout: dialTimeout(cfg), KeepAlive: cfg.Control.HeartbeatInterval}
}

func dialTimeout(cfg *config.Config) time.Duration {
	if cfg.Control.HandshakeTimeout > 0 {
		return cfg.Control.HandshakeTimeout
	}
	return config.DefaultHandshakeTimeout
}
