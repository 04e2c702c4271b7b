package cmd

import (
	flag "github.com/spf13/pflag"

	"mudgate/config"
)

// Flags are bound twice: once on a scratch Config during parsing, and
// again on the loaded Config so that only flags the user actually set
// override the file and the environment.

// bindControl adds the flags every verb shares: where the control port
// is, and how to reach it.
func bindControl(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Control.Host, "control-host", cfg.Control.Host, "Control port host (loopback only)")
	fs.IntVar(&cfg.Control.Port, "control-port", cfg.Control.Port, "Control port")
	fs.DurationVar(&cfg.Control.HeartbeatInterval, "heartbeat-interval", cfg.Control.HeartbeatInterval, "Control link heartbeat interval")
	fs.DurationVar(&cfg.Control.HeartbeatTimeout, "heartbeat-timeout", cfg.Control.HeartbeatTimeout, "Declare the control link dead after this much silence")

	// ── SSH jump host ────────────────────────────────────────────
	fs.StringVar(&cfg.Jump.Spec, "via", cfg.Jump.Spec, "Reach the control port through SSH jump host [user@]host[:port]")
	fs.StringVar(&cfg.Jump.KeyPath, "ssh-key", cfg.Jump.KeyPath, "SSH private key file")
	fs.BoolVar(&cfg.Jump.UseAgent, "ssh-agent", cfg.Jump.UseAgent, "Use SSH agent")
	fs.BoolVar(&cfg.Jump.StrictHostKey, "strict-hostkey", cfg.Jump.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.Jump.KnownHosts, "known-hosts", cfg.Jump.KnownHosts, "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level: quiet, info, verbose, debug")
	fs.BoolVar(&cfg.Log.Timestamps, "timestamps", cfg.Log.Timestamps, "Prefix log lines with a timestamp")
}

// bindPortal adds the Portal's listener and session flags.
func bindPortal(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.PortalID, "portal-id", cfg.PortalID, "Portal id (generated if empty)")
	fs.StringVar(&cfg.Listen.Host, "listen-host", cfg.Listen.Host, "Client listener host")
	fs.IntVar(&cfg.Listen.Telnet, "telnet-port", cfg.Listen.Telnet, "Telnet port (0 disables)")
	fs.IntVar(&cfg.Listen.Webclient, "webclient-port", cfg.Listen.Webclient, "Webclient long-poll port (0 disables)")
	fs.IntVar(&cfg.Listen.WebSocket, "websocket-port", cfg.Listen.WebSocket, "WebSocket port (0 disables)")
	fs.IntVar(&cfg.Listen.TLS, "tls-port", cfg.Listen.TLS, "TLS telnet port (0 disables)")
	fs.IntVar(&cfg.Listen.SSH, "ssh-port", cfg.Listen.SSH, "SSH port (0 disables)")
	fs.IntVar(&cfg.Listen.Metrics, "metrics-port", cfg.Listen.Metrics, "Loopback metrics port (0 disables)")

	fs.StringVar(&cfg.TLS.CertFile, "tls-cert", cfg.TLS.CertFile, "TLS certificate file (self-signed if empty)")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key", cfg.TLS.KeyFile, "TLS key file")
	fs.StringVar(&cfg.SSH.HostKeyFile, "ssh-host-key", cfg.SSH.HostKeyFile, "SSH host key file (generated if empty)")

	fs.IntVar(&cfg.Session.MaxConnections, "max-connections", cfg.Session.MaxConnections, "Maximum client sessions (0 unlimited)")
	fs.IntVar(&cfg.Session.MaxPerIP, "max-per-ip", cfg.Session.MaxPerIP, "Maximum client sessions per address (0 unlimited)")
	fs.IntVar(&cfg.Session.OutputQueue, "output-queue", cfg.Session.OutputQueue, "Server messages queued per slow client before it is dropped")
	fs.IntVar(&cfg.Session.OutageBuffer, "outage-buffer", cfg.Session.OutageBuffer, "Envelopes buffered per session while no server is attached")
	fs.DurationVar(&cfg.Session.IdleTimeout, "idle-timeout", cfg.Session.IdleTimeout, "Close idle client sessions (0 never)")
}

// bindServer adds the Server's flags.
func bindServer(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Server.LogicVersion, "logic", cfg.Server.LogicVersion, "Game logic version to load")
	fs.StringVar(&cfg.Server.InstanceID, "instance-id", cfg.Server.InstanceID, "Server instance id (generated if empty)")
	fs.DurationVar(&cfg.Server.DrainTimeout, "drain-timeout", cfg.Server.DrainTimeout, "How long a restart waits for in-flight work")
}

// bindSupervisor adds the flags of a Portal that supervises its Server.
func bindSupervisor(fs *flag.FlagSet, cfg *config.Config) {
	fs.DurationVar(&cfg.Server.StopTimeout, "stop-timeout", cfg.Server.StopTimeout, "How long to wait for the server child to exit")
}

// reapply copies every flag set on parsed onto cfg, bound through the
// same binders.
func reapply(parsed *flag.FlagSet, cfg *config.Config, binders ...func(*flag.FlagSet, *config.Config)) error {
	target := flag.NewFlagSet("apply", flag.ContinueOnError)
	for _, bind := range binders {
		bind(target, cfg)
	}
	var err error
	parsed.Visit(func(f *flag.Flag) {
		if err != nil || target.Lookup(f.Name) == nil {
			return
		}
		err = target.Set(f.Name, f.Value.String())
	})
	return err
}
