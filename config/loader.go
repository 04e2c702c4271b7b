package config

// loader.go - configuration loading from a YAML file and environment
// variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/)
//   2. Environment variables  (LoadFromEnv)
//   3. YAML file  (LoadFile)
//   4. Defaults   (defaults.go)

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	mgerr "mudgate/internal/errors"
)

// Load builds a Config from defaults, the optional YAML file at path
// and the environment.  Flags are applied by the caller, which then
// calls Resolve and Validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg.  Unknown keys are
// an error so a typo never silently falls back to a default.
func LoadFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &mgerr.ConfigError{Field: "config", Value: path, Message: err.Error()}
	}
	defer f.Close()
	return decode(cfg, f, path)
}

func decode(cfg *Config, r io.Reader, name string) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return &mgerr.ConfigError{
			Field:   "config",
			Value:   name,
			Message: err.Error(),
			Hint:    "durations are written like 2s or 500ms",
		}
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the MUDGATE_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive); durations use Go
// syntax ("2s").

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, &mgerr.ConfigError{Field: key, Value: v, Message: "not an integer"})
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, &mgerr.ConfigError{Field: key, Value: v, Message: "not a duration", Hint: "e.g. 2s"})
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = envBool(v)
		}
	}

	str("MUDGATE_PORTAL_ID", &cfg.PortalID)

	str("MUDGATE_LISTEN_HOST", &cfg.Listen.Host)
	num("MUDGATE_TELNET_PORT", &cfg.Listen.Telnet)
	num("MUDGATE_WEBCLIENT_PORT", &cfg.Listen.Webclient)
	num("MUDGATE_WEBSOCKET_PORT", &cfg.Listen.WebSocket)
	num("MUDGATE_TLS_PORT", &cfg.Listen.TLS)
	num("MUDGATE_SSH_PORT", &cfg.Listen.SSH)
	num("MUDGATE_METRICS_PORT", &cfg.Listen.Metrics)

	str("MUDGATE_CONTROL_HOST", &cfg.Control.Host)
	num("MUDGATE_CONTROL_PORT", &cfg.Control.Port)
	dur("MUDGATE_HEARTBEAT_INTERVAL", &cfg.Control.HeartbeatInterval)
	dur("MUDGATE_HEARTBEAT_TIMEOUT", &cfg.Control.HeartbeatTimeout)

	str("MUDGATE_TLS_CERT", &cfg.TLS.CertFile)
	str("MUDGATE_TLS_KEY", &cfg.TLS.KeyFile)
	str("MUDGATE_SSH_HOST_KEY", &cfg.SSH.HostKeyFile)

	num("MUDGATE_MAX_CONNECTIONS", &cfg.Session.MaxConnections)
	num("MUDGATE_MAX_CONNECTIONS_PER_IP", &cfg.Session.MaxPerIP)
	num("MUDGATE_OUTAGE_BUFFER", &cfg.Session.OutageBuffer)
	num("MUDGATE_OUTPUT_QUEUE", &cfg.Session.OutputQueue)
	dur("MUDGATE_IDLE_TIMEOUT", &cfg.Session.IdleTimeout)

	str("MUDGATE_INSTANCE_ID", &cfg.Server.InstanceID)
	str("MUDGATE_LOGIC_VERSION", &cfg.Server.LogicVersion)
	dur("MUDGATE_DRAIN_TIMEOUT", &cfg.Server.DrainTimeout)
	if v := os.Getenv("MUDGATE_SERVER_COMMAND"); v != "" {
		cfg.Server.Command = strings.Fields(v)
	}

	str("MUDGATE_VIA", &cfg.Jump.Spec)
	str("MUDGATE_SSH_KEY", &cfg.Jump.KeyPath)
	flag("MUDGATE_SSH_AGENT", &cfg.Jump.UseAgent)
	flag("MUDGATE_STRICT_HOSTKEY", &cfg.Jump.StrictHostKey)
	str("MUDGATE_KNOWN_HOSTS", &cfg.Jump.KnownHosts)

	str("MUDGATE_LOG_LEVEL", &cfg.Log.Level)
	flag("MUDGATE_LOG_TIMESTAMPS", &cfg.Log.Timestamps)

	if len(errs) > 0 {
		return fmt.Errorf("environment: %w", errors.Join(errs...))
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

func envBool(v string) bool {
	v = strings.ToLower(v)
	return v == "1" || v == "true" || v == "yes"
}
