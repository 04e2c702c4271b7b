package config

import (
	"testing"
)

// ── ParseJumpSpec ────────────────────────────────────────────────────

func TestParseJumpSpec(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantUser string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"full", "admin@bastion.example.com:2222", "admin", "bastion.example.com", 2222, false},
		{"no port", "root@gateway", "root", "gateway", 22, false},
		{"no user", "jump-host:2200", "", "jump-host", 2200, false},
		{"host only", "gateway.local", "", "gateway.local", 22, false},
		{"bad port", "user@host:999999", "", "", 0, true},
		{"empty", "", "", "", 0, true},
		{"colon only", ":", "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, host, port, err := ParseJumpSpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if user != tt.wantUser || host != tt.wantHost || port != tt.wantPort {
				t.Errorf("got (%q, %q, %d), want (%q, %q, %d)",
					user, host, port, tt.wantUser, tt.wantHost, tt.wantPort)
			}
		})
	}
}

// ── Resolve ──────────────────────────────────────────────────────────

func TestResolve_Jump(t *testing.T) {
	cfg := Default()
	cfg.Jump.Spec = "ops@bastion:2200"
	if err := cfg.Resolve(); err != nil {
		t.Fatal(err)
	}
	if !cfg.Jump.Enabled() || cfg.Jump.User != "ops" || cfg.Jump.Host != "bastion" || cfg.Jump.Port != 2200 {
		t.Errorf("jump = %+v", cfg.Jump)
	}

	cfg.Jump.Spec = ""
	if err := cfg.Resolve(); err != nil {
		t.Fatal(err)
	}
	if cfg.Jump.Enabled() {
		t.Error("jump still enabled after clearing the spec")
	}

	cfg.Jump.Spec = "user@host:0"
	if err := cfg.Resolve(); err == nil {
		t.Error("port 0 accepted")
	}
}

// ── Defaults & addresses ─────────────────────────────────────────────

func TestDefault_Ports(t *testing.T) {
	cfg := Default()
	want := map[string]int{
		"telnet":    4000,
		"webclient": 4001,
		"websocket": 4002,
		"tls":       4003,
		"ssh":       4004,
		"metrics":   4005,
		"control":   4006,
	}
	got := map[string]int{
		"telnet":    cfg.Listen.Telnet,
		"webclient": cfg.Listen.Webclient,
		"websocket": cfg.Listen.WebSocket,
		"tls":       cfg.Listen.TLS,
		"ssh":       cfg.Listen.SSH,
		"metrics":   cfg.Listen.Metrics,
		"control":   cfg.Control.Port,
	}
	for name, port := range want {
		if got[name] != port {
			t.Errorf("%s port = %d, want %d", name, got[name], port)
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestAddr(t *testing.T) {
	if got := Addr("0.0.0.0", 0); got != "" {
		t.Errorf("disabled port = %q, want empty", got)
	}
	cfg := Default()
	if got := cfg.ControlAddr(); got != "127.0.0.1:4006" {
		t.Errorf("ControlAddr = %q", got)
	}
	if got := cfg.MetricsAddr(); got != "127.0.0.1:4005" {
		t.Errorf("MetricsAddr = %q", got)
	}
}

func TestLog_Verbosity(t *testing.T) {
	tests := map[string]int{"quiet": 0, "info": 1, "verbose": 2, "debug": 3, "": 1}
	for level, want := range tests {
		if got := (Log{Level: level}).Verbosity(); got != want {
			t.Errorf("Verbosity(%q) = %d, want %d", level, got, want)
		}
	}
}
