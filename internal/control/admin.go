package control

import (
	"encoding/json"
	"fmt"
	"time"

	"mudgate/internal/envelope"
	"mudgate/internal/metrics"
	"mudgate/internal/session"
)

// ADMIN operations.
const (
	// Portal -> Server, right after WELCOME: every live session.
	OpPortalSync = "portal-sync"
	// Server -> Portal: new mirror tokens for one session.
	OpSessionSync = "session-sync"
	// Server -> Portal, best effort before the link closes.
	OpGoingDown = "going-down"

	// Launcher -> Portal requests.  restart and stop are also sent
	// Portal -> Server to drive the Server's shutdown.
	OpStatus  = "status"
	OpRestart = "restart"
	OpReboot  = "reboot"
	OpStop    = "stop"

	// Portal -> launcher.
	OpReply = "reply"
)

// Admin is the JSON body of an ADMIN envelope.  Which fields are set
// depends on Op.
type Admin struct {
	Op          string         `json:"op"`
	Reason      string         `json:"reason,omitempty"`
	PortalID    string         `json:"portal_id,omitempty"`
	Sessions    []session.Info `json:"sessions,omitempty"`
	AuthToken   string         `json:"auth_token,omitempty"`
	PuppetToken string         `json:"puppet_token,omitempty"`

	OK     bool    `json:"ok,omitempty"`
	Error  string  `json:"error,omitempty"`
	Status *Status `json:"status,omitempty"`
}

// Status is the Portal's answer to a status request.
type Status struct {
	PortalID       string           `json:"portal_id"`
	StartedAt      time.Time        `json:"started_at"`
	Uptime         string           `json:"uptime"`
	LinkState      string           `json:"link_state"`
	ServerInstance string           `json:"server_instance,omitempty"`
	LogicVersion   string           `json:"logic_version,omitempty"`
	Supervised     bool             `json:"supervised"`
	Sessions       []session.Info   `json:"sessions"`
	Metrics        metrics.Snapshot `json:"metrics"`
}

// Reply builds a launcher reply.  A nil err means success.
func Reply(err error) *Admin {
	if err != nil {
		return &Admin{Op: OpReply, Error: err.Error()}
	}
	return &Admin{Op: OpReply, OK: true}
}

// Envelope wraps a in an ADMIN envelope.  An empty sessionID makes it
// link-scoped.
func (a *Admin) Envelope(sessionID string) (*envelope.Envelope, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode admin %s: %w", a.Op, err)
	}
	return &envelope.Envelope{SessionID: sessionID, Kind: envelope.KindAdmin, Payload: b}, nil
}

// DecodeAdmin parses the payload of an ADMIN envelope.
func DecodeAdmin(e *envelope.Envelope) (*Admin, error) {
	if e.Kind != envelope.KindAdmin {
		return nil, fmt.Errorf("decode admin: got %s envelope", e.Kind)
	}
	var a Admin
	if err := json.Unmarshal(e.Payload, &a); err != nil {
		return nil, fmt.Errorf("decode admin: %w", err)
	}
	if a.Op == "" {
		return nil, fmt.Errorf("decode admin: missing op")
	}
	return &a, nil
}
