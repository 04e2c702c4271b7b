// Package core is the orchestration layer.  It turns a CLI verb and a
// Config into a runnable Mode: a Portal, a Server, a Portal with a
// supervised Server, or a one-shot launcher request.
//
// Architecture layers (bottom → top):
//
//	transport/protocol  →  session/control  →  portal/server  →  core  →  cmd (CLI)
//
// Build is the single dispatch point between the CLI and the
// processes it starts.
package core

import "context"

// Mode is one CLI verb.  Each mode owns its full lifecycle from
// binding or dialing to teardown.
type Mode interface {
	Run(ctx context.Context) error
}

// Verbs understood by Build.
const (
	VerbPortal  = "portal"
	VerbServer  = "server"
	VerbStart   = "start"
	VerbStop    = "stop"
	VerbRestart = "restart"
	VerbReboot  = "reboot"
	VerbStatus  = "status"
)
