package logic

import (
	"fmt"
	"strings"

	"mudgate/internal/envelope"
	"mudgate/internal/session"
)

// Echo is the built-in logic: a single room with a couple of commands,
// enough to exercise every path through the Portal and the Server.
type Echo struct{}

// NewEcho returns the built-in handler.
func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Version() string { return DefaultVersion }

func (e *Echo) Connect(out Output, s session.Info, resumed bool) error {
	if resumed {
		return nil
	}
	if err := out.SetAuth(s.ID, "guest-"+shortID(s.ID)); err != nil {
		return err
	}
	return out.Send(s.ID, fmt.Sprintf("Welcome to mudgate, %s.\nType 'look', 'inventory', 'who' or 'quit'.", guestName(s)))
}

func (e *Echo) Message(out Output, s session.Info, m envelope.Message) error {
	if m.Kind == envelope.KindOOB {
		return e.oob(out, s, m)
	}

	line := strings.TrimSpace(string(m.Text))
	cmd, arg, _ := strings.Cut(line, " ")
	switch strings.ToLower(cmd) {
	case "":
		return out.SendOOB(s.ID, "prompt", []any{"> "}, nil)
	case "look", "l":
		return out.Send(s.ID, "You are in the gateway hall. A quiet hum fills the air.")
	case "inventory", "inv", "i":
		return out.Send(s.ID, "You are carrying nothing.")
	case "who":
		return out.Send(s.ID, fmt.Sprintf("%s (%s, %dx%d)", guestName(s), s.Protocol, s.Capabilities.Width, s.Capabilities.Height))
	case "say":
		return out.Send(s.ID, fmt.Sprintf("You say, %q", arg))
	case "quit":
		return out.Kick(s.ID, "Goodbye.")
	default:
		return out.Send(s.ID, fmt.Sprintf("Huh? (%s)", cmd))
	}
}

func (e *Echo) oob(out Output, s session.Info, m envelope.Message) error {
	switch m.Command {
	case "client_options", "get_client_options":
		return out.SendOOB(s.ID, "client_options", nil, map[string]any{
			"screenwidth":  s.Capabilities.Width,
			"screenheight": s.Capabilities.Height,
			"color":        string(s.Capabilities.Color),
		})
	case "Core.Ping", "ping":
		return out.SendOOB(s.ID, m.Command, m.Args, m.Kwargs)
	default:
		return nil
	}
}

func (e *Echo) Disconnect(Output, session.Info, string) error { return nil }

func guestName(s session.Info) string {
	if s.AuthToken != "" {
		return s.AuthToken
	}
	return "guest-" + shortID(s.ID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
