package logic

import (
	"errors"
	"strings"
	"testing"

	"mudgate/internal/envelope"
	"mudgate/internal/session"
)

type sent struct {
	op, id, text string
	cmd          string
	kwargs       map[string]any
}

type fakeOutput struct{ calls []sent }

func (f *fakeOutput) Send(id, text string) error {
	f.calls = append(f.calls, sent{op: "send", id: id, text: text})
	return nil
}

func (f *fakeOutput) SendOOB(id, cmd string, _ []any, kwargs map[string]any) error {
	f.calls = append(f.calls, sent{op: "oob", id: id, cmd: cmd, kwargs: kwargs})
	return nil
}

func (f *fakeOutput) Kick(id, reason string) error {
	f.calls = append(f.calls, sent{op: "kick", id: id, text: reason})
	return nil
}

func (f *fakeOutput) SetAuth(id, token string) error {
	f.calls = append(f.calls, sent{op: "auth", id: id, text: token})
	return nil
}

func (f *fakeOutput) SetPuppet(id, token string) error {
	f.calls = append(f.calls, sent{op: "puppet", id: id, text: token})
	return nil
}

func (f *fakeOutput) last() sent { return f.calls[len(f.calls)-1] }

type namedHandler struct {
	*Echo
	name string
}

func (h namedHandler) Version() string { return h.name }

func TestRegistry_ResolveRegistered(t *testing.T) {
	r := NewRegistry()
	r.Register("v2", func() (Handler, error) { return namedHandler{NewEcho(), "v2"}, nil })

	h, err := r.Resolve("v2")
	if err != nil || h.Version() != "v2" {
		t.Fatalf("got %v, %v", h, err)
	}
	h, err = r.Resolve("")
	if err != nil || h.Version() != DefaultVersion {
		t.Errorf("empty version: got %v, %v", h, err)
	}
}

func TestRegistry_FallsBackOnFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func() (Handler, error) { return nil, errors.New("syntax error in room.go") })
	r.Register("panicky", func() (Handler, error) { panic("boom") })
	r.Register("empty", func() (Handler, error) { return nil, nil })

	for _, v := range []string{"broken", "panicky", "empty", "missing"} {
		t.Run(v, func(t *testing.T) {
			h, err := r.Resolve(v)
			if err == nil {
				t.Error("expected the load error")
			}
			if h == nil || h.Version() != DefaultVersion {
				t.Errorf("handler = %v, want fallback", h)
			}
		})
	}
}

func TestRegistry_CustomFallback(t *testing.T) {
	r := NewRegistry()
	r.Register("stable", func() (Handler, error) { return namedHandler{NewEcho(), "stable"}, nil })
	if err := r.SetFallback("stable"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetFallback("nope"); err == nil {
		t.Error("unknown fallback should fail")
	}
	h, err := r.Resolve("missing")
	if err == nil || h.Version() != "stable" {
		t.Errorf("got %v, %v", h, err)
	}
	if got := strings.Join(r.Versions(), ","); got != "echo,stable" {
		t.Errorf("versions = %s", got)
	}
}

func TestRegistry_RegisterValidates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("", func() (Handler, error) { return NewEcho(), nil }); err == nil {
		t.Error("empty version should fail")
	}
	if err := r.Register("x", nil); err == nil {
		t.Error("nil factory should fail")
	}
}

func TestEcho_Connect(t *testing.T) {
	out := &fakeOutput{}
	s := session.Info{ID: "3f2a9c1e-0000", Protocol: "telnet"}
	if err := NewEcho().Connect(out, s, false); err != nil {
		t.Fatal(err)
	}
	if len(out.calls) != 2 || out.calls[0].op != "auth" || out.calls[0].text != "guest-3f2a9c1e" {
		t.Fatalf("calls = %+v", out.calls)
	}
	if !strings.Contains(out.calls[1].text, "Welcome") {
		t.Errorf("greeting = %q", out.calls[1].text)
	}

	out = &fakeOutput{}
	NewEcho().Connect(out, s, true)
	if len(out.calls) != 0 {
		t.Errorf("resumed session should not be greeted again: %+v", out.calls)
	}
}

func TestEcho_Commands(t *testing.T) {
	s := session.Info{ID: "s1", Protocol: "websocket", AuthToken: "guest-s1",
		Capabilities: session.Capabilities{Width: 100, Height: 40}}
	tests := []struct {
		line, op, want string
	}{
		{"look", "send", "gateway hall"},
		{"inventory", "send", "carrying nothing"},
		{"i", "send", "carrying nothing"},
		{"who", "send", "guest-s1 (websocket, 100x40)"},
		{"say hello there", "send", `"hello there"`},
		{"quit", "kick", "Goodbye."},
		{"dance", "send", "Huh?"},
		{"", "oob", ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			out := &fakeOutput{}
			if err := NewEcho().Message(out, s, envelope.Text(tt.line)); err != nil {
				t.Fatal(err)
			}
			got := out.last()
			if got.op != tt.op || !strings.Contains(got.text, tt.want) {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestEcho_ClientOptions(t *testing.T) {
	out := &fakeOutput{}
	s := session.Info{ID: "s1", Capabilities: session.Capabilities{Width: 132, Height: 50, Color: session.ColorTruecolor}}
	if err := NewEcho().Message(out, s, envelope.OOB("get_client_options", nil, nil)); err != nil {
		t.Fatal(err)
	}
	got := out.last()
	if got.cmd != "client_options" || got.kwargs["screenwidth"] != 132 || got.kwargs["color"] != "truecolor" {
		t.Errorf("got %+v", got)
	}

	out = &fakeOutput{}
	NewEcho().Message(out, s, envelope.OOB("unknown_thing", nil, nil))
	if len(out.calls) != 0 {
		t.Errorf("unknown OOB should be ignored: %+v", out.calls)
	}
}
