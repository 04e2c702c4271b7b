package server

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"mudgate/internal/control"
	"mudgate/internal/envelope"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/logic"
	"mudgate/internal/retry"
	"mudgate/internal/session"
	"mudgate/util"
)

func quietLogger() *util.Logger {
	l := util.NewLogger(0)
	l.SetOutput(io.Discard)
	return l
}

// fakePortal plays the Portal side of the control port.
type fakePortal struct {
	sync  []session.Info
	links chan *control.Link

	mu   sync.Mutex
	envs []*envelope.Envelope
	acks map[string]uint64
	got  chan struct{}
}

func newFakePortal(sessions ...session.Info) *fakePortal {
	return &fakePortal{
		sync:  sessions,
		links: make(chan *control.Link, 4),
		acks:  make(map[string]uint64),
		got:   make(chan struct{}, 1024),
	}
}

func (p *fakePortal) Attach(l *control.Link, _ *envelope.Hello) {
	l.SendAdmin("", &control.Admin{Op: control.OpPortalSync, PortalID: "portal-test", Sessions: p.sync})
	p.links <- l
}

func (p *fakePortal) Detach(*control.Link, error) {}

func (p *fakePortal) HandleAdmin(context.Context, *control.Admin) (*control.Admin, func()) {
	return control.Reply(nil), nil
}

func (p *fakePortal) HandleEnvelope(e *envelope.Envelope) error {
	p.mu.Lock()
	p.envs = append(p.envs, e)
	p.mu.Unlock()
	p.got <- struct{}{}
	return nil
}

func (p *fakePortal) HandleAck(a *envelope.Ack) error {
	p.mu.Lock()
	if a.Seq > p.acks[a.SessionID] {
		p.acks[a.SessionID] = a.Seq
	}
	p.mu.Unlock()
	return nil
}

func (p *fakePortal) acked(id string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acks[id]
}

// next waits for the next envelope matching keep.
func (p *fakePortal) next(t *testing.T, keep func(*envelope.Envelope) bool) *envelope.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	seen := 0
	for {
		p.mu.Lock()
		for ; seen < len(p.envs); seen++ {
			if e := p.envs[seen]; keep(e) {
				p.envs = append(p.envs[:seen], p.envs[seen+1:]...)
				p.mu.Unlock()
				return e
			}
		}
		p.mu.Unlock()
		select {
		case <-p.got:
		case <-deadline:
			t.Fatal("timed out waiting for an envelope")
			return nil
		}
	}
}

func kind(k envelope.Kind) func(*envelope.Envelope) bool {
	return func(e *envelope.Envelope) bool { return e.Kind == k }
}

func adminOp(op string) func(*envelope.Envelope) bool {
	return func(e *envelope.Envelope) bool {
		if e.Kind != envelope.KindAdmin {
			return false
		}
		a, err := control.DecodeAdmin(e)
		return err == nil && a.Op == op
	}
}

type harness struct {
	portal *fakePortal
	srv    *Server
	link   *control.Link // the Portal's end
	addr   string
	result chan error
}

func startHarness(t *testing.T, p *fakePortal, cfg Config) *harness {
	t.Helper()
	ln, err := control.Listen(control.ListenerConfig{Addr: "127.0.0.1:0", PortalID: "portal-test"}, p, quietLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go ln.Serve(ctx)

	cfg.ControlAddr = ln.Addr().String()
	cfg.Logger = quietLogger()
	if cfg.Backoff == nil {
		cfg.Backoff = &retry.Backoff{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	}
	h := &harness{portal: p, srv: New(cfg), addr: cfg.ControlAddr, result: make(chan error, 1)}
	go func() { h.result <- h.srv.Run(ctx) }()

	select {
	case h.link = <-p.links:
	case <-time.After(3 * time.Second):
		t.Fatal("server never attached")
	}
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	return h
}

func (h *harness) send(t *testing.T, e *envelope.Envelope) {
	t.Helper()
	if err := h.link.Send(e); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) connect(t *testing.T, id string, seq uint64) {
	t.Helper()
	info, _ := json.Marshal(session.Info{ID: id, Protocol: "websocket",
		Capabilities: session.Capabilities{Width: 80, Height: 24}})
	h.send(t, &envelope.Envelope{SessionID: id, Kind: envelope.KindConnect, Seq: seq, Payload: info})
}

func (h *harness) say(t *testing.T, id string, seq uint64, line string) {
	t.Helper()
	h.send(t, &envelope.Envelope{SessionID: id, Kind: envelope.KindData, Seq: seq, Payload: []byte(line)})
}

func (h *harness) waitResult(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_ConnectGreetsAndAcks(t *testing.T) {
	h := startHarness(t, newFakePortal(), Config{})
	h.connect(t, "s1", 1)

	sync := h.portal.next(t, adminOp(control.OpSessionSync))
	a, _ := control.DecodeAdmin(sync)
	if sync.SessionID != "s1" || a.AuthToken != "guest-s1" {
		t.Errorf("session-sync = %s %+v", sync, a)
	}
	greet := h.portal.next(t, kind(envelope.KindData))
	if greet.Seq != 1 || !strings.Contains(string(greet.Payload), "Welcome") {
		t.Errorf("greeting = %s %q", greet, greet.Payload)
	}
	waitFor(t, "ack", func() bool { return h.portal.acked("s1") == 1 })

	if info, ok := h.srv.mirror.Get("s1"); !ok || info.AuthToken != "guest-s1" {
		t.Errorf("mirror = %+v", info)
	}
}

func TestServer_DispatchInOrderAndDedupe(t *testing.T) {
	h := startHarness(t, newFakePortal(), Config{})
	h.connect(t, "s1", 1)
	h.portal.next(t, kind(envelope.KindData)) // greeting

	h.say(t, "s1", 2, "look")
	h.say(t, "s1", 3, "inventory")
	h.say(t, "s1", 3, "inventory") // replayed duplicate
	h.say(t, "s1", 2, "look")      // replayed duplicate

	look := h.portal.next(t, kind(envelope.KindData))
	inv := h.portal.next(t, kind(envelope.KindData))
	if !strings.Contains(string(look.Payload), "gateway") || !strings.Contains(string(inv.Payload), "carrying") {
		t.Fatalf("replies = %q, %q", look.Payload, inv.Payload)
	}
	if look.Seq != 2 || inv.Seq != 3 {
		t.Errorf("seqs = %d, %d", look.Seq, inv.Seq)
	}
	waitFor(t, "ack 3", func() bool { return h.portal.acked("s1") == 3 })

	time.Sleep(50 * time.Millisecond)
	h.portal.mu.Lock()
	extra := 0
	for _, e := range h.portal.envs {
		if e.Kind == envelope.KindData {
			extra++
		}
	}
	h.portal.mu.Unlock()
	if extra != 0 {
		t.Errorf("duplicates were dispatched: %d extra replies", extra)
	}
}

func TestServer_PortalSyncContinuesSeqs(t *testing.T) {
	p := newFakePortal(session.Info{ID: "s1", Protocol: "telnet", AuthToken: "guest-s1", LastAcked: 7, LastOutSeq: 12})
	h := startHarness(t, p, Config{})

	waitFor(t, "mirror", func() bool { return h.srv.mirror.Len() == 1 })
	h.say(t, "s1", 7, "look") // already acked by the previous server
	h.say(t, "s1", 8, "look")

	reply := h.portal.next(t, kind(envelope.KindData))
	if reply.Seq != 13 {
		t.Errorf("reply seq = %d, want 13", reply.Seq)
	}
	waitFor(t, "ack 8", func() bool { return h.portal.acked("s1") == 8 })
}

func TestServer_QuitKicks(t *testing.T) {
	h := startHarness(t, newFakePortal(), Config{})
	h.connect(t, "s1", 1)
	h.say(t, "s1", 2, "quit")

	kick := h.portal.next(t, kind(envelope.KindDisconnect))
	if kick.SessionID != "s1" || string(kick.Payload) != "Goodbye." {
		t.Errorf("kick = %s %q", kick, kick.Payload)
	}

	// The Portal confirms with its own DISCONNECT; the mirror forgets.
	h.send(t, &envelope.Envelope{SessionID: "s1", Kind: envelope.KindDisconnect, Seq: 3, Payload: []byte("Goodbye.")})
	waitFor(t, "mirror removal", func() bool { return h.srv.mirror.Len() == 0 })
	waitFor(t, "ack 3", func() bool { return h.portal.acked("s1") == 3 })
}

func TestServer_RestartSaysGoingDown(t *testing.T) {
	h := startHarness(t, newFakePortal(), Config{})
	h.connect(t, "s1", 1)
	h.portal.next(t, kind(envelope.KindData))

	h.srv.Restart()
	if err := h.waitResult(t); !mgerr.Is(err, mgerr.ErrRestart) {
		t.Fatalf("Run = %v, want ErrRestart", err)
	}
	gd := h.portal.next(t, adminOp(control.OpGoingDown))
	a, _ := control.DecodeAdmin(gd)
	if a.Reason != ReasonRestart {
		t.Errorf("reason = %q", a.Reason)
	}
}

func TestServer_PortalRequestedStop(t *testing.T) {
	tests := []struct {
		op   string
		want error
	}{
		{control.OpRestart, mgerr.ErrRestart},
		{control.OpStop, nil},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			h := startHarness(t, newFakePortal(), Config{})
			if err := h.link.SendAdmin("", &control.Admin{Op: tt.op}); err != nil {
				t.Fatal(err)
			}
			if err := h.waitResult(t); err != tt.want {
				t.Errorf("Run = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestServer_RejectedWhenAnotherIsAttached(t *testing.T) {
	h := startHarness(t, newFakePortal(), Config{InstanceID: "first"})

	second := New(Config{ControlAddr: h.addr, InstanceID: "second", Logger: quietLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := second.Run(ctx)
	if !mgerr.Is(err, mgerr.ErrAlreadyAttached) {
		t.Fatalf("second Run = %v, want ErrAlreadyAttached", err)
	}
	if h.link.State() != control.StateConnected {
		t.Error("first server's link must stay up")
	}
}

func TestServer_LogicFallback(t *testing.T) {
	reg := logic.NewRegistry()
	srv := New(Config{LogicVersion: "v9-broken", Logic: reg, Logger: quietLogger()})
	if srv.LogicVersion() != logic.DefaultVersion {
		t.Errorf("logic = %q, want fallback", srv.LogicVersion())
	}
}

func TestServer_OutputWithoutLink(t *testing.T) {
	srv := New(Config{Logger: quietLogger()})
	srv.mirror.Connect(session.Info{ID: "s1"}, 1)
	if err := srv.Send("s1", "hi"); !mgerr.Is(err, mgerr.ErrLinkDown) {
		t.Errorf("Send = %v, want ErrLinkDown", err)
	}
}

// countingLogic records every Connect the Server makes.
type countingLogic struct {
	*logic.Echo

	mu       sync.Mutex
	connects map[string][]bool
}

func (c *countingLogic) Version() string { return "counting" }

func (c *countingLogic) Connect(out logic.Output, s session.Info, resumed bool) error {
	c.mu.Lock()
	c.connects[s.ID] = append(c.connects[s.ID], resumed)
	c.mu.Unlock()
	return c.Echo.Connect(out, s, resumed)
}

func (c *countingLogic) calls(id string) []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.connects[id]...)
}

func TestServer_PortalSyncResumesOnlySeenSessions(t *testing.T) {
	counter := &countingLogic{Echo: logic.NewEcho(), connects: make(map[string][]bool)}
	reg := logic.NewRegistry()
	reg.Register("counting", func() (logic.Handler, error) { return counter, nil })

	// "fresh" connected while no Server was attached: its CONNECT is
	// still waiting in the outage buffer.  "known" was greeted by the
	// previous Server.
	p := newFakePortal(
		session.Info{ID: "fresh", Protocol: "telnet", State: "suspended"},
		session.Info{ID: "known", Protocol: "telnet", AuthToken: "guest-known", LastAcked: 3, LastOutSeq: 2},
	)
	h := startHarness(t, p, Config{Logic: reg, LogicVersion: "counting"})

	waitFor(t, "mirror", func() bool { return h.srv.mirror.Len() == 2 })
	h.connect(t, "fresh", 1)
	waitFor(t, "ack fresh", func() bool { return h.portal.acked("fresh") == 1 })

	if got := counter.calls("fresh"); len(got) != 1 || got[0] {
		t.Errorf("fresh connects = %v, want one with resumed=false", got)
	}
	if got := counter.calls("known"); len(got) != 1 || !got[0] {
		t.Errorf("known connects = %v, want one with resumed=true", got)
	}
}
