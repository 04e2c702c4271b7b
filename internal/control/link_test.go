package control

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"mudgate/internal/envelope"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/metrics"
	"mudgate/util"
)

func quietLogger() *util.Logger {
	l := util.NewLogger(0)
	l.SetOutput(io.Discard)
	return l
}

// recorder is a Handler that keeps everything it receives.
type recorder struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
	acks []envelope.Ack
	got  chan struct{}
	err  error
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 1024)} }

func (r *recorder) HandleEnvelope(e *envelope.Envelope) error {
	r.mu.Lock()
	r.envs = append(r.envs, e)
	err := r.err
	r.mu.Unlock()
	r.got <- struct{}{}
	return err
}

func (r *recorder) HandleAck(a *envelope.Ack) error {
	r.mu.Lock()
	r.acks = append(r.acks, *a)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(3 * time.Second):
			t.Fatalf("received %d of %d items", i, n)
		}
	}
}

func (r *recorder) envelopes() []*envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*envelope.Envelope(nil), r.envs...)
}

func linkPair(t *testing.T, cfg LinkConfig) (*Link, *Link) {
	t.Helper()
	a, b := net.Pipe()
	la := NewLink(a, "server-1", cfg, quietLogger(), metrics.New("portal"))
	lb := NewLink(b, "portal-1", cfg, quietLogger(), nil)
	t.Cleanup(func() {
		la.Close()
		lb.Close()
	})
	return la, lb
}

func runLink(l *Link, h Handler) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- l.Run(context.Background(), h) }()
	return ch
}

func TestLink_EnvelopesArriveInOrder(t *testing.T) {
	portal, server := linkPair(t, LinkConfig{})
	rec := newRecorder()
	runLink(portal, newRecorder())
	runLink(server, rec)

	const n = 200
	for i := 1; i <= n; i++ {
		e := &envelope.Envelope{SessionID: "s1", Kind: envelope.KindData, Seq: uint64(i), Payload: []byte("x")}
		if err := portal.Send(e); err != nil {
			t.Fatal(err)
		}
	}
	rec.wait(t, n)

	for i, e := range rec.envelopes() {
		if e.Seq != uint64(i+1) {
			t.Fatalf("envelope %d has seq %d", i, e.Seq)
		}
	}
}

func TestLink_AckAndAdmin(t *testing.T) {
	portal, server := linkPair(t, LinkConfig{})
	prec, srec := newRecorder(), newRecorder()
	runLink(portal, prec)
	runLink(server, srec)

	if err := server.SendAck("s1", 7); err != nil {
		t.Fatal(err)
	}
	if err := portal.SendAdmin("", &Admin{Op: OpGoingDown, Reason: "restart"}); err != nil {
		t.Fatal(err)
	}
	prec.wait(t, 1)
	srec.wait(t, 1)

	prec.mu.Lock()
	if len(prec.acks) != 1 || prec.acks[0] != (envelope.Ack{SessionID: "s1", Seq: 7}) {
		t.Errorf("acks = %+v", prec.acks)
	}
	prec.mu.Unlock()

	a, err := DecodeAdmin(srec.envelopes()[0])
	if err != nil {
		t.Fatal(err)
	}
	if a.Op != OpGoingDown || a.Reason != "restart" {
		t.Errorf("admin = %+v", a)
	}
}

func TestLink_HeartbeatKeepsIdleLinkAlive(t *testing.T) {
	cfg := LinkConfig{HeartbeatInterval: 10 * time.Millisecond, HeartbeatTimeout: 50 * time.Millisecond}
	portal, server := linkPair(t, cfg)
	pdone := runLink(portal, newRecorder())
	runLink(server, newRecorder())

	select {
	case err := <-pdone:
		t.Fatalf("idle link died: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	if portal.State() != StateConnected {
		t.Errorf("state = %s", portal.State())
	}
}

func TestLink_HeartbeatTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	go io.Copy(io.Discard, b) // a silent peer

	l := NewLink(a, "server-1", LinkConfig{HeartbeatInterval: 10 * time.Millisecond, HeartbeatTimeout: 40 * time.Millisecond}, quietLogger(), nil)
	select {
	case err := <-runLink(l, newRecorder()):
		if !mgerr.IsLinkScoped(err) || !mgerr.Is(err, mgerr.ErrLinkDown) {
			t.Fatalf("err = %v, want link down", err)
		}
		var le *mgerr.LinkError
		if !mgerr.As(err, &le) || le.Op != "heartbeat" {
			t.Errorf("err = %v, want heartbeat failure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("silent peer never timed out")
	}
	if l.State() != StateDisconnected {
		t.Errorf("state = %s", l.State())
	}
}

func TestLink_PeerCloseEndsRun(t *testing.T) {
	portal, server := linkPair(t, LinkConfig{})
	pdone := runLink(portal, newRecorder())
	runLink(server, newRecorder())

	server.Close()
	select {
	case err := <-pdone:
		if !mgerr.Is(err, mgerr.ErrLinkDown) {
			t.Errorf("err = %v, want ErrLinkDown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after peer close")
	}
	if err := portal.Send(&envelope.Envelope{SessionID: "s", Kind: envelope.KindData, Seq: 1}); !mgerr.Is(err, mgerr.ErrLinkDown) {
		t.Errorf("Send after close: %v", err)
	}
}

func TestLink_LocalCloseIsClean(t *testing.T) {
	portal, server := linkPair(t, LinkConfig{})
	pdone := runLink(portal, newRecorder())
	runLink(server, newRecorder())

	portal.Close()
	if err := <-pdone; err != nil {
		t.Errorf("local close: %v", err)
	}
	if portal.Err() != nil {
		t.Errorf("Err = %v", portal.Err())
	}
}

func TestLink_FlushWritesQueuedFrames(t *testing.T) {
	portal, server := linkPair(t, LinkConfig{})
	rec := newRecorder()
	runLink(portal, newRecorder())
	runLink(server, rec)

	portal.SendAdmin("", &Admin{Op: OpGoingDown, Reason: "shutdown"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := portal.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, 1)
}

func TestLink_LinkScopedHandlerErrorEndsLink(t *testing.T) {
	portal, server := linkPair(t, LinkConfig{})
	rec := newRecorder()
	rec.err = mgerr.Link("portal-1", "dispatch", mgerr.ErrLinkDown)
	sdone := runLink(server, rec)
	runLink(portal, newRecorder())

	portal.Send(&envelope.Envelope{SessionID: "s", Kind: envelope.KindData, Seq: 1})
	select {
	case err := <-sdone:
		if !mgerr.IsLinkScoped(err) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("link survived a link-scoped handler error")
	}
}

func TestLinkConfig_Defaults(t *testing.T) {
	c := LinkConfig{HeartbeatInterval: time.Second, HeartbeatTimeout: time.Millisecond}.withDefaults()
	if c.HeartbeatTimeout != 3*time.Second {
		t.Errorf("timeout = %s, want 3x interval", c.HeartbeatTimeout)
	}
	if c.QueueSize != DefaultQueueSize || c.MaxFrameSize != envelope.DefaultMaxFrameSize {
		t.Errorf("defaults = %+v", c)
	}
}
