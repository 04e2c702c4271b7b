package control

import (
	"testing"

	"mudgate/internal/envelope"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/session"
)

func TestAdmin_EnvelopeRoundTrip(t *testing.T) {
	in := &Admin{
		Op:       OpPortalSync,
		PortalID: "p1",
		Sessions: []session.Info{{ID: "s1", Protocol: "telnet", LastAcked: 4, LastOutSeq: 9}},
	}
	e, err := in.Envelope("")
	if err != nil {
		t.Fatal(err)
	}
	if e.Kind != envelope.KindAdmin || e.SessionID != "" || e.Seq != 0 {
		t.Errorf("envelope = %s", e)
	}
	out, err := DecodeAdmin(e)
	if err != nil {
		t.Fatal(err)
	}
	if out.Op != OpPortalSync || len(out.Sessions) != 1 || out.Sessions[0].LastOutSeq != 9 {
		t.Errorf("decoded = %+v", out)
	}
}

func TestDecodeAdmin_Errors(t *testing.T) {
	tests := []struct {
		name string
		e    *envelope.Envelope
	}{
		{"wrong kind", &envelope.Envelope{Kind: envelope.KindData, Payload: []byte(`{"op":"status"}`)}},
		{"bad json", &envelope.Envelope{Kind: envelope.KindAdmin, Payload: []byte(`{`)}},
		{"missing op", &envelope.Envelope{Kind: envelope.KindAdmin, Payload: []byte(`{}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeAdmin(tt.e); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestReply(t *testing.T) {
	if r := Reply(nil); !r.OK || r.Error != "" || r.Op != OpReply {
		t.Errorf("ok reply = %+v", r)
	}
	if r := Reply(mgerr.ErrLinkDown); r.OK || r.Error != mgerr.ErrLinkDown.Error() {
		t.Errorf("error reply = %+v", r)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateDisconnected: "DISCONNECTED",
		StateHandshaking:  "HANDSHAKING",
		StateConnected:    "CONNECTED",
		State(9):          "State(9)",
	} {
		if s.String() != want {
			t.Errorf("%d: got %q, want %q", s, s.String(), want)
		}
	}
}
