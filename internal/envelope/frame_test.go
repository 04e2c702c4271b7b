package envelope

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrame_RoundTripStream(t *testing.T) {
	var buf bytes.Buffer
	frames := []Frame{
		(&Hello{Role: RoleServer, Version: ProtocolVersion, InstanceID: "srv-1", LogicVersion: "echo/1"}).Frame(),
		EnvelopeFrame(&Envelope{SessionID: "s", Kind: KindData, Seq: 1, Payload: []byte("look")}),
		PingFrame(9),
	}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range frames {
		got, err := ReadFrame(&buf, 0)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got.Type != want.Type || !bytes.Equal(got.Body, want.Body) {
			t.Errorf("frame %d: got %s %x, want %s %x", i, got.Type, got.Body, want.Type, want.Body)
		}
	}

	if _, err := ReadFrame(&buf, 0); err != io.EOF {
		t.Errorf("clean end: err = %v, want io.EOF", err)
	}
}

func TestReadFrame_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		max  int
		want error
	}{
		{"zero length", []byte{0, 0, 0, 0}, 0, ErrEmptyFrame},
		{"too large", []byte{0, 0, 1, 0, byte(FramePing)}, 16, ErrFrameTooLarge},
		{"unknown type", []byte{0, 0, 0, 1, 0x99}, 0, ErrUnknownFrame},
		{"cut body", []byte{0, 0, 0, 5, byte(FramePing), 1}, 0, io.ErrUnexpectedEOF},
		{"cut header", []byte{0, 0}, 0, io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data), tt.max)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVersionByte(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteVersion(&buf); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadVersion(&buf); err != nil {
		t.Fatalf("ReadVersion: %v", err)
	}

	got, err := ReadVersion(bytes.NewReader([]byte{ProtocolVersion + 1}))
	if !errors.Is(err, ErrVersionUnknown) {
		t.Errorf("err = %v, want ErrVersionUnknown", err)
	}
	if got != ProtocolVersion+1 {
		t.Errorf("returned byte = %d", got)
	}
}

func TestHandshakeFrames(t *testing.T) {
	h := &Hello{Role: RoleLauncher, Version: 1, InstanceID: "cli", LogicVersion: ""}
	gh, err := DecodeHello(h.Encode())
	if err != nil || *gh != *h {
		t.Errorf("hello: got %+v, %v", gh, err)
	}

	w := &Welcome{Status: StatusAlreadyAttached, PortalID: "p1", Reason: "server srv-1 attached"}
	gw, err := DecodeWelcome(w.Encode())
	if err != nil || *gw != *w {
		t.Errorf("welcome: got %+v, %v", gw, err)
	}

	a := &Ack{SessionID: "s", Seq: 300}
	ga, err := DecodeAck(a.Frame().Body)
	if err != nil || *ga != *a {
		t.Errorf("ack: got %+v, %v", ga, err)
	}

	n, err := DecodeNonce(PongFrame(42).Body)
	if err != nil || n != 42 {
		t.Errorf("nonce = %d, %v", n, err)
	}

	if _, err := DecodeHello([]byte{byte(RoleServer)}); err == nil {
		t.Error("truncated hello should fail")
	}
}

func TestStatusAndRoleNames(t *testing.T) {
	if StatusAlreadyAttached.String() != "already-attached" {
		t.Errorf("got %q", StatusAlreadyAttached.String())
	}
	if RoleLauncher.String() != "launcher" {
		t.Errorf("got %q", RoleLauncher.String())
	}
}
