package errors

import (
	"fmt"
	"io"
	"net"
	"testing"
)

func TestTransportError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  *TransportError
		want string
	}{
		{
			name: "with session",
			err:  Transport("s1", "read", "10.0.0.2:5000", io.EOF),
			want: "session s1: read 10.0.0.2:5000: EOF",
		},
		{
			name: "before session",
			err:  Transport("", "accept", ":4000", fmt.Errorf("too many open files")),
			want: "accept :4000: too many open files",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransportError_Unwrap(t *testing.T) {
	err := Transport("s1", "write", "x", io.ErrClosedPipe)
	if !Is(err, io.ErrClosedPipe) {
		t.Error("should unwrap to io.ErrClosedPipe")
	}
}

func TestProtocolError_Format(t *testing.T) {
	err := Malformed("telnet", "line too long", nil)
	if got, want := err.Error(), "telnet: line too long"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	err = FatalProtocol("websocket", "bad frame", fmt.Errorf("rsv bits set"))
	if got, want := err.Error(), "websocket: bad frame: rsv bits set"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLinkError_Format(t *testing.T) {
	err := Link("portal-1", "heartbeat", ErrLinkDown)
	want := "control link portal-1: heartbeat: control link is down"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if !Is(err, ErrLinkDown) {
		t.Error("should unwrap to ErrLinkDown")
	}
}

func TestConfigError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  ConfigError
		want string
	}{
		{
			name: "missing",
			err:  ConfigError{Field: "control.port", Message: "is required"},
			want: "config: control.port: is required",
		},
		{
			name: "with value and hint",
			err: ConfigError{
				Field:   "control.host",
				Value:   "0.0.0.0",
				Message: "must be a loopback address",
				Hint:    "use 127.0.0.1",
			},
			want: "config: control.host=0.0.0.0: must be a loopback address\n  hint: use 127.0.0.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestScopeClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		session     bool
		discardable bool
		link        bool
	}{
		{"nil", nil, false, false, false},
		{"transport", Transport("s", "read", "a", io.EOF), true, false, false},
		{"malformed", Malformed("telnet", "bad IAC", nil), false, true, false},
		{"fatal protocol", FatalProtocol("tls", "handshake", nil), true, false, false},
		{"link", Link("l", "read", io.EOF), false, false, true},
		{"link down", fmt.Errorf("send: %w", ErrLinkDown), false, false, true},
		{"plain", fmt.Errorf("boom"), false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSessionScoped(tt.err); got != tt.session {
				t.Errorf("IsSessionScoped = %v, want %v", got, tt.session)
			}
			if got := IsDiscardable(tt.err); got != tt.discardable {
				t.Errorf("IsDiscardable = %v, want %v", got, tt.discardable)
			}
			if got := IsLinkScoped(tt.err); got != tt.link {
				t.Errorf("IsLinkScoped = %v, want %v", got, tt.link)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection refused")}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", refused, true},
		{"link", Link("l", "read", io.EOF), true},
		{"attached", Link("l", "handshake", ErrAlreadyAttached), false},
		{"version", fmt.Errorf("hello: %w", ErrVersionMismatch), false},
		{"plain", fmt.Errorf("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestReexports(t *testing.T) {
	a := New("a")
	b := New("b")
	joined := Join(a, b)
	if !Is(joined, a) || !Is(joined, b) {
		t.Error("Join should contain both errors")
	}
	wrapped := fmt.Errorf("ctx: %w", a)
	if Unwrap(wrapped) != a {
		t.Error("Unwrap should return the inner error")
	}
	var le *LinkError
	if !As(fmt.Errorf("x: %w", Link("l", "op", a)), &le) || le.LinkID != "l" {
		t.Error("As should find the LinkError")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{ErrRestart, ExitRestart},
		{fmt.Errorf("server: %w", ErrRestart), ExitRestart},
		{ErrReboot, ExitError},
		{io.EOF, ExitError},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
