package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"mudgate/internal/envelope"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/session"
)

type sshClient struct {
	caps   session.Capabilities
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
}

func dialSSH(t *testing.T, pty bool) (*SSHConn, *sshClient) {
	t.Helper()
	srv, raw := tcpPair(t)

	s, err := NewSSHServer("", Options{HandshakeTimeout: 5 * time.Second, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	conn := s.NewConn(srv)

	done := make(chan error, 1)
	var sc sshClient
	go func() {
		cc, chans, reqs, err := ssh.NewClientConn(raw, raw.RemoteAddr().String(), &ssh.ClientConfig{
			User:            "alice",
			Auth:            []ssh.AuthMethod{ssh.Password("secret")},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // test server
		})
		if err != nil {
			done <- err
			return
		}
		sc.client = ssh.NewClient(cc, chans, reqs)
		if sc.sess, err = sc.client.NewSession(); err != nil {
			done <- err
			return
		}
		if pty {
			if err = sc.sess.RequestPty("xterm-256color", 40, 100, ssh.TerminalModes{ssh.ECHO: 1}); err != nil {
				done <- err
				return
			}
		}
		sc.stdin, _ = sc.sess.StdinPipe()
		sc.stdout, _ = sc.sess.StdoutPipe()
		done <- sc.sess.Shell()
	}()

	caps, err := conn.Handshake(context.Background())
	if err != nil {
		t.Fatalf("server Handshake: %v", err)
	}
	sc.caps = caps
	if err := <-done; err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(func() { sc.client.Close() })
	return conn, &sc
}

func TestSSH_PtyHandshakeAndLines(t *testing.T) {
	conn, cli := dialSSH(t, true)

	caps := cli.caps
	if caps.Width != 100 || caps.Height != 40 {
		t.Errorf("size = %dx%d, want 100x40", caps.Width, caps.Height)
	}
	if caps.ClientName != "xterm-256color" || caps.Color != session.ColorXterm256 {
		t.Errorf("caps = %+v", caps)
	}

	var creds sshCredentials
	if err := json.Unmarshal(conn.Credentials(), &creds); err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if creds.User != "alice" || creds.Method == "" {
		t.Errorf("credentials = %+v", creds)
	}

	go cli.stdin.Write([]byte("look\r"))
	m, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != envelope.KindData || string(m.Text) != "look" {
		t.Errorf("got %+v", m)
	}
}

func TestSSH_WindowChange(t *testing.T) {
	conn, cli := dialSSH(t, true)

	if err := cli.sess.WindowChange(50, 132); err != nil {
		t.Fatal(err)
	}
	m, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if m.Command != "client_options" || m.Kwargs["screenwidth"] != 132 || m.Kwargs["screenheight"] != 50 {
		t.Errorf("got %+v", m)
	}
}

func TestSSH_WriteAndClose(t *testing.T) {
	conn, cli := dialSSH(t, false)

	out := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(cli.stdout)
		out <- string(b)
	}()

	if err := conn.WriteMessage(envelope.Text("You see a room.\n")); err != nil {
		t.Fatal(err)
	}
	if err := conn.Close("goodbye"); err != nil && !strings.Contains(err.Error(), "closed") {
		t.Fatalf("Close: %v", err)
	}

	select {
	case got := <-out:
		if !strings.Contains(got, "You see a room.\r\n") || !strings.Contains(got, "goodbye") {
			t.Errorf("client saw %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client never saw EOF")
	}
}

func TestSSH_NoPtyReadsLines(t *testing.T) {
	conn, cli := dialSSH(t, false)
	go cli.stdin.Write([]byte("say hi\nnorth\n"))

	for _, want := range []string{"say hi", "north"} {
		m, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if string(m.Text) != want {
			t.Errorf("got %q, want %q", m.Text, want)
		}
	}
}

func TestSSH_NoPtyDiscardsOverlongLine(t *testing.T) {
	conn, cli := dialSSH(t, false)
	go cli.stdin.Write([]byte(strings.Repeat("x", 3*DefaultMaxLineLength) + "\nnorth\n"))

	_, err := conn.ReadMessage()
	var pe *mgerr.ProtocolError
	if !mgerr.As(err, &pe) || pe.Fatal {
		t.Fatalf("err = %v, want non-fatal ProtocolError", err)
	}
	m, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(m.Text) != "north" {
		t.Errorf("got %q, want north", m.Text)
	}
}

func TestReadCappedLine(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     []string
		overlong []bool
	}{
		{name: "short lines", input: "look\r\nnorth\n", want: []string{"look", "north"}, overlong: []bool{false, false}},
		{name: "exactly at limit", input: "0123456789\r\n", want: []string{"0123456789"}, overlong: []bool{false}},
		{name: "longer than buffer", input: strings.Repeat("y", 100) + "\nok\n", want: []string{"", "ok"}, overlong: []bool{true, false}},
		{name: "just over limit", input: "0123456789A\nok\n", want: []string{"", "ok"}, overlong: []bool{true, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReaderSize(strings.NewReader(tt.input), 16)
			for i, want := range tt.want {
				line, overlong, err := readCappedLine(r, 10)
				if err != nil {
					t.Fatalf("line %d: %v", i, err)
				}
				if line != want || overlong != tt.overlong[i] {
					t.Errorf("line %d = %q overlong=%v, want %q overlong=%v", i, line, overlong, want, tt.overlong[i])
				}
			}
			if _, _, err := readCappedLine(r, 10); err != io.EOF {
				t.Errorf("trailing read err = %v, want EOF", err)
			}
		})
	}
}

func TestLoadOrGenerateHostKey(t *testing.T) {
	s, err := LoadOrGenerateHostKey("")
	if err != nil {
		t.Fatal(err)
	}
	if s.PublicKey().Type() != ssh.KeyAlgoED25519 {
		t.Errorf("key type = %s", s.PublicKey().Type())
	}
	if _, err := LoadOrGenerateHostKey("/nonexistent/host_key"); err == nil {
		t.Error("missing key file should fail")
	}
}
