package protocol

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"mudgate/internal/envelope"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/session"
	"mudgate/util"
)

const credentialsExt = "mudgate-credentials"

// sshCredentials is the opaque blob handed to the Server's logic layer.
// The Portal accepts every login; deciding what it means is game logic.
type sshCredentials struct {
	User      string `json:"user"`
	Method    string `json:"method"`
	Password  string `json:"password,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}

func credentialPerms(c sshCredentials) *ssh.Permissions {
	b, _ := json.Marshal(c)
	return &ssh.Permissions{Extensions: map[string]string{credentialsExt: string(b)}}
}

// SSHServer holds the host key and auth policy shared by every SSH
// session on a listener.
type SSHServer struct {
	config *ssh.ServerConfig
	opts   Options
}

// NewSSHServer loads the host key from hostKeyFile, or generates an
// ed25519 key in memory when hostKeyFile is empty.
func NewSSHServer(hostKeyFile string, opts Options) (*SSHServer, error) {
	signer, err := LoadOrGenerateHostKey(hostKeyFile)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-mudgate",
		NoClientAuth:  true,
		NoClientAuthCallback: func(meta ssh.ConnMetadata) (*ssh.Permissions, error) {
			return credentialPerms(sshCredentials{User: meta.User(), Method: "none"}), nil
		},
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			return credentialPerms(sshCredentials{User: meta.User(), Method: "password", Password: string(pass)}), nil
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return credentialPerms(sshCredentials{
				User:      meta.User(),
				Method:    "publickey",
				PublicKey: ssh.FingerprintSHA256(key),
			}), nil
		},
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge("", "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			var pw string
			if len(answers) > 0 {
				pw = answers[0]
			}
			return credentialPerms(sshCredentials{User: meta.User(), Method: "keyboard-interactive", Password: pw}), nil
		},
	}
	cfg.AddHostKey(signer)
	return &SSHServer{config: cfg, opts: opts.withDefaults()}, nil
}

// LoadOrGenerateHostKey parses a PEM host key, or generates a fresh
// ed25519 key when path is empty.
func LoadOrGenerateHostKey(path string) (ssh.Signer, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read ssh host key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh host key %s: %w", path, err)
		}
		return signer, nil
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ssh host key: %w", err)
	}
	return ssh.NewSignerFromKey(priv)
}

// NewConn wraps an accepted TCP connection.  The SSH handshake runs in
// Handshake.
func (s *SSHServer) NewConn(raw net.Conn) *SSHConn {
	return &SSHConn{
		raw:    raw,
		server: s,
		opts:   s.opts,
		log:    s.opts.Logger,
		caps:   session.DefaultCapabilities(),
		in:     make(chan readResult, 1),
		oob:    make(chan envelope.Message, 8),
		done:   make(chan struct{}),
	}
}

type readResult struct {
	m   envelope.Message
	err error
}

// SSHConn is one SSH session: the first "session" channel of a client
// connection, with an interactive shell.
type SSHConn struct {
	raw    net.Conn
	server *SSHServer
	opts   Options
	log    *util.Logger

	sconn   *ssh.ServerConn
	channel ssh.Channel
	creds   []byte

	mu   sync.Mutex
	caps session.Capabilities
	pty  bool
	term *term.Terminal

	in   chan readResult
	oob  chan envelope.Message
	done chan struct{}

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (c *SSHConn) Protocol() string         { return ProtoSSH }
func (c *SSHConn) RemoteAddr() string       { return c.raw.RemoteAddr().String() }
func (c *SSHConn) Credentials() []byte      { return c.creds }
func (c *SSHConn) SetLogger(l *util.Logger) { c.log = l }

// Handshake completes the SSH handshake, accepts the first session
// channel and waits for its shell request.  pty-req sets the terminal
// name and size.
func (c *SSHConn) Handshake(ctx context.Context) (session.Capabilities, error) {
	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	deadline, _ := hctx.Deadline()
	_ = c.raw.SetDeadline(deadline)

	sconn, chans, reqs, err := ssh.NewServerConn(c.raw, c.server.config)
	if err != nil {
		return session.Capabilities{}, mgerr.FatalProtocol(ProtoSSH, "handshake", err)
	}
	c.sconn = sconn
	go ssh.DiscardRequests(reqs)
	if sconn.Permissions != nil {
		c.creds = []byte(sconn.Permissions.Extensions[credentialsExt])
	}

	var nc ssh.NewChannel
	for nc == nil {
		select {
		case ch, ok := <-chans:
			if !ok {
				return session.Capabilities{}, mgerr.FatalProtocol(ProtoSSH, "connection closed before session channel", nil)
			}
			if ch.ChannelType() != "session" {
				_ = ch.Reject(ssh.UnknownChannelType, "only session channels are supported")
				continue
			}
			nc = ch
		case <-hctx.Done():
			return session.Capabilities{}, mgerr.FatalProtocol(ProtoSSH, "no session channel", hctx.Err())
		}
	}
	go rejectChannels(chans)

	channel, chReqs, err := nc.Accept()
	if err != nil {
		return session.Capabilities{}, mgerr.FatalProtocol(ProtoSSH, "accept channel", err)
	}
	c.channel = channel

	shell := make(chan struct{})
	go c.handleRequests(chReqs, shell)

	select {
	case <-shell:
	case <-hctx.Done():
		return session.Capabilities{}, mgerr.FatalProtocol(ProtoSSH, "no shell request", hctx.Err())
	}
	_ = c.raw.SetDeadline(time.Time{})

	c.mu.Lock()
	if c.pty {
		c.term = term.NewTerminal(channel, "")
		_ = c.term.SetSize(c.caps.Width, c.caps.Height)
	}
	caps := c.caps
	c.mu.Unlock()

	go c.readLoop()
	return caps, nil
}

func rejectChannels(chans <-chan ssh.NewChannel) {
	for ch := range chans {
		_ = ch.Reject(ssh.Prohibited, "one session per connection")
	}
}

type ptyRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   string
}

type windowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

func (c *SSHConn) handleRequests(reqs <-chan *ssh.Request, shell chan struct{}) {
	var once sync.Once
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			c.mu.Lock()
			c.pty = true
			c.caps.ClientName = p.Term
			c.caps.Color = colorFromTerm(p.Term)
			c.caps.Width, c.caps.Height = int(p.Columns), int(p.Rows)
			c.mu.Unlock()
			_ = req.Reply(true, nil)

		case "window-change":
			var p windowChange
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				continue
			}
			w, h := int(p.Columns), int(p.Rows)
			c.mu.Lock()
			c.caps.Width, c.caps.Height = w, h
			t := c.term
			c.mu.Unlock()
			if t != nil {
				_ = t.SetSize(w, h)
				select {
				case c.oob <- clientOptions(w, h):
				default:
				}
			}

		case "env":
			var kv struct{ Name, Value string }
			if err := ssh.Unmarshal(req.Payload, &kv); err == nil {
				c.mu.Lock()
				if c.caps.Raw == nil {
					c.caps.Raw = make(map[string]string)
				}
				c.caps.Raw["env."+kv.Name] = kv.Value
				if kv.Name == "LANG" && strings.Contains(strings.ToUpper(kv.Value), "UTF-8") {
					c.caps.Encoding = "utf-8"
				}
				c.mu.Unlock()
			}
			_ = req.Reply(true, nil)

		case "shell":
			_ = req.Reply(true, nil)
			once.Do(func() { close(shell) })

		default:
			_ = req.Reply(false, nil)
		}
	}
}

func (c *SSHConn) readLoop() {
	defer close(c.in)

	var lines *bufio.Reader
	c.mu.Lock()
	t := c.term
	c.mu.Unlock()
	if t == nil {
		lines = bufio.NewReaderSize(c.channel, util.DefaultBufSize)
	}

	for {
		if c.opts.IdleTimeout > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		}

		var (
			line     string
			overlong bool
			err      error
		)
		if t != nil {
			line, err = t.ReadLine()
			overlong = err == nil && len(line) > c.opts.MaxLineLength
		} else {
			line, overlong, err = readCappedLine(lines, c.opts.MaxLineLength)
			if err != nil && (line != "" || overlong) {
				err = nil
			}
		}

		r := readResult{m: envelope.Text(line), err: err}
		if overlong {
			r = readResult{err: mgerr.Malformed(ProtoSSH, "discarding line longer than max_line_length", nil)}
		}
		select {
		case c.in <- r:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// readCappedLine reads one '\n'-terminated line holding at most limit
// bytes.  The rest of a longer line is consumed and dropped, and
// overlong is set.
func readCappedLine(r *bufio.Reader, limit int) (line string, overlong bool, err error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if !overlong {
			if len(buf)+len(chunk) > limit+2 {
				overlong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		line = strings.TrimRight(string(buf), "\r\n")
		if !overlong && len(line) > limit {
			overlong, line = true, ""
		}
		return line, overlong, err
	}
}

// ReadMessage returns the next line, or a client_options OOB message
// after a window change.
func (c *SSHConn) ReadMessage() (envelope.Message, error) {
	select {
	case m := <-c.oob:
		return m, nil
	case r, ok := <-c.in:
		if !ok {
			return envelope.Message{}, io.EOF
		}
		return r.m, r.err
	}
}

// WriteMessage writes text to the terminal.  A "prompt" OOB command is
// written without a trailing newline; other OOB commands are dropped.
func (c *SSHConn) WriteMessage(m envelope.Message) error {
	var text []byte
	switch {
	case m.Kind == envelope.KindData:
		text = m.Text
	case m.Kind == envelope.KindOOB && m.Command == "prompt":
		text = []byte(promptText(m))
	case m.Kind == envelope.KindOOB:
		c.log.Debug("dropping OOB %s for ssh client", m.Command)
		return nil
	default:
		return mgerr.Malformed(ProtoSSH, "cannot write "+m.Kind.String(), nil)
	}
	return c.write(text)
}

func (c *SSHConn) write(text []byte) error {
	c.mu.Lock()
	t := c.term
	c.mu.Unlock()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.channel == nil {
		return mgerr.ErrSessionClosed
	}
	_ = c.raw.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	var err error
	if t != nil {
		_, err = t.Write(text)
	} else {
		_, err = c.channel.Write(crlf(text))
	}
	return err
}

// Close writes reason, reports exit status 0 and closes the connection.
func (c *SSHConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.channel != nil {
			if reason != "" {
				_ = c.write([]byte(reason + "\n"))
			}
			_, _ = c.channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			_ = c.channel.Close()
		}
		if c.sconn != nil {
			err = c.sconn.Close()
		} else {
			err = c.raw.Close()
		}
	})
	return err
}

func crlf(b []byte) []byte {
	out := make([]byte, 0, len(b)+8)
	for i, ch := range b {
		if ch == '\n' && (i == 0 || b[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, ch)
	}
	return out
}
