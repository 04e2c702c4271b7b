package protocol

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"mudgate/internal/envelope"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/session"
	"mudgate/util"
)

// ── Telnet constants (RFC 854 and friends) ───────────────────────────

const (
	tIAC  byte = 255
	tDONT byte = 254
	tDO   byte = 253
	tWONT byte = 252
	tWILL byte = 251
	tSB   byte = 250
	tGA   byte = 249
	tSE   byte = 240
	tEOR  byte = 239

	optEcho  byte = 1
	optSGA   byte = 3
	optTType byte = 24
	optEOR   byte = 25
	optNAWS  byte = 31
	optGMCP  byte = 201

	ttypeIS   byte = 0
	ttypeSend byte = 1

	maxSubnegotiation = 64 * 1024
)

type parseState int

const (
	stData parseState = iota
	stIAC
	stOption
	stSubOpt
	stSub
	stSubIAC
)

// TelnetConn is the telnet adapter, optionally over TLS.
type TelnetConn struct {
	conn  net.Conn
	tls   *tls.Conn
	proto string
	opts  Options
	log   *util.Logger
	br    *bufio.Reader

	wmu sync.Mutex

	// Parser state, owned by the reading goroutine.
	state       parseState
	cmd         byte
	subOpt      byte
	sub         []byte
	line        []byte
	overlong    bool
	pending     []envelope.Message
	handshaking bool

	mu           sync.Mutex
	caps         session.Capabilities
	local        map[byte]bool // options we perform
	remote       map[byte]bool // options the client performs
	awaiting     map[byte]bool // offers not yet answered
	ttypePending bool

	closeOnce sync.Once
}

// NewTelnet wraps an accepted TCP connection.
func NewTelnet(conn net.Conn, opts Options) *TelnetConn {
	opts = opts.withDefaults()
	return &TelnetConn{
		conn:     conn,
		proto:    ProtoTelnet,
		opts:     opts,
		log:      opts.Logger,
		br:       bufio.NewReaderSize(conn, util.DefaultBufSize),
		caps:     session.DefaultCapabilities(),
		local:    make(map[byte]bool),
		remote:   make(map[byte]bool),
		awaiting: make(map[byte]bool),
	}
}

// NewTLSTelnet wraps an accepted TCP connection in a TLS server and
// speaks telnet inside it.  The TLS handshake runs in Handshake.
func NewTLSTelnet(conn net.Conn, cfg *tls.Config, opts Options) *TelnetConn {
	tc := tls.Server(conn, cfg)
	c := NewTelnet(tc, opts)
	c.tls = tc
	c.proto = ProtoTelnetTLS
	return c
}

func (c *TelnetConn) Protocol() string         { return c.proto }
func (c *TelnetConn) RemoteAddr() string       { return c.conn.RemoteAddr().String() }
func (c *TelnetConn) Credentials() []byte      { return nil }
func (c *TelnetConn) SetLogger(l *util.Logger) { c.log = l }

// Capabilities returns what negotiation has learned so far.
func (c *TelnetConn) Capabilities() session.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Handshake runs the TLS handshake when present, then offers the
// telnet options and processes replies until every offer is answered
// or the negotiation window closes.  Clients that never negotiate
// (netcat, raw sockets) simply keep the defaults.
func (c *TelnetConn) Handshake(ctx context.Context) (session.Capabilities, error) {
	if c.tls != nil {
		hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		err := c.tls.HandshakeContext(hctx)
		cancel()
		if err != nil {
			return session.Capabilities{}, mgerr.FatalProtocol(c.proto, "tls handshake", err)
		}
		c.mu.Lock()
		c.caps.Raw = map[string]string{"tls_version": tls.VersionName(c.tls.ConnectionState().Version)}
		c.mu.Unlock()
	}

	c.mu.Lock()
	for _, opt := range []byte{optSGA, optNAWS, optTType, optEOR, optGMCP} {
		c.awaiting[opt] = true
	}
	c.mu.Unlock()

	offers := []byte{
		tIAC, tWILL, optSGA,
		tIAC, tWONT, optEcho,
		tIAC, tDO, optNAWS,
		tIAC, tDO, optTType,
		tIAC, tWILL, optEOR,
		tIAC, tWILL, optGMCP,
	}
	if err := c.send(offers); err != nil {
		return session.Capabilities{}, mgerr.Transport("", "handshake", c.RemoteAddr(), err)
	}

	deadline := time.Now().Add(c.opts.NegotiationWindow)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	c.handshaking = true
	defer func() { c.handshaking = false }()
	for !c.negotiated() {
		b, err := c.br.ReadByte()
		if err != nil {
			if isTimeout(err) {
				break
			}
			return session.Capabilities{}, mgerr.Transport("", "handshake", c.RemoteAddr(), err)
		}
		c.feed(b)
	}

	caps := c.Capabilities()
	c.log.Debug("telnet negotiated: client=%q color=%s size=%dx%d gmcp=%v",
		caps.ClientName, caps.Color, caps.Width, caps.Height, c.localOn(optGMCP))
	return caps, nil
}

// ReadMessage returns the next complete line or GMCP message.
func (c *TelnetConn) ReadMessage() (envelope.Message, error) {
	for {
		if len(c.pending) > 0 {
			m := c.pending[0]
			c.pending = c.pending[1:]
			return m, nil
		}
		if c.opts.IdleTimeout > 0 && c.br.Buffered() == 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		}
		b, err := c.br.ReadByte()
		if err != nil {
			return envelope.Message{}, err
		}
		c.feed(b)
	}
}

// WriteMessage sends text (LF converted to CRLF, IAC doubled), a prompt
// terminated by GA or EOR, or a GMCP message when the client enabled
// GMCP.  Other OOB commands are dropped for telnet clients.
func (c *TelnetConn) WriteMessage(m envelope.Message) error {
	switch m.Kind {
	case envelope.KindData:
		return c.send(telnetText(m.Text))
	case envelope.KindOOB:
		if m.Command == "prompt" {
			p := telnetText([]byte(promptText(m)))
			if c.localOn(optEOR) {
				p = append(p, tIAC, tEOR)
			} else {
				p = append(p, tIAC, tGA)
			}
			return c.send(p)
		}
		if !c.localOn(optGMCP) {
			c.log.Debug("dropping OOB %s: client has no GMCP", m.Command)
			return nil
		}
		frame := []byte{tIAC, tSB, optGMCP}
		frame = append(frame, escapeIAC(encodeGMCP(m))...)
		frame = append(frame, tIAC, tSE)
		return c.send(frame)
	default:
		return mgerr.Malformed(c.proto, "cannot write "+m.Kind.String(), nil)
	}
}

// Close sends reason to the client and closes the socket.
func (c *TelnetConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		if reason != "" {
			c.wmu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, _ = c.conn.Write(telnetText([]byte(reason + "\n")))
			c.wmu.Unlock()
		}
		err = c.conn.Close()
	})
	return err
}

func (c *TelnetConn) send(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	_, err := c.conn.Write(p)
	return err
}

func (c *TelnetConn) localOn(opt byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local[opt]
}

func (c *TelnetConn) negotiated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.awaiting) == 0 && !c.ttypePending
}

// ── Parser ───────────────────────────────────────────────────────────

func (c *TelnetConn) feed(b byte) {
	switch c.state {
	case stData:
		switch b {
		case tIAC:
			c.state = stIAC
		case '\n':
			c.endLine()
		case '\r', 0:
		default:
			c.appendByte(b)
		}
	case stIAC:
		switch b {
		case tIAC:
			c.appendByte(tIAC)
			c.state = stData
		case tWILL, tWONT, tDO, tDONT:
			c.cmd = b
			c.state = stOption
		case tSB:
			c.sub = c.sub[:0]
			c.state = stSubOpt
		default:
			// NOP, GA, AYT, BRK and friends carry nothing for us.
			c.state = stData
		}
	case stOption:
		c.negotiate(c.cmd, b)
		c.state = stData
	case stSubOpt:
		c.subOpt = b
		c.state = stSub
	case stSub:
		if b == tIAC {
			c.state = stSubIAC
		} else if len(c.sub) < maxSubnegotiation {
			c.sub = append(c.sub, b)
		}
	case stSubIAC:
		switch b {
		case tSE:
			c.subnegotiation(c.subOpt, c.sub)
			c.state = stData
		case tIAC:
			if len(c.sub) < maxSubnegotiation {
				c.sub = append(c.sub, tIAC)
			}
			c.state = stSub
		default:
			c.log.Debug("telnet: malformed subnegotiation for option %d", c.subOpt)
			c.state = stData
		}
	}
}

func (c *TelnetConn) appendByte(b byte) {
	if c.overlong {
		return
	}
	if len(c.line) >= c.opts.MaxLineLength {
		c.overlong = true
		c.line = c.line[:0]
		return
	}
	c.line = append(c.line, b)
}

func (c *TelnetConn) endLine() {
	if c.overlong {
		c.overlong = false
		c.log.Warn("%v", mgerr.Malformed(c.proto, "discarding line longer than max_line_length", nil))
		return
	}
	c.pending = append(c.pending, envelope.Message{
		Kind: envelope.KindData,
		Text: append([]byte(nil), c.line...),
	})
	c.line = c.line[:0]
}

// negotiate answers WILL/WONT/DO/DONT, replying only when an option's
// state changes so two agreeable peers cannot loop.
func (c *TelnetConn) negotiate(cmd, opt byte) {
	var reply []byte

	c.mu.Lock()
	asked := c.awaiting[opt]
	delete(c.awaiting, opt)

	switch cmd {
	case tWILL:
		switch opt {
		case optNAWS, optTType:
			if !c.remote[opt] {
				c.remote[opt] = true
				if !asked {
					reply = append(reply, tIAC, tDO, opt)
				}
				if opt == optTType {
					reply = append(reply, tIAC, tSB, optTType, ttypeSend, tIAC, tSE)
					c.ttypePending = true
				}
			}
		default:
			reply = append(reply, tIAC, tDONT, opt)
		}
	case tWONT:
		if c.remote[opt] {
			c.remote[opt] = false
			if !asked {
				reply = append(reply, tIAC, tDONT, opt)
			}
		}
		if opt == optTType {
			c.ttypePending = false
		}
	case tDO:
		switch opt {
		case optSGA, optEOR, optGMCP:
			if !c.local[opt] {
				c.local[opt] = true
				if !asked {
					reply = append(reply, tIAC, tWILL, opt)
				}
			}
		default:
			// Includes ECHO: the client echoes locally.
			reply = append(reply, tIAC, tWONT, opt)
		}
	case tDONT:
		if c.local[opt] {
			c.local[opt] = false
			if !asked {
				reply = append(reply, tIAC, tWONT, opt)
			}
		}
	}
	c.mu.Unlock()

	if len(reply) > 0 {
		if err := c.send(reply); err != nil {
			c.log.Debug("telnet: negotiation reply: %v", err)
		}
	}
}

func (c *TelnetConn) subnegotiation(opt byte, data []byte) {
	switch opt {
	case optNAWS:
		if len(data) < 4 {
			c.log.Debug("%v", mgerr.Malformed(c.proto, "short NAWS", nil))
			return
		}
		w := int(data[0])<<8 | int(data[1])
		h := int(data[2])<<8 | int(data[3])
		c.mu.Lock()
		c.caps.Width, c.caps.Height = w, h
		c.mu.Unlock()
		if !c.handshaking {
			c.pending = append(c.pending, clientOptions(w, h))
		}
	case optTType:
		if len(data) < 1 || data[0] != ttypeIS {
			return
		}
		name := string(data[1:])
		c.mu.Lock()
		c.ttypePending = false
		c.caps.ClientName = name
		c.caps.Color = colorFromTerm(name)
		c.mu.Unlock()
	case optGMCP:
		m, err := parseGMCP(data)
		if err != nil {
			c.log.Debug("%v", mgerr.Malformed(c.proto, "bad GMCP", err))
			return
		}
		c.pending = append(c.pending, m)
	}
}

// ── Helpers ──────────────────────────────────────────────────────────

// colorFromTerm maps a TTYPE terminal name to a color capability.
func colorFromTerm(name string) session.Color {
	n := strings.ToUpper(name)
	switch {
	case n == "", n == "DUMB":
		return session.ColorNone
	case strings.Contains(n, "TRUECOLOR"), strings.Contains(n, "24BIT"):
		return session.ColorTruecolor
	case strings.Contains(n, "256COLOR"), strings.Contains(n, "XTERM"), strings.Contains(n, "MUDLET"):
		return session.ColorXterm256
	default:
		return session.ColorANSI
	}
}

// telnetText converts LF line endings to CRLF and doubles IAC.
func telnetText(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	out := make([]byte, 0, len(b)+len(b)/16+2)
	for _, ch := range b {
		switch ch {
		case '\n':
			out = append(out, '\r', '\n')
		case tIAC:
			out = append(out, tIAC, tIAC)
		default:
			out = append(out, ch)
		}
	}
	return out
}

func escapeIAC(b []byte) []byte {
	return bytes.ReplaceAll(b, []byte{tIAC}, []byte{tIAC, tIAC})
}

func promptText(m envelope.Message) string {
	if len(m.Args) > 0 {
		if s, ok := m.Args[0].(string); ok {
			return s
		}
	}
	if s, ok := m.Kwargs["text"].(string); ok {
		return s
	}
	return ""
}

// parseGMCP splits "Package.Name <json>" into an OOB message.  A JSON
// object becomes kwargs, an array becomes args, a scalar a single arg.
func parseGMCP(data []byte) (envelope.Message, error) {
	pkg, body, _ := strings.Cut(string(data), " ")
	pkg = strings.TrimSpace(pkg)
	if pkg == "" {
		return envelope.Message{}, mgerr.New("empty package name")
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return envelope.OOB(pkg, nil, nil), nil
	}

	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return envelope.Message{}, err
	}
	switch t := v.(type) {
	case map[string]any:
		return envelope.OOB(pkg, nil, t), nil
	case []any:
		return envelope.OOB(pkg, t, nil), nil
	default:
		return envelope.OOB(pkg, []any{t}, nil), nil
	}
}

func encodeGMCP(m envelope.Message) []byte {
	var v any
	switch {
	case len(m.Kwargs) > 0:
		v = m.Kwargs
	case len(m.Args) == 1:
		v = m.Args[0]
	case len(m.Args) > 1:
		v = m.Args
	default:
		return []byte(m.Command)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return []byte(m.Command)
	}
	return append([]byte(m.Command+" "), body...)
}
