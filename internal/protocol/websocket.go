package protocol

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mudgate/internal/envelope"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/session"
	"mudgate/util"
)

// maxCloseReason is the room left for a reason in a close frame.
const maxCloseReason = 123

// WebSocketHandler upgrades every request to a WebSocket and hands the
// resulting Conn to accept.  Frames are webclient JSON triples.
func WebSocketHandler(opts Options, accept AcceptFunc) http.Handler {
	opts = opts.withDefaults()
	up := websocket.Upgrader{
		ReadBufferSize:   util.DefaultBufSize,
		WriteBufferSize:  util.DefaultBufSize,
		HandshakeTimeout: opts.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied with an HTTP error.
			opts.Logger.Debug("websocket upgrade from %s: %v", r.RemoteAddr, err)
			return
		}
		accept(newWebSocketConn(ws, r, opts))
	})
}

// WebSocketConn is the WebSocket adapter.
type WebSocketConn struct {
	ws     *websocket.Conn
	remote string
	opts   Options
	log    *util.Logger
	caps   session.Capabilities

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWebSocketConn(ws *websocket.Conn, r *http.Request, opts Options) *WebSocketConn {
	caps := session.DefaultCapabilities()
	caps.Color = session.ColorTruecolor
	caps.ClientName = "webclient"
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("screenwidth")); err == nil && v > 0 {
		caps.Width = v
	}
	if v, err := strconv.Atoi(q.Get("screenheight")); err == nil && v > 0 {
		caps.Height = v
	}
	if ua := r.UserAgent(); ua != "" {
		caps.Raw = map[string]string{"user_agent": ua}
	}
	return &WebSocketConn{
		ws:     ws,
		remote: r.RemoteAddr,
		opts:   opts,
		log:    opts.Logger,
		caps:   caps,
		done:   make(chan struct{}),
	}
}

func (c *WebSocketConn) Protocol() string         { return ProtoWebSocket }
func (c *WebSocketConn) RemoteAddr() string       { return c.remote }
func (c *WebSocketConn) Credentials() []byte      { return nil }
func (c *WebSocketConn) SetLogger(l *util.Logger) { c.log = l }

func (c *WebSocketConn) readWait() time.Duration { return 2 * c.opts.PingInterval }

// Handshake installs the keepalive: the Portal pings every
// PingInterval and every pong extends the read deadline.
func (c *WebSocketConn) Handshake(ctx context.Context) (session.Capabilities, error) {
	c.ws.SetReadLimit(int64(c.opts.MaxLineLength) * 4)
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.readWait()))
	})
	go c.pingLoop()
	return c.caps, nil
}

func (c *WebSocketConn) pingLoop() {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug("websocket ping: %v", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadMessage returns the next webclient frame.  Binary frames are
// ignored; invalid JSON yields a discardable protocol error.
func (c *WebSocketConn) ReadMessage() (envelope.Message, error) {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readWait()))
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return envelope.Message{}, io.EOF
			}
			return envelope.Message{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		m, err := envelope.ParseWebclient(data)
		if err != nil {
			return envelope.Message{}, mgerr.Malformed(ProtoWebSocket, "invalid frame", err)
		}
		return m, nil
	}
}

// WriteMessage sends m as one text frame.
func (c *WebSocketConn) WriteMessage(m envelope.Message) error {
	b, err := envelope.MarshalWebclient(m)
	if err != nil {
		return mgerr.Malformed(ProtoWebSocket, "encode frame", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Close shows reason as text, then sends a normal close frame.
func (c *WebSocketConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if reason != "" {
			_ = c.WriteMessage(envelope.Text(reason))
		}
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
