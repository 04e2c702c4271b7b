package protocol

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mudgate/internal/envelope"
	mgerr "mudgate/internal/errors"
	"mudgate/internal/session"
)

func dialWebSocket(t *testing.T, query string) (*WebSocketConn, *websocket.Conn) {
	t.Helper()
	accepted := make(chan Conn, 1)
	srv := httptest.NewServer(WebSocketHandler(Options{Logger: quietLogger()}, func(c Conn) {
		accepted <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	cli, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { cli.Close() })

	select {
	case c := <-accepted:
		ws := c.(*WebSocketConn)
		if _, err := ws.Handshake(context.Background()); err != nil {
			t.Fatal(err)
		}
		return ws, cli
	case <-time.After(3 * time.Second):
		t.Fatal("no connection accepted")
	}
	return nil, nil
}

func TestWebSocket_Capabilities(t *testing.T) {
	ws, _ := dialWebSocket(t, "?screenwidth=132&screenheight=50")
	if ws.caps.Width != 132 || ws.caps.Height != 50 || ws.caps.Color != session.ColorTruecolor {
		t.Errorf("caps = %+v", ws.caps)
	}
	if ws.Protocol() != ProtoWebSocket {
		t.Errorf("protocol = %q", ws.Protocol())
	}
}

func TestWebSocket_InboundFrames(t *testing.T) {
	ws, cli := dialWebSocket(t, "")

	cli.WriteMessage(websocket.TextMessage, []byte(`["text",["look"],{}]`))
	cli.WriteMessage(websocket.TextMessage, []byte(`not json`))
	cli.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
	cli.WriteMessage(websocket.TextMessage, []byte(`["get_client_options",[],{}]`))

	m, err := ws.ReadMessage()
	if err != nil || m.Kind != envelope.KindData || string(m.Text) != "look" {
		t.Fatalf("first: %+v, %v", m, err)
	}
	if _, err := ws.ReadMessage(); !mgerr.IsDiscardable(err) {
		t.Errorf("invalid JSON: err = %v, want discardable", err)
	}
	m, err = ws.ReadMessage()
	if err != nil || m.Kind != envelope.KindOOB || m.Command != "get_client_options" {
		t.Errorf("third: %+v, %v", m, err)
	}
}

func TestWebSocket_WriteAndClose(t *testing.T) {
	ws, cli := dialWebSocket(t, "")

	if err := ws.WriteMessage(envelope.Text("You see a room.")); err != nil {
		t.Fatal(err)
	}
	cli.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := cli.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `["text",["You see a room."],{}]` {
		t.Errorf("frame = %s", data)
	}

	ws.Close("server restarting")
	_, data, err = cli.ReadMessage()
	if err != nil || !strings.Contains(string(data), "server restarting") {
		t.Errorf("reason frame = %s, %v", data, err)
	}
	_, _, err = cli.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("err = %v, want normal close", err)
	}
}

func TestWebSocket_ClientCloseIsEOF(t *testing.T) {
	ws, cli := dialWebSocket(t, "")
	cli.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))

	if _, err := ws.ReadMessage(); err == nil || !strings.Contains(err.Error(), "EOF") {
		t.Errorf("err = %v, want EOF", err)
	}
}
