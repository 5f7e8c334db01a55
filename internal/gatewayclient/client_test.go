package gatewayclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stevej/gsv/internal/protocol"
	"github.com/stevej/gsv/internal/transport"
)

func fakeGateway(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("server unmarshal: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("server marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func okHandshake(t *testing.T, conn *websocket.Conn) {
	req := readFrame(t, conn)
	writeFrame(t, conn, protocol.Frame{
		Kind: protocol.KindResponse,
		Res:  &protocol.Response{ID: req.Req.ID, OK: true, Payload: json.RawMessage(`{}`)},
	})
}

func dialClient(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.Connect(ctx, url, transport.ModeClient, nil, nil, "client-test", "", zap.NewNop())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return New(conn)
}

func TestChatSendDecodesResult(t *testing.T) {
	srv := fakeGateway(t, func(conn *websocket.Conn) {
		okHandshake(t, conn)
		req := readFrame(t, conn)
		if req.Req.Method != "chat.send" {
			t.Errorf("expected chat.send, got %q", req.Req.Method)
		}
		writeFrame(t, conn, protocol.Frame{
			Kind: protocol.KindResponse,
			Res: &protocol.Response{
				ID: req.Req.ID, OK: true,
				Payload: json.RawMessage(`{"status":"ok"}`),
			},
		})
	})

	c := dialClient(t, wsURL(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := c.ChatSend(ctx, protocol.ChatSendParams{SessionKey: "agent:main:cli:dm:main", Message: "hi", RunID: "run-1"})
	if err != nil {
		t.Fatalf("ChatSend: %v", err)
	}
	if result.Status != "ok" {
		t.Fatalf("expected status ok, got %q", result.Status)
	}
}

func TestNodeInfoSendsRuntimeMetadata(t *testing.T) {
	received := make(chan protocol.NodeRuntimeInfo, 1)
	srv := fakeGateway(t, func(conn *websocket.Conn) {
		okHandshake(t, conn)
		req := readFrame(t, conn)
		if req.Req.Method != "node.info" {
			t.Errorf("expected node.info, got %q", req.Req.Method)
		}
		var info protocol.NodeRuntimeInfo
		_ = json.Unmarshal(req.Req.Params, &info)
		received <- info
		writeFrame(t, conn, protocol.Frame{
			Kind: protocol.KindResponse,
			Res:  &protocol.Response{ID: req.Req.ID, OK: true},
		})
	})

	c := dialClient(t, wsURL(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info := protocol.NodeRuntimeInfo{
		HostRole:         "node",
		HostCapabilities: []string{"worker-1"},
		ToolCapabilities: map[string][]string{"Bash": {"invoke"}},
		HostOS:           "linux",
	}
	if err := c.NodeInfo(ctx, info); err != nil {
		t.Fatalf("NodeInfo: %v", err)
	}

	select {
	case got := <-received:
		if got.HostRole != "node" || got.HostOS != "linux" {
			t.Fatalf("unexpected runtime info: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for node.info")
	}
}

func TestCallSurfacesRemoteError(t *testing.T) {
	srv := fakeGateway(t, func(conn *websocket.Conn) {
		okHandshake(t, conn)
		req := readFrame(t, conn)
		writeFrame(t, conn, protocol.Frame{
			Kind: protocol.KindResponse,
			Res: &protocol.Response{
				ID: req.Req.ID, OK: false,
				Error: &protocol.ErrorShape{Code: 404, Message: "not found"},
			},
		})
	})

	c := dialClient(t, wsURL(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.SessionGet(ctx, "agent:main:cli:dm:main")
	if err == nil {
		t.Fatal("expected remote error")
	}
	gwErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if gwErr.Code != 404 || gwErr.Method != "session.get" {
		t.Fatalf("unexpected error: %+v", gwErr)
	}
}
