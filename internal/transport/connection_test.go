package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stevej/gsv/internal/protocol"
)

// fakeGateway upgrades one connection, answers "connect" with ok, and lets
// the test drive further request/event exchanges via the returned channels.
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

func okHandshake(t *testing.T, conn *websocket.Conn) protocol.Frame {
	req := readFrame(t, conn)
	writeFrame(t, conn, protocol.Frame{
		Kind: protocol.KindResponse,
		Res:  &protocol.Response{ID: req.Req.ID, OK: true, Payload: json.RawMessage(`{}`)},
	})
	return req
}

func TestConnectHandshakeSuccess(t *testing.T) {
	srv := fakeGateway(t, func(conn *websocket.Conn) {
		okHandshake(t, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	logger := zap.NewNop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Connect(ctx, wsURL(srv.URL), ModeClient, nil, nil, "client-test", "", logger)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if conn.IsDisconnected() {
		t.Fatal("expected a live connection immediately after handshake")
	}
}

func TestConnectHandshakeRejected(t *testing.T) {
	srv := fakeGateway(t, func(conn *websocket.Conn) {
		req := readFrame(t, conn)
		msg := "bad token"
		writeFrame(t, conn, protocol.Frame{
			Kind: protocol.KindResponse,
			Res: &protocol.Response{
				ID:    req.Req.ID,
				OK:    false,
				Error: &protocol.ErrorShape{Code: 401, Message: msg},
			},
		})
	})

	logger := zap.NewNop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Connect(ctx, wsURL(srv.URL), ModeClient, nil, nil, "client-test", "", logger)
	if err == nil {
		t.Fatal("expected handshake rejection to surface as an error")
	}
}

func TestRequestResponseCorrelation(t *testing.T) {
	srv := fakeGateway(t, func(conn *websocket.Conn) {
		okHandshake(t, conn)
		req := readFrame(t, conn)
		writeFrame(t, conn, protocol.Frame{
			Kind: protocol.KindResponse,
			Res:  &protocol.Response{ID: req.Req.ID, OK: true, Payload: json.RawMessage(`{"answer":42}`)},
		})
	})

	logger := zap.NewNop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Connect(ctx, wsURL(srv.URL), ModeClient, nil, nil, "client-test", "", logger)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	res, err := conn.Request(ctx, "tools.list", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected ok response, got %+v", res)
	}
	if string(res.Payload) != `{"answer":42}` {
		t.Fatalf("unexpected payload: %s", res.Payload)
	}
}

func TestEventHandlerReceivesPushedEvents(t *testing.T) {
	srv := fakeGateway(t, func(conn *websocket.Conn) {
		okHandshake(t, conn)
		writeFrame(t, conn, protocol.Frame{
			Kind: protocol.KindEvent,
			Evt:  &protocol.Event{Event: "chat", Payload: json.RawMessage(`{"state":"delta"}`)},
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	logger := zap.NewNop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var gotEvent string
	done := make(chan struct{})

	handler := func(frame protocol.Frame) {
		mu.Lock()
		gotEvent = frame.Evt.Event
		mu.Unlock()
		close(done)
	}

	conn, err := Connect(ctx, wsURL(srv.URL), ModeClient, nil, handler, "client-test", "", logger)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotEvent != "chat" {
		t.Fatalf("expected chat event, got %q", gotEvent)
	}
}

func TestBinaryHandlerReceivesRawFrames(t *testing.T) {
	srv := fakeGateway(t, func(conn *websocket.Conn) {
		okHandshake(t, conn)
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x00, 0x00, 0x00, 0xAA, 0xBB}); err != nil {
			t.Errorf("server write binary: %v", err)
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	logger := zap.NewNop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Connect(ctx, wsURL(srv.URL), ModeNode, nil, nil, "node-test", "", logger)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	done := make(chan []byte, 1)
	conn.SetBinaryHandler(func(frame []byte) {
		done <- frame
	})

	select {
	case frame := <-done:
		id, payload, err := protocol.DecodeBinary(frame)
		if err != nil {
			t.Fatalf("DecodeBinary: %v", err)
		}
		if id != 1 || string(payload) != "\xAA\xBB" {
			t.Fatalf("unexpected frame: id=%d payload=%v", id, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for binary frame")
	}
}

func TestRequestFailsFastOnDisconnect(t *testing.T) {
	srv := fakeGateway(t, func(conn *websocket.Conn) {
		okHandshake(t, conn)
		conn.Close()
	})

	logger := zap.NewNop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Connect(ctx, wsURL(srv.URL), ModeClient, nil, nil, "client-test", "", logger)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	// give the reader goroutine time to observe the server-side close
	deadline := time.Now().Add(2 * time.Second)
	for !conn.IsDisconnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	_, err = conn.Request(ctx, "tools.list", nil)
	if err == nil {
		t.Fatal("expected request on a disconnected connection to fail")
	}
}
