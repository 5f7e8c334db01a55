package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stevej/gsv/internal/protocol"
	"github.com/stevej/gsv/internal/transport"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// gatewayStub upgrades one connection, answers the handshake ok, and then
// hands the raw *websocket.Conn to the test for scripted request/response
// and binary exchange.
func gatewayStub(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		req := readFrame(t, conn)
		writeFrame(t, conn, protocol.Frame{
			Kind: protocol.KindResponse,
			Res:  &protocol.Response{ID: req.Req.ID, OK: true, Payload: json.RawMessage(`{}`)},
		})
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return wsURL(srv.URL)
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

func dial(t *testing.T, url string) *transport.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.Connect(ctx, url, transport.ModeNode, nil, nil, "node-test", "", zap.NewNop())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func TestSendFileStreamsChunksAfterStart(t *testing.T) {
	workspace := t.TempDir()
	content := []byte("hello transfer world")
	if err := os.WriteFile(filepath.Join(workspace, "f.txt"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	received := make(chan []byte, 1)
	completed := make(chan struct{})

	url := gatewayStub(t, func(conn *websocket.Conn) {
		meta := readFrame(t, conn)
		if meta.Req.Method != "transfer.meta" {
			t.Errorf("expected transfer.meta, got %q", meta.Req.Method)
		}
		writeFrame(t, conn, protocol.Frame{Kind: protocol.KindResponse, Res: &protocol.Response{ID: meta.Req.ID, OK: true}})

		writeFrame(t, conn, protocol.Frame{
			Kind: protocol.KindEvent,
			Evt:  &protocol.Event{Event: "transfer.start", Payload: json.RawMessage(`{"transferId":7}`)},
		})

		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read binary chunk: %v", err)
		}
		received <- data

		complete := readFrame(t, conn)
		if complete.Req.Method != "transfer.complete" {
			t.Errorf("expected transfer.complete, got %q", complete.Req.Method)
		}
		writeFrame(t, conn, protocol.Frame{Kind: protocol.KindResponse, Res: &protocol.Response{ID: complete.Req.ID, OK: true}})
		close(completed)
	})

	conn := dial(t, url)
	coord := New(conn, workspace, zap.NewNop())

	conn.SetEventHandler(func(frame protocol.Frame) {
		if frame.Kind == protocol.KindEvent && frame.Evt.Event == "transfer.start" {
			var evt protocol.TransferStartEvent
			_ = json.Unmarshal(frame.Evt.Payload, &evt)
			coord.HandleStart(evt)
		}
	})

	go func() {
		if err := coord.SendFile(context.Background(), protocol.TransferSendEvent{TransferID: 7, Path: "f.txt"}); err != nil {
			t.Errorf("SendFile: %v", err)
		}
	}()

	select {
	case chunk := <-received:
		id, payload, err := protocol.DecodeBinary(chunk)
		if err != nil {
			t.Fatalf("DecodeBinary: %v", err)
		}
		if id != 7 {
			t.Fatalf("expected transfer id 7, got %d", id)
		}
		if !bytes.Equal(payload, content) {
			t.Fatalf("expected %q, got %q", content, payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}

	select {
	case <-completed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transfer.complete")
	}
}

func TestReceiveFileWritesChunksUntilEnd(t *testing.T) {
	workspace := t.TempDir()
	accepted := make(chan struct{})
	done := make(chan protocol.TransferDoneParams, 1)

	url := gatewayStub(t, func(conn *websocket.Conn) {
		accept := readFrame(t, conn)
		if accept.Req.Method != "transfer.accept" {
			t.Errorf("expected transfer.accept, got %q", accept.Req.Method)
		}
		writeFrame(t, conn, protocol.Frame{Kind: protocol.KindResponse, Res: &protocol.Response{ID: accept.Req.ID, OK: true}})
		close(accepted)

		if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeBinary(9, []byte("chunk-one-"))); err != nil {
			t.Fatalf("write binary: %v", err)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeBinary(9, []byte("chunk-two"))); err != nil {
			t.Fatalf("write binary: %v", err)
		}

		doneFrame := readFrame(t, conn)
		if doneFrame.Req.Method != "transfer.done" {
			t.Errorf("expected transfer.done, got %q", doneFrame.Req.Method)
		}
		var params protocol.TransferDoneParams
		_ = json.Unmarshal(doneFrame.Req.Params, &params)
		done <- params
		writeFrame(t, conn, protocol.Frame{Kind: protocol.KindResponse, Res: &protocol.Response{ID: doneFrame.Req.ID, OK: true}})
	})

	conn := dial(t, url)
	coord := New(conn, workspace, zap.NewNop())
	conn.SetBinaryHandler(coord.HandleBinaryFrame)

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- coord.ReceiveFile(context.Background(), protocol.TransferReceiveEvent{TransferID: 9, Path: "incoming.bin", Size: 19})
	}()

	select {
	case <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	time.Sleep(200 * time.Millisecond)
	coord.HandleEnd(protocol.TransferEndEvent{TransferID: 9})

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("ReceiveFile: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ReceiveFile to return")
	}

	params := <-done
	if params.BytesWritten != 19 {
		t.Fatalf("expected 19 bytes written, got %d", params.BytesWritten)
	}

	content, err := os.ReadFile(filepath.Join(workspace, "incoming.bin"))
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if string(content) != "chunk-one-chunk-two" {
		t.Fatalf("unexpected file content: %q", content)
	}
}

func TestBinaryFrameWithNoReceiverIsDropped(t *testing.T) {
	workspace := t.TempDir()
	url := gatewayStub(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	conn := dial(t, url)
	coord := New(conn, workspace, zap.NewNop())

	// No receiver registered for transfer id 42; this must not panic or block.
	coord.HandleBinaryFrame(protocol.EncodeBinary(42, []byte("stray")))
}
