// Package transport owns a single WebSocket connection to the gateway: the
// framed-frame handshake, the request/response correlation table, and the
// event dispatch slot. It never reconnects on its own; that policy lives in
// the client and node loops.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stevej/gsv/internal/protocol"
)

// Mode is the role this runtime presents during the connect handshake.
type Mode string

const (
	ModeClient Mode = "client"
	ModeNode   Mode = "node"
)

const (
	minProtocol = 1
	maxProtocol = 1

	clientVersion = "0.1.0"

	// outboundQueueCap bounds the writer goroutine's channel; it is the
	// connection's only backpressure mechanism.
	outboundQueueCap = 32

	dialTimeout      = 10 * time.Second
	handshakeTimeout = 30 * time.Second
)

// EventHandler receives every inbound Request or Event frame that is not a
// Response to an outstanding request.
type EventHandler func(frame protocol.Frame)

// BinaryHandler receives every inbound raw binary frame (transfer chunks).
// JSON text frames and binary frames share the socket; receivers dispatch
// by frame opcode.
type BinaryHandler func(frame []byte)

// Connection owns one WebSocket socket: a writer goroutine draining a
// bounded outbound queue, a reader goroutine demultiplexing responses from
// events, a pending-request correlation table, and a swappable event
// handler.
type Connection struct {
	logger *zap.Logger

	conn *websocket.Conn

	outbound chan protocol.Frame

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Response

	handler       atomic.Pointer[EventHandler]
	binaryHandler atomic.Pointer[BinaryHandler]

	disconnected atomic.Bool

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Connect dials the WebSocket endpoint, starts the reader/writer goroutines,
// and performs the connect handshake before returning. Any non-ok handshake
// response aborts the connection.
func Connect(ctx context.Context, url string, mode Mode, tools []protocol.ToolDefinition, onEvent EventHandler, clientID, token string, logger *zap.Logger) (*Connection, error) {
	origin := strings.NewReplacer("ws://", "http://", "wss://", "https://").Replace(url)

	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, http.Header{"Origin": {origin}})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	c := &Connection{
		logger:   logger,
		conn:     conn,
		outbound: make(chan protocol.Frame, outboundQueueCap),
		pending:  make(map[string]chan protocol.Response),
		done:     make(chan struct{}),
	}
	if onEvent != nil {
		c.SetEventHandler(onEvent)
	}

	go c.writeLoop()
	go c.readLoop()

	if clientID == "" {
		clientID = defaultClientID(mode)
	}

	connectParams := protocol.ConnectParams{
		MinProtocol: minProtocol,
		MaxProtocol: maxProtocol,
		Client: protocol.ClientInfo{
			ID:       clientID,
			Version:  clientVersion,
			Platform: "linux",
			Mode:     string(mode),
		},
	}
	if len(tools) > 0 {
		connectParams.Tools = tools
	}
	if token != "" {
		connectParams.Auth = &protocol.AuthParams{Token: token}
	}

	params, err := json.Marshal(connectParams)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("transport: marshal connect params: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	res, err := c.Request(hctx, "connect", params)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("transport: handshake: %w", err)
	}
	if !res.OK {
		c.Close()
		msg := "rejected"
		if res.Error != nil {
			msg = res.Error.Error()
		}
		return nil, fmt.Errorf("transport: handshake %s", msg)
	}

	return c, nil
}

func defaultClientID(mode Mode) string {
	if mode == ModeNode {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "unknown"
		}
		return "node-" + hostname
	}
	return "client-" + uuid.NewString()
}

// Request sends a Request frame and blocks until the matching Response
// arrives or the connection is torn down.
func (c *Connection) Request(ctx context.Context, method string, params json.RawMessage) (protocol.Response, error) {
	frame := protocol.NewRequest(method, params)
	id := frame.Req.ID

	wait := make(chan protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = wait
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	select {
	case c.outbound <- frame:
	case <-c.done:
		cleanup()
		return protocol.Response{}, fmt.Errorf("transport: disconnected")
	case <-ctx.Done():
		cleanup()
		return protocol.Response{}, fmt.Errorf("transport: request %q: %w", method, ctx.Err())
	}

	select {
	case res, ok := <-wait:
		if !ok {
			return protocol.Response{}, fmt.Errorf("transport: disconnected")
		}
		return res, nil
	case <-c.done:
		cleanup()
		return protocol.Response{}, fmt.Errorf("transport: disconnected")
	case <-ctx.Done():
		cleanup()
		return protocol.Response{}, fmt.Errorf("transport: request %q: %w", method, ctx.Err())
	}
}

// SetEventHandler atomically replaces the sink for inbound Request/Event
// frames.
func (c *Connection) SetEventHandler(handler EventHandler) {
	h := handler
	c.handler.Store(&h)
}

// SetBinaryHandler atomically replaces the sink for inbound raw binary
// frames (used by the transfer coordinator).
func (c *Connection) SetBinaryHandler(handler BinaryHandler) {
	h := handler
	c.binaryHandler.Store(&h)
}

// IsDisconnected reflects the last observed transport state.
func (c *Connection) IsDisconnected() bool {
	return c.disconnected.Load()
}

// Done returns a channel closed once the connection has torn down (socket
// closed locally or by the peer), letting callers wait for disconnection
// without polling IsDisconnected.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// SendBinary writes a raw binary frame (used by the transfer coordinator)
// directly to the socket, serialized with the writer goroutine by writeMu.
// It does not pass through the outbound queue, so it blocks until the
// socket write returns.
func (c *Connection) SendBinary(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.disconnected.Load() {
		return fmt.Errorf("transport: disconnected")
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// SendEvent enqueues a fire-and-forget Event frame (used by the node loop
// to forward exec-engine lifecycle events to the gateway; unlike Request,
// it does not correlate a reply).
func (c *Connection) SendEvent(evt protocol.Event) error {
	select {
	case c.outbound <- protocol.Frame{Kind: protocol.KindEvent, Evt: &evt}:
		return nil
	case <-c.done:
		return fmt.Errorf("transport: disconnected")
	}
}

// Close tears down the socket and unblocks any in-flight Request calls.
func (c *Connection) Close() {
	c.disconnected.Store(true)
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Connection) writeLoop() {
	for {
		select {
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				c.logger.Error("transport: marshal outbound frame", zap.Error(err))
				continue
			}
			c.writeMu.Lock()
			err = c.conn.WriteMessage(websocket.TextMessage, data)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("transport: write failed, writer exiting", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) readLoop() {
	defer c.teardown()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			c.dispatchBinary(data)
			continue
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("transport: malformed frame", zap.Error(err))
			continue
		}

		switch frame.Kind {
		case protocol.KindResponse:
			c.deliverResponse(*frame.Res)
		default:
			c.dispatchEvent(frame)
		}
	}
}

func (c *Connection) deliverResponse(res protocol.Response) {
	c.pendingMu.Lock()
	wait, ok := c.pending[res.ID]
	if ok {
		delete(c.pending, res.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	wait <- res
}

func (c *Connection) dispatchEvent(frame protocol.Frame) {
	hp := c.handler.Load()
	if hp == nil {
		return
	}
	handler := *hp
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("transport: event handler panicked", zap.Any("recovered", r))
		}
	}()
	handler(frame)
}

func (c *Connection) dispatchBinary(data []byte) {
	hp := c.binaryHandler.Load()
	if hp == nil {
		return
	}
	handler := *hp
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("transport: binary handler panicked", zap.Any("recovered", r))
		}
	}()
	handler(data)
}

func (c *Connection) teardown() {
	c.disconnected.Store(true)
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})

	c.pendingMu.Lock()
	waiters := make([]chan protocol.Response, 0, len(c.pending))
	for id, ch := range c.pending {
		waiters = append(waiters, ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}
