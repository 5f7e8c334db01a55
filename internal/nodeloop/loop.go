// Package nodeloop implements the node role: register the tool
// catalog at handshake, dispatch inbound tool.invoke and transfer events,
// forward the process engine's exec events to the gateway, and reconnect
// with a flat delay until the caller cancels.
package nodeloop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/stevej/gsv/internal/gatewayclient"
	"github.com/stevej/gsv/internal/processengine"
	"github.com/stevej/gsv/internal/protocol"
	"github.com/stevej/gsv/internal/tools"
	"github.com/stevej/gsv/internal/transfer"
	"github.com/stevej/gsv/internal/transport"
)

// reconnectDelay is the flat delay between connect attempts.
const reconnectDelay = 3 * time.Second

// Run connects as a node, registering the workspace's tool catalog and
// serving tool.invoke / transfer.* events until ctx is cancelled,
// reconnecting indefinitely on failure or disconnect. The engine and
// registry are shared across reconnects so backgrounded sessions stay
// addressable through a reconnect; the tool catalog is re-registered in
// every connect handshake.
func Run(ctx context.Context, url, token, nodeID, workspace string, engine *processengine.Engine, registry *tools.Registry, logger *zap.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := runOnce(ctx, url, token, nodeID, workspace, engine, registry, logger); err != nil {
			logger.Warn("nodeloop: disconnected, retrying", zap.Error(err), zap.Duration("delay", reconnectDelay))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func runOnce(ctx context.Context, url, token, nodeID, workspace string, engine *processengine.Engine, registry *tools.Registry, logger *zap.Logger) error {
	conn, err := transport.Connect(ctx, url, transport.ModeNode, registry.Definitions(), nil, nodeID, token, logger)
	if err != nil {
		return fmt.Errorf("nodeloop: connect: %w", err)
	}
	defer conn.Close()

	gw := gatewayclient.New(conn)
	coord := transfer.New(conn, workspace, logger)
	conn.SetBinaryHandler(coord.HandleBinaryFrame)

	execSub, unsubscribe := engine.Bus.Subscribe()
	defer unsubscribe()

	hostname, _ := os.Hostname()
	logger.Info("nodeloop: connected",
		zap.String("nodeId", nodeID),
		zap.String("workspace", workspace),
		zap.String("hostname", hostname),
		zap.Strings("tools", registry.Names()),
	)

	conn.SetEventHandler(func(frame protocol.Frame) {
		if frame.Kind != protocol.KindEvent || frame.Evt == nil {
			return
		}
		dispatchEvent(ctx, gw, registry, coord, logger, *frame.Evt)
	})

	go forwardExecEvents(ctx, gw, execSub, logger)
	go sendRuntimeInfo(ctx, gw, registry, hostname, logger)

	select {
	case <-ctx.Done():
		return nil
	case <-conn.Done():
		return fmt.Errorf("nodeloop: connection lost")
	}
}

// nodeInfoTimeout bounds the best-effort node.info follow-up so a gateway
// that never answers it cannot stall the rest of connection setup.
const nodeInfoTimeout = 5 * time.Second

// sendRuntimeInfo advertises the node's capability metadata as a best-effort
// follow-up to connect; a gateway that doesn't ask for it answers with an
// unknown-method error (or never answers at all within nodeInfoTimeout),
// which is logged at debug level and otherwise ignored, since it does not
// affect the connect handshake's own contract.
func sendRuntimeInfo(ctx context.Context, gw *gatewayclient.Client, registry *tools.Registry, hostname string, logger *zap.Logger) {
	info := protocol.NodeRuntimeInfo{
		HostRole:         "node",
		HostCapabilities: []string{hostname},
		ToolCapabilities: registry.Capabilities(),
		HostOS:           runtime.GOOS,
	}
	infoCtx, cancel := context.WithTimeout(ctx, nodeInfoTimeout)
	defer cancel()
	if err := gw.NodeInfo(infoCtx, info); err != nil {
		logger.Debug("nodeloop: node.info not acknowledged", zap.Error(err))
	}
}

func dispatchEvent(ctx context.Context, gw *gatewayclient.Client, registry *tools.Registry, coord *transfer.Coordinator, logger *zap.Logger, evt protocol.Event) {
	switch evt.Event {
	case "tool.invoke":
		var payload protocol.ToolInvokePayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			logger.Warn("nodeloop: malformed tool.invoke", zap.Error(err))
			return
		}
		go invokeTool(ctx, gw, registry, logger, payload)

	case "transfer.send":
		var payload protocol.TransferSendEvent
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			logger.Warn("nodeloop: malformed transfer.send", zap.Error(err))
			return
		}
		go func() {
			if err := coord.SendFile(ctx, payload); err != nil {
				logger.Warn("nodeloop: send file failed", zap.Uint32("transferId", payload.TransferID), zap.Error(err))
			}
		}()

	case "transfer.receive":
		var payload protocol.TransferReceiveEvent
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			logger.Warn("nodeloop: malformed transfer.receive", zap.Error(err))
			return
		}
		go func() {
			if err := coord.ReceiveFile(ctx, payload); err != nil {
				logger.Warn("nodeloop: receive file failed", zap.Uint32("transferId", payload.TransferID), zap.Error(err))
			}
		}()

	case "transfer.start":
		var payload protocol.TransferStartEvent
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			logger.Warn("nodeloop: malformed transfer.start", zap.Error(err))
			return
		}
		coord.HandleStart(payload)

	case "transfer.end":
		var payload protocol.TransferEndEvent
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			logger.Warn("nodeloop: malformed transfer.end", zap.Error(err))
			return
		}
		coord.HandleEnd(payload)
	}
}

func invokeTool(ctx context.Context, gw *gatewayclient.Client, registry *tools.Registry, logger *zap.Logger, payload protocol.ToolInvokePayload) {
	result, errStr := registry.Invoke(payload.Tool, payload.Args)

	params := protocol.ToolResultParams{CallID: payload.CallID, Result: result}
	if errStr != "" {
		params.Error = &errStr
	}

	if err := gw.ToolResult(ctx, params); err != nil {
		logger.Warn("nodeloop: send tool.result failed", zap.String("callId", payload.CallID), zap.String("tool", payload.Tool), zap.Error(err))
	}
}

func forwardExecEvents(ctx context.Context, gw *gatewayclient.Client, events <-chan processengine.ExecEvent, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			forwardOne(gw, logger, evt)
		}
	}
}

func forwardOne(gw *gatewayclient.Client, logger *zap.Logger, evt processengine.ExecEvent) {
	params := protocol.NodeExecEventParams{
		EventID:    evt.EventID,
		SessionID:  evt.SessionID,
		Event:      evt.Event,
		CallID:     evt.CallID,
		ExitCode:   evt.ExitCode,
		Signal:     evt.Signal,
		OutputTail: evt.OutputTail,
		StartedAt:  evt.StartedAt,
		EndedAt:    evt.EndedAt,
	}
	data, err := json.Marshal(params)
	if err != nil {
		logger.Error("nodeloop: marshal exec event", zap.Error(err))
		return
	}
	// exec events are pushed as Event frames, not Requests: the gateway does
	// not ack them individually.
	if err := gw.SendEvent(protocol.Event{Event: "exec", Payload: data}); err != nil {
		logger.Warn("nodeloop: forward exec event failed", zap.String("sessionId", evt.SessionID), zap.String("event", evt.Event), zap.Error(err))
	}
}
