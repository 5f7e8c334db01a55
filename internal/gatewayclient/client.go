// Package gatewayclient is a typed shim over a transport.Connection: every
// exported method names a remote RPC and marshals its parameters as a
// camelCase JSON object.
package gatewayclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stevej/gsv/internal/protocol"
	"github.com/stevej/gsv/internal/transport"
)

// Client wraps a live Connection with one method per remote RPC.
type Client struct {
	conn *transport.Connection
}

// New wraps an already-connected transport.Connection.
func New(conn *transport.Connection) *Client {
	return &Client{conn: conn}
}

// Error is returned for a non-ok Response; it carries the method name
// alongside the gateway's structured error shape.
type Error struct {
	Method string
	Code   int32
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gatewayclient: %s: [%d] %s", e.Method, e.Code, e.Msg)
}

// call sends method with params marshaled to JSON and returns the payload
// (or {} when absent) on success, translating a non-ok Response into *Error.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("gatewayclient: marshal %s params: %w", method, err)
		}
		raw = data
	}

	res, err := c.conn.Request(ctx, method, raw)
	if err != nil {
		return nil, fmt.Errorf("gatewayclient: %s: %w", method, err)
	}
	if !res.OK {
		if res.Error != nil {
			return nil, &Error{Method: method, Code: res.Error.Code, Msg: res.Error.Message}
		}
		return nil, &Error{Method: method, Code: 0, Msg: "unknown error"}
	}
	if len(res.Payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return res.Payload, nil
}

// HeartbeatStatus calls heartbeat.status.
func (c *Client) HeartbeatStatus(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "heartbeat.status", nil)
}

// HeartbeatStart calls heartbeat.start.
func (c *Client) HeartbeatStart(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "heartbeat.start", nil)
}

// HeartbeatTrigger calls heartbeat.trigger.
func (c *Client) HeartbeatTrigger(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "heartbeat.trigger", nil)
}

// ChannelsList calls channels.list.
func (c *Client) ChannelsList(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "channels.list", nil)
}

// ChannelLogin calls channel.login.
func (c *Client) ChannelLogin(ctx context.Context, channel string) (json.RawMessage, error) {
	return c.call(ctx, "channel.login", map[string]any{"channel": channel})
}

// ChannelStatus calls channel.status.
func (c *Client) ChannelStatus(ctx context.Context, channel string) (json.RawMessage, error) {
	return c.call(ctx, "channel.status", map[string]any{"channel": channel})
}

// ChannelStart calls channel.start.
func (c *Client) ChannelStart(ctx context.Context, channel string) (json.RawMessage, error) {
	return c.call(ctx, "channel.start", map[string]any{"channel": channel})
}

// ChannelStop calls channel.stop.
func (c *Client) ChannelStop(ctx context.Context, channel string) (json.RawMessage, error) {
	return c.call(ctx, "channel.stop", map[string]any{"channel": channel})
}

// ToolsList calls tools.list.
func (c *Client) ToolsList(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "tools.list", nil)
}

// ToolInvoke calls tool.invoke.
func (c *Client) ToolInvoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	return c.call(ctx, "tool.invoke", map[string]any{"tool": tool, "args": args})
}

// ToolResult sends the tool.result reply for an earlier tool.invoke event.
func (c *Client) ToolResult(ctx context.Context, params protocol.ToolResultParams) error {
	_, err := c.call(ctx, "tool.result", params)
	return err
}

// ConfigGet calls config.get.
func (c *Client) ConfigGet(ctx context.Context, key string) (json.RawMessage, error) {
	return c.call(ctx, "config.get", map[string]any{"key": key})
}

// ConfigSet calls config.set.
func (c *Client) ConfigSet(ctx context.Context, key string, value any) (json.RawMessage, error) {
	return c.call(ctx, "config.set", map[string]any{"key": key, "value": value})
}

// SessionsList calls sessions.list.
func (c *Client) SessionsList(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "sessions.list", nil)
}

// SessionReset calls session.reset.
func (c *Client) SessionReset(ctx context.Context, sessionKey string) (json.RawMessage, error) {
	return c.call(ctx, "session.reset", map[string]any{"sessionKey": sessionKey})
}

// SessionGet calls session.get.
func (c *Client) SessionGet(ctx context.Context, sessionKey string) (json.RawMessage, error) {
	return c.call(ctx, "session.get", map[string]any{"sessionKey": sessionKey})
}

// SessionStats calls session.stats.
func (c *Client) SessionStats(ctx context.Context, sessionKey string) (json.RawMessage, error) {
	return c.call(ctx, "session.stats", map[string]any{"sessionKey": sessionKey})
}

// SessionPatch calls session.patch.
func (c *Client) SessionPatch(ctx context.Context, sessionKey string, patch json.RawMessage) (json.RawMessage, error) {
	return c.call(ctx, "session.patch", map[string]any{"sessionKey": sessionKey, "patch": patch})
}

// SessionCompact calls session.compact.
func (c *Client) SessionCompact(ctx context.Context, sessionKey string) (json.RawMessage, error) {
	return c.call(ctx, "session.compact", map[string]any{"sessionKey": sessionKey})
}

// SessionHistory calls session.history.
func (c *Client) SessionHistory(ctx context.Context, sessionKey string, limit int) (json.RawMessage, error) {
	return c.call(ctx, "session.history", map[string]any{"sessionKey": sessionKey, "limit": limit})
}

// SessionPreview calls session.preview.
func (c *Client) SessionPreview(ctx context.Context, sessionKey string) (json.RawMessage, error) {
	return c.call(ctx, "session.preview", map[string]any{"sessionKey": sessionKey})
}

// ChatSend calls chat.send and decodes the immediate (non-streamed) reply.
func (c *Client) ChatSend(ctx context.Context, params protocol.ChatSendParams) (protocol.ChatSendResult, error) {
	payload, err := c.call(ctx, "chat.send", params)
	if err != nil {
		return protocol.ChatSendResult{}, err
	}
	var result protocol.ChatSendResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return protocol.ChatSendResult{}, fmt.Errorf("gatewayclient: decode chat.send result: %w", err)
	}
	return result, nil
}

// PairList calls pair.list.
func (c *Client) PairList(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "pair.list", nil)
}

// PairApprove calls pair.approve.
func (c *Client) PairApprove(ctx context.Context, pairID string) (json.RawMessage, error) {
	return c.call(ctx, "pair.approve", map[string]any{"pairId": pairID})
}

// PairReject calls pair.reject.
func (c *Client) PairReject(ctx context.Context, pairID string) (json.RawMessage, error) {
	return c.call(ctx, "pair.reject", map[string]any{"pairId": pairID})
}

// SkillsStatus calls skills.status.
func (c *Client) SkillsStatus(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "skills.status", nil)
}

// SkillsUpdate calls skills.update.
func (c *Client) SkillsUpdate(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "skills.update", nil)
}

// NodeInfo calls node.info, the follow-up request a node sends after
// connect to advertise its NodeRuntimeInfo.
func (c *Client) NodeInfo(ctx context.Context, info protocol.NodeRuntimeInfo) error {
	_, err := c.call(ctx, "node.info", info)
	return err
}

// SetEventHandler forwards to the underlying connection.
func (c *Client) SetEventHandler(handler transport.EventHandler) {
	c.conn.SetEventHandler(handler)
}

// SendBinary forwards to the underlying connection (used by the transfer
// coordinator).
func (c *Client) SendBinary(frame []byte) error {
	return c.conn.SendBinary(frame)
}

// SendEvent forwards to the underlying connection (used by the node loop to
// push exec-lifecycle events without waiting for a reply).
func (c *Client) SendEvent(evt protocol.Event) error {
	return c.conn.SendEvent(evt)
}

// IsDisconnected forwards to the underlying connection.
func (c *Client) IsDisconnected() bool {
	return c.conn.IsDisconnected()
}

// Done forwards to the underlying connection.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// Close tears down the underlying connection.
func (c *Client) Close() {
	c.conn.Close()
}
