package protocol

import "encoding/json"

// ClientInfo identifies the caller during the connect handshake.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// AuthParams carries the bearer token presented at handshake time.
type AuthParams struct {
	Token string `json:"token"`
}

// ToolDefinition describes one registry entry advertised by a node.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ConnectParams is the payload of the first Request every connection sends.
type ConnectParams struct {
	MinProtocol int              `json:"minProtocol"`
	MaxProtocol int              `json:"maxProtocol"`
	Client      ClientInfo       `json:"client"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Auth        *AuthParams      `json:"auth,omitempty"`
}

// NodeRuntimeInfo supplements a node's handshake with operator-facing
// capability metadata; it rides inside ConnectParams.Client in spirit but is
// kept separate here since the wire handshake only needs Client/Tools/Auth;
// the node loop sends it in a node.info request after every connect.
type NodeRuntimeInfo struct {
	HostRole         string              `json:"hostRole"`
	HostCapabilities []string            `json:"hostCapabilities"`
	ToolCapabilities map[string][]string `json:"toolCapabilities"`
	HostOS           string              `json:"hostOs"`
}

// ToolInvokePayload is the payload of an inbound tool.invoke event.
type ToolInvokePayload struct {
	CallID string          `json:"callId"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args"`
}

// ToolResultParams is the payload of the outbound tool.result request that
// answers a ToolInvokePayload.
type ToolResultParams struct {
	CallID string          `json:"callId"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *string         `json:"error,omitempty"`
}

// NodeExecEventParams is an exec-event forwarded verbatim from the process
// engine's event bus to the gateway as an Event frame payload.
type NodeExecEventParams struct {
	EventID    string  `json:"eventId"`
	SessionID  string  `json:"sessionId"`
	Event      string  `json:"event"`
	CallID     *string `json:"callId,omitempty"`
	ExitCode   *int    `json:"exitCode,omitempty"`
	Signal     *string `json:"signal,omitempty"`
	OutputTail string  `json:"outputTail,omitempty"`
	StartedAt  int64   `json:"startedAt"`
	EndedAt    *int64  `json:"endedAt,omitempty"`
}

// ChatEventPayload is the payload of an inbound "chat" event streamed during
// a chat turn.
type ChatEventPayload struct {
	SessionKey string          `json:"sessionKey"`
	State      string          `json:"state"`
	Text       string          `json:"text,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ChatSendParams is the request payload for chat.send.
type ChatSendParams struct {
	SessionKey string `json:"sessionKey"`
	Message    string `json:"message"`
	RunID      string `json:"runId"`
}

// ChatSendResult is the immediate (non-streamed) reply to chat.send.
type ChatSendResult struct {
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Transfer event/request payloads.

// TransferSendEvent is the inbound event asking a node to push a file.
type TransferSendEvent struct {
	TransferID uint32 `json:"transferId"`
	Path       string `json:"path"`
}

// TransferMetaParams announces a transfer's size/mime before it starts.
type TransferMetaParams struct {
	TransferID uint32  `json:"transferId"`
	Size       int64   `json:"size"`
	Mime       *string `json:"mime,omitempty"`
	Error      *string `json:"error,omitempty"`
}

// TransferStartEvent is the inbound go-ahead to begin streaming chunks.
type TransferStartEvent struct {
	TransferID uint32 `json:"transferId"`
}

// TransferCompleteParams signals that all chunks of an outbound transfer
// have been sent.
type TransferCompleteParams struct {
	TransferID uint32 `json:"transferId"`
}

// TransferReceiveEvent is the inbound event announcing an incoming file.
type TransferReceiveEvent struct {
	TransferID uint32  `json:"transferId"`
	Path       string  `json:"path"`
	Size       int64   `json:"size"`
	Mime       *string `json:"mime,omitempty"`
}

// TransferAcceptParams acknowledges (or rejects) an incoming transfer.
type TransferAcceptParams struct {
	TransferID uint32  `json:"transferId"`
	Error      *string `json:"error,omitempty"`
}

// TransferEndEvent is the inbound event marking the end of an incoming
// transfer's chunk stream.
type TransferEndEvent struct {
	TransferID uint32 `json:"transferId"`
}

// TransferDoneParams reports the outcome of a completed incoming transfer.
type TransferDoneParams struct {
	TransferID   uint32  `json:"transferId"`
	BytesWritten int64   `json:"bytesWritten"`
	Error        *string `json:"error,omitempty"`
}
