// Package protocol defines the wire format exchanged between this runtime
// and the remote gateway: a tagged union of request/response/event frames
// over a WebSocket, plus the raw binary frame used by the transfer
// coordinator.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates the three frame variants on the wire.
type Kind string

const (
	KindRequest  Kind = "req"
	KindResponse Kind = "res"
	KindEvent    Kind = "evt"
)

// ErrorShape is the structured error payload carried on a failed Response.
type ErrorShape struct {
	Code      int32           `json:"code"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	Retryable *bool           `json:"retryable,omitempty"`
}

func (e *ErrorShape) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Request is a method call awaiting exactly one Response with a matching id.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request, matched by ID.
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// Event is an unsolicited push from the gateway, optionally sequenced.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     *uint64         `json:"seq,omitempty"`
}

// Frame is the tagged union transmitted as a single JSON text frame.
// Exactly one of Req/Res/Evt is non-nil, selected by Kind.
type Frame struct {
	Kind Kind
	Req  *Request
	Res  *Response
	Evt  *Event
}

// wireFrame is the flattened JSON shape all three variants share on the wire.
type wireFrame struct {
	Type    Kind            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     *uint64         `json:"seq,omitempty"`
}

// NewRequest builds a Request frame with a fresh UUID v4 id.
func NewRequest(method string, params json.RawMessage) Frame {
	return Frame{
		Kind: KindRequest,
		Req: &Request{
			ID:     uuid.NewString(),
			Method: method,
			Params: params,
		},
	}
}

// MarshalJSON projects the active variant onto the shared wire shape.
func (f Frame) MarshalJSON() ([]byte, error) {
	w := wireFrame{Type: f.Kind}
	switch f.Kind {
	case KindRequest:
		if f.Req == nil {
			return nil, fmt.Errorf("protocol: request frame missing Req")
		}
		w.ID = f.Req.ID
		w.Method = f.Req.Method
		w.Params = f.Req.Params
	case KindResponse:
		if f.Res == nil {
			return nil, fmt.Errorf("protocol: response frame missing Res")
		}
		w.ID = f.Res.ID
		w.OK = f.Res.OK
		w.Payload = f.Res.Payload
		w.Error = f.Res.Error
	case KindEvent:
		if f.Evt == nil {
			return nil, fmt.Errorf("protocol: event frame missing Evt")
		}
		w.Event = f.Evt.Event
		w.Payload = f.Evt.Payload
		w.Seq = f.Evt.Seq
	default:
		return nil, fmt.Errorf("protocol: unknown frame kind %q", f.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire shape and populates exactly one variant.
// An unrecognized "type" is a parse error (no duck-typed fallback).
func (f *Frame) UnmarshalJSON(data []byte) error {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("protocol: malformed frame: %w", err)
	}
	switch w.Type {
	case KindRequest:
		f.Kind = KindRequest
		f.Req = &Request{ID: w.ID, Method: w.Method, Params: w.Params}
	case KindResponse:
		f.Kind = KindResponse
		f.Res = &Response{ID: w.ID, OK: w.OK, Payload: w.Payload, Error: w.Error}
	case KindEvent:
		f.Kind = KindEvent
		f.Evt = &Event{Event: w.Event, Payload: w.Payload, Seq: w.Seq}
	default:
		return fmt.Errorf("protocol: unknown frame type %q", w.Type)
	}
	return nil
}

// transferTagBytes is the width of the little-endian transfer id prefix on
// a binary frame.
const transferTagBytes = 4

// EncodeBinary prepends a 4-byte little-endian transfer id to a chunk of
// transfer payload, producing the raw bytes sent as a WebSocket binary frame.
func EncodeBinary(transferID uint32, data []byte) []byte {
	out := make([]byte, transferTagBytes+len(data))
	binary.LittleEndian.PutUint32(out[:transferTagBytes], transferID)
	copy(out[transferTagBytes:], data)
	return out
}

// DecodeBinary splits a raw binary frame back into its transfer id and
// payload. It fails when the frame is shorter than the tag itself.
func DecodeBinary(frame []byte) (transferID uint32, data []byte, err error) {
	if len(frame) < transferTagBytes {
		return 0, nil, fmt.Errorf("protocol: malformed binary frame: length %d < %d", len(frame), transferTagBytes)
	}
	transferID = binary.LittleEndian.Uint32(frame[:transferTagBytes])
	return transferID, frame[transferTagBytes:], nil
}
