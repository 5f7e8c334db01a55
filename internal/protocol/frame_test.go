package protocol

import (
	"encoding/json"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
	}{
		{
			name: "request",
			frame: Frame{
				Kind: KindRequest,
				Req:  &Request{ID: "abc-123", Method: "tools.list", Params: json.RawMessage(`{"a":1}`)},
			},
		},
		{
			name: "response ok",
			frame: Frame{
				Kind: KindResponse,
				Res:  &Response{ID: "abc-123", OK: true, Payload: json.RawMessage(`{"ok":true}`)},
			},
		},
		{
			name: "response error",
			frame: Frame{
				Kind: KindResponse,
				Res: &Response{
					ID: "abc-124",
					OK: false,
					Error: &ErrorShape{
						Code:    404,
						Message: "not found",
					},
				},
			},
		},
		{
			name: "event",
			frame: Frame{
				Kind: KindEvent,
				Evt:  &Event{Event: "chat", Payload: json.RawMessage(`{"state":"delta"}`)},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.frame)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got Frame
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Kind != tc.frame.Kind {
				t.Fatalf("kind mismatch: got %q want %q", got.Kind, tc.frame.Kind)
			}
			switch tc.frame.Kind {
			case KindRequest:
				if got.Req.ID != tc.frame.Req.ID || got.Req.Method != tc.frame.Req.Method {
					t.Fatalf("request mismatch: got %+v want %+v", got.Req, tc.frame.Req)
				}
			case KindResponse:
				if got.Res.ID != tc.frame.Res.ID || got.Res.OK != tc.frame.Res.OK {
					t.Fatalf("response mismatch: got %+v want %+v", got.Res, tc.frame.Res)
				}
				if (got.Res.Error == nil) != (tc.frame.Res.Error == nil) {
					t.Fatalf("response error presence mismatch")
				}
			case KindEvent:
				if got.Evt.Event != tc.frame.Evt.Event {
					t.Fatalf("event mismatch: got %+v want %+v", got.Evt, tc.frame.Evt)
				}
			}
		})
	}
}

func TestFrameUnknownTypeIsParseError(t *testing.T) {
	_, err := decodeFrameJSON(`{"type":"bogus"}`)
	if err == nil {
		t.Fatal("expected an error for unknown frame type, got nil")
	}
}

func TestFrameMalformedJSONIsParseError(t *testing.T) {
	_, err := decodeFrameJSON(`not json`)
	if err == nil {
		t.Fatal("expected an error for malformed JSON, got nil")
	}
}

func decodeFrameJSON(s string) (Frame, error) {
	var f Frame
	err := json.Unmarshal([]byte(s), &f)
	return f, err
}

func TestNewRequestAssignsUUID(t *testing.T) {
	f := NewRequest("heartbeat.status", nil)
	if f.Kind != KindRequest {
		t.Fatalf("expected request kind, got %q", f.Kind)
	}
	if f.Req.ID == "" {
		t.Fatal("expected a non-empty generated id")
	}
	g := NewRequest("heartbeat.status", nil)
	if f.Req.ID == g.Req.ID {
		t.Fatal("expected distinct ids across calls")
	}
}

func TestEncodeDecodeBinaryRoundTrip(t *testing.T) {
	data := []byte{0xAA, 0xBB}
	frame := EncodeBinary(0x01020304, data)
	want := []byte{0x04, 0x03, 0x02, 0x01, 0xAA, 0xBB}
	if len(frame) != len(want) {
		t.Fatalf("encoded length mismatch: got %d want %d", len(frame), len(want))
	}
	for i := range want {
		if frame[i] != want[i] {
			t.Fatalf("byte %d mismatch: got %#x want %#x", i, frame[i], want[i])
		}
	}

	id, payload, err := DecodeBinary(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id != 0x01020304 {
		t.Fatalf("transfer id mismatch: got %#x", id)
	}
	if string(payload) != string(data) {
		t.Fatalf("payload mismatch: got %v want %v", payload, data)
	}
}

func TestDecodeBinaryRejectsShortFrame(t *testing.T) {
	_, _, err := DecodeBinary([]byte{0x01, 0x02})
	if err == nil {
		t.Fatal("expected an error for a frame shorter than the tag")
	}
}
