// Package protocol defines the JSON frames exchanged over the tunnel
// WebSocket and on the client-facing stream sockets.
//
// Every tunnel frame is a single text message whose top-level "type" field
// selects the variant. Unknown frame types are ignored by both endpoints so
// either side can be upgraded first.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tunnel frame types (relay ↔ laptop).
const (
	TypeHTTPRequest     = "http_request"
	TypeHTTPResponse    = "http_response"
	TypeClientAuthKey   = "client_auth_key"
	TypeTerminalOutput  = "terminal_output"
	TypeTerminalInput   = "terminal_input"
	TypeRecordingOutput = "recording_output"
	TypeAgentEvent      = "agent_event"
)

// Client-facing stream message types.
const (
	TypeOutput = "output" // terminal stream, relay → client
	TypeInput  = "input"  // terminal stream, client → relay
)

// ErrMissingType is returned when a frame has no "type" field.
var ErrMissingType = errors.New("frame has no type field")

// PeekType extracts the "type" discriminator without decoding the full frame.
func PeekType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("decode frame envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrMissingType
	}
	return envelope.Type, nil
}

// HTTPRequest carries one relayed HTTP request to the laptop.
type HTTPRequest struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	Query     map[string]string `json:"query,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
}

// HTTPResponse carries the laptop's answer for a relayed request.
type HTTPResponse struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"requestId"`
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// ClientAuthKey registers the key used to re-authorize mobile clients.
// Sent by the laptop right after the tunnel socket opens.
type ClientAuthKey struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// TerminalOutput is pushed by the laptop for one terminal session.
type TerminalOutput struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// TerminalInput forwards keystrokes from a stream subscriber to the laptop.
type TerminalInput struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// RecordingOutput is pushed by the laptop for the recording channel.
// Optional fields are pointers so that absent fields stay absent when the
// relay re-broadcasts the frame.
type RecordingOutput struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId"`
	Text       *string         `json:"text,omitempty"`
	Delta      *string         `json:"delta,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Timestamp  *int64          `json:"timestamp,omitempty"`
	IsComplete *bool           `json:"isComplete,omitempty"`
}

// AgentEventFrame wraps one AgentEvent envelope for transport over the tunnel.
type AgentEventFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Event     json.RawMessage `json:"event"`
}

// TerminalStreamMessage is what terminal stream subscribers receive.
type TerminalStreamMessage struct {
	Type      string `json:"type"` // always "output"
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// TerminalStreamInput is what terminal stream subscribers may send.
type TerminalStreamInput struct {
	Type string `json:"type"` // always "input"
	Data string `json:"data"`
}

// RecordingStreamMessage is what recording stream subscribers receive.
// Field casing matches the original mobile clients: session_id is snake case,
// isComplete stays camel case.
type RecordingStreamMessage struct {
	Type       string          `json:"type"` // always "recording_output"
	SessionID  string          `json:"session_id"`
	Text       *string         `json:"text,omitempty"`
	Delta      *string         `json:"delta,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Timestamp  *int64          `json:"timestamp,omitempty"`
	IsComplete *bool           `json:"isComplete,omitempty"`
}

// Marshal encodes a frame, failing loudly rather than sending a half frame.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return data, nil
}
