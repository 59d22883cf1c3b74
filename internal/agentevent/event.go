// Package agentevent implements the typed envelope carried end-to-end
// between the mobile client and the laptop. It is the only place that knows
// the on-the-wire shape of agent events.
package agentevent

import (
	"encoding/json"
	"fmt"
)

// Type discriminates event variants.
type Type string

const (
	TypeCommandText      Type = "command_text"
	TypeCommandVoice     Type = "command_voice"
	TypeContextReset     Type = "context_reset"
	TypeTranscription    Type = "transcription"
	TypeAssistantMessage Type = "assistant_message"
	TypeTTSAudio         Type = "tts_audio"
	TypeCompletion       Type = "completion"
	TypeError            Type = "error"
)

// knownTypes rejects unknown discriminators at decode time.
var knownTypes = map[Type]bool{
	TypeCommandText:      true,
	TypeCommandVoice:     true,
	TypeContextReset:     true,
	TypeTranscription:    true,
	TypeAssistantMessage: true,
	TypeTTSAudio:         true,
	TypeCompletion:       true,
	TypeError:            true,
}

// Voice formats accepted on command_voice frames.
var voiceFormats = map[string]bool{"wav": true, "m4a": true, "opus": true}

// Audio formats produced on tts_audio frames.
var ttsFormats = map[string]bool{"mp3": true, "opus": true}

// Event is one decoded agent event.
//
// SessionID is opaque and server-allocated at first use. MessageID is
// globally unique. ParentID, when set, names an earlier MessageID in the
// same session. Timestamp is a millisecond epoch.
type Event struct {
	Type      Type
	SessionID string
	MessageID string
	ParentID  string
	Timestamp int64
	Payload   Payload
}

// Payload is the type-specific part of an event. Each variant keeps an
// Extra bag of payload fields it does not know about, so re-encoding a
// decoded event never drops fields added by newer peers.
type Payload interface {
	eventType() Type
}

// CommandText is a typed command from the client.
type CommandText struct {
	Text  string
	Extra map[string]json.RawMessage
}

// CommandVoice is a recorded voice command from the client.
type CommandVoice struct {
	AudioBase64 string
	Format      string // wav, m4a, opus
	Extra       map[string]json.RawMessage
}

// ContextReset asks the laptop to discard conversational context.
type ContextReset struct {
	Extra map[string]json.RawMessage
}

// Transcription is speech-to-text output from the laptop.
type Transcription struct {
	Text       string
	Confidence *float64
	Extra      map[string]json.RawMessage
}

// AssistantMessage is an (possibly streaming) assistant reply chunk.
type AssistantMessage struct {
	Content  string
	IsFinal  bool
	Metadata json.RawMessage
	Extra    map[string]json.RawMessage
}

// TTSAudio is synthesized speech for an assistant reply.
type TTSAudio struct {
	AudioBase64 string
	Format      string // mp3, opus
	DurationMS  int64
	Transcript  string
	Extra       map[string]json.RawMessage
}

// Completion marks the end of a command's processing.
type Completion struct {
	Success bool
	Result  json.RawMessage
	Error   *string
	Extra   map[string]json.RawMessage
}

// ErrorEvent reports a laptop-side failure to the client.
type ErrorEvent struct {
	Code    string
	Message string
	Details json.RawMessage
	Extra   map[string]json.RawMessage
}

func (CommandText) eventType() Type      { return TypeCommandText }
func (CommandVoice) eventType() Type     { return TypeCommandVoice }
func (ContextReset) eventType() Type     { return TypeContextReset }
func (Transcription) eventType() Type    { return TypeTranscription }
func (AssistantMessage) eventType() Type { return TypeAssistantMessage }
func (TTSAudio) eventType() Type         { return TypeTTSAudio }
func (Completion) eventType() Type       { return TypeCompletion }
func (ErrorEvent) eventType() Type       { return TypeError }

// Decode failure reasons.
const (
	ReasonMalformedJSON = "malformed_json"
	ReasonUnknownType   = "unknown_type"
	ReasonMissingField  = "missing_required_field"
	ReasonInvalidEnum   = "invalid_enum"
)

// DecodeError is a structured decode failure.
type DecodeError struct {
	Reason string
	Field  string // offending field, when known
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("agent event decode: %s (%s)", e.Reason, e.Field)
	}
	return fmt.Sprintf("agent event decode: %s", e.Reason)
}

func malformed(field string) error   { return &DecodeError{Reason: ReasonMalformedJSON, Field: field} }
func missingField(f string) error    { return &DecodeError{Reason: ReasonMissingField, Field: f} }
func invalidEnum(field string) error { return &DecodeError{Reason: ReasonInvalidEnum, Field: field} }
