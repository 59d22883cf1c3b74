package agentevent

import (
	"encoding/json"
	"fmt"
)

// wireEvent is the lower-snake on-the-wire envelope.
type wireEvent struct {
	Type      string                     `json:"type"`
	SessionID string                     `json:"session_id"`
	MessageID string                     `json:"message_id"`
	ParentID  string                     `json:"parent_id,omitempty"`
	Timestamp int64                      `json:"timestamp"`
	Payload   map[string]json.RawMessage `json:"payload"`
}

// Decode parses a single textual frame into a validated event.
//
// Validation is strict on the envelope and on required payload fields;
// unknown payload fields are kept in the variant's Extra bag instead of
// being rejected, so newer peers can add fields freely.
func Decode(data []byte) (*Event, error) {
	var raw struct {
		Type      *string         `json:"type"`
		SessionID *string         `json:"session_id"`
		MessageID *string         `json:"message_id"`
		ParentID  string          `json:"parent_id"`
		Timestamp *int64          `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed("")
	}

	if raw.Type == nil || *raw.Type == "" {
		return nil, missingField("type")
	}
	eventType := Type(*raw.Type)
	if !knownTypes[eventType] {
		return nil, &DecodeError{Reason: ReasonUnknownType, Field: *raw.Type}
	}
	if raw.SessionID == nil || *raw.SessionID == "" {
		return nil, missingField("session_id")
	}
	if raw.MessageID == nil || *raw.MessageID == "" {
		return nil, missingField("message_id")
	}
	if raw.Timestamp == nil {
		return nil, missingField("timestamp")
	}

	fields := map[string]json.RawMessage{}
	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, &fields); err != nil {
			return nil, malformed("payload")
		}
	}

	payload, err := decodePayload(eventType, fields)
	if err != nil {
		return nil, err
	}

	return &Event{
		Type:      eventType,
		SessionID: *raw.SessionID,
		MessageID: *raw.MessageID,
		ParentID:  raw.ParentID,
		Timestamp: *raw.Timestamp,
		Payload:   payload,
	}, nil
}

func decodePayload(t Type, fields map[string]json.RawMessage) (Payload, error) {
	switch t {
	case TypeCommandText:
		text, err := requireString(fields, "text")
		if err != nil {
			return nil, err
		}
		return CommandText{Text: text, Extra: leftovers(fields)}, nil

	case TypeCommandVoice:
		audio, err := requireString(fields, "audio_base64")
		if err != nil {
			return nil, err
		}
		format, err := requireString(fields, "format")
		if err != nil {
			return nil, err
		}
		if !voiceFormats[format] {
			return nil, invalidEnum("format")
		}
		return CommandVoice{AudioBase64: audio, Format: format, Extra: leftovers(fields)}, nil

	case TypeContextReset:
		return ContextReset{Extra: leftovers(fields)}, nil

	case TypeTranscription:
		text, err := requireString(fields, "text")
		if err != nil {
			return nil, err
		}
		confidence, err := optionalFloat(fields, "confidence")
		if err != nil {
			return nil, err
		}
		return Transcription{Text: text, Confidence: confidence, Extra: leftovers(fields)}, nil

	case TypeAssistantMessage:
		content, err := requireString(fields, "content")
		if err != nil {
			return nil, err
		}
		isFinal, err := requireBool(fields, "is_final")
		if err != nil {
			return nil, err
		}
		metadata := takeRaw(fields, "metadata")
		return AssistantMessage{Content: content, IsFinal: isFinal, Metadata: metadata, Extra: leftovers(fields)}, nil

	case TypeTTSAudio:
		audio, err := requireString(fields, "audio_base64")
		if err != nil {
			return nil, err
		}
		format, err := requireString(fields, "format")
		if err != nil {
			return nil, err
		}
		if !ttsFormats[format] {
			return nil, invalidEnum("format")
		}
		duration, err := requireInt(fields, "duration_ms")
		if err != nil {
			return nil, err
		}
		transcript, err := requireString(fields, "transcript")
		if err != nil {
			return nil, err
		}
		return TTSAudio{AudioBase64: audio, Format: format, DurationMS: duration, Transcript: transcript, Extra: leftovers(fields)}, nil

	case TypeCompletion:
		success, err := requireBool(fields, "success")
		if err != nil {
			return nil, err
		}
		result := takeRaw(fields, "result")
		errText, err := optionalString(fields, "error")
		if err != nil {
			return nil, err
		}
		return Completion{Success: success, Result: result, Error: errText, Extra: leftovers(fields)}, nil

	case TypeError:
		code, err := requireString(fields, "code")
		if err != nil {
			return nil, err
		}
		message, err := requireString(fields, "message")
		if err != nil {
			return nil, err
		}
		details := takeRaw(fields, "details")
		return ErrorEvent{Code: code, Message: message, Details: details, Extra: leftovers(fields)}, nil
	}
	return nil, &DecodeError{Reason: ReasonUnknownType, Field: string(t)}
}

// Encode serializes an event to wire bytes, enforcing the same validation
// as Decode so decode(encode(e)) == e holds for every valid event.
func Encode(e *Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("nil event")
	}
	if !knownTypes[e.Type] {
		return nil, &DecodeError{Reason: ReasonUnknownType, Field: string(e.Type)}
	}
	if e.SessionID == "" {
		return nil, missingField("session_id")
	}
	if e.MessageID == "" {
		return nil, missingField("message_id")
	}
	if e.Payload == nil {
		return nil, missingField("payload")
	}
	if e.Payload.eventType() != e.Type {
		return nil, fmt.Errorf("payload variant %q does not match event type %q", e.Payload.eventType(), e.Type)
	}

	fields, err := encodePayload(e.Payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(wireEvent{
		Type:      string(e.Type),
		SessionID: e.SessionID,
		MessageID: e.MessageID,
		ParentID:  e.ParentID,
		Timestamp: e.Timestamp,
		Payload:   fields,
	})
}

func encodePayload(p Payload) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}

	switch v := p.(type) {
	case CommandText:
		mergeExtra(fields, v.Extra)
		setString(fields, "text", v.Text)

	case CommandVoice:
		if !voiceFormats[v.Format] {
			return nil, invalidEnum("format")
		}
		mergeExtra(fields, v.Extra)
		setString(fields, "audio_base64", v.AudioBase64)
		setString(fields, "format", v.Format)

	case ContextReset:
		mergeExtra(fields, v.Extra)

	case Transcription:
		mergeExtra(fields, v.Extra)
		setString(fields, "text", v.Text)
		if v.Confidence != nil {
			setJSON(fields, "confidence", *v.Confidence)
		}

	case AssistantMessage:
		mergeExtra(fields, v.Extra)
		setString(fields, "content", v.Content)
		setJSON(fields, "is_final", v.IsFinal)
		if len(v.Metadata) > 0 {
			fields["metadata"] = v.Metadata
		}

	case TTSAudio:
		if !ttsFormats[v.Format] {
			return nil, invalidEnum("format")
		}
		mergeExtra(fields, v.Extra)
		setString(fields, "audio_base64", v.AudioBase64)
		setString(fields, "format", v.Format)
		setJSON(fields, "duration_ms", v.DurationMS)
		setString(fields, "transcript", v.Transcript)

	case Completion:
		mergeExtra(fields, v.Extra)
		setJSON(fields, "success", v.Success)
		if len(v.Result) > 0 {
			fields["result"] = v.Result
		}
		if v.Error != nil {
			setString(fields, "error", *v.Error)
		}

	case ErrorEvent:
		mergeExtra(fields, v.Extra)
		setString(fields, "code", v.Code)
		setString(fields, "message", v.Message)
		if len(v.Details) > 0 {
			fields["details"] = v.Details
		}

	default:
		return nil, fmt.Errorf("unsupported payload variant %T", p)
	}
	return fields, nil
}

// --- field helpers ---

func requireString(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", missingField(name)
	}
	delete(fields, name)
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", malformed(name)
	}
	return s, nil
}

func optionalString(fields map[string]json.RawMessage, name string) (*string, error) {
	raw, ok := fields[name]
	if !ok {
		return nil, nil
	}
	delete(fields, name)
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, malformed(name)
	}
	return &s, nil
}

func requireBool(fields map[string]json.RawMessage, name string) (bool, error) {
	raw, ok := fields[name]
	if !ok {
		return false, missingField(name)
	}
	delete(fields, name)
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, malformed(name)
	}
	return b, nil
}

func requireInt(fields map[string]json.RawMessage, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, missingField(name)
	}
	delete(fields, name)
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, malformed(name)
	}
	return n, nil
}

func optionalFloat(fields map[string]json.RawMessage, name string) (*float64, error) {
	raw, ok := fields[name]
	if !ok {
		return nil, nil
	}
	delete(fields, name)
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, malformed(name)
	}
	return &f, nil
}

func takeRaw(fields map[string]json.RawMessage, name string) json.RawMessage {
	raw, ok := fields[name]
	if !ok {
		return nil
	}
	delete(fields, name)
	return raw
}

// leftovers returns the unknown-fields bag, or nil when there is none.
func leftovers(fields map[string]json.RawMessage) map[string]json.RawMessage {
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func mergeExtra(fields map[string]json.RawMessage, extra map[string]json.RawMessage) {
	for k, v := range extra {
		fields[k] = v
	}
}

func setString(fields map[string]json.RawMessage, name, value string) {
	setJSON(fields, name, value)
}

func setJSON(fields map[string]json.RawMessage, name string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		// Only called with strings, bools and numbers; cannot fail.
		panic(fmt.Sprintf("marshal %s: %v", name, err))
	}
	fields[name] = data
}
