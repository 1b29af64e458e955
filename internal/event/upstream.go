// Package event defines the upstream realtime wire protocol: typed JSON
// envelopes sent to the speech provider and the tagged variants decoded from
// its inbound stream.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ServerEvent is an inbound upstream event, decoded once at the connection
// boundary into exactly one variant.
type ServerEvent interface {
	eventType() string
}

// SessionCreated is the first lifecycle event after a successful handshake.
type SessionCreated struct {
	EventID string
	Session UpstreamSession
}

func (e SessionCreated) eventType() string { return "session.created" }

// SessionUpdated confirms the session configuration was applied.
type SessionUpdated struct {
	EventID string
	Session UpstreamSession
}

func (e SessionUpdated) eventType() string { return "session.updated" }

// UpstreamSession is the provider-side session descriptor.
type UpstreamSession struct {
	ID    string `json:"id"`
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`
}

// AudioDelta carries a chunk of synthesized speech, base64-encoded.
type AudioDelta struct {
	EventID    string
	ResponseID string
	Delta      string
}

func (e AudioDelta) eventType() string { return "response.audio.delta" }

// TranscriptDelta carries partial assistant transcript text.
type TranscriptDelta struct {
	EventID    string
	ResponseID string
	Delta      string
}

func (e TranscriptDelta) eventType() string { return "response.audio_transcript.delta" }

// SpeechStarted marks a voice-activity start boundary in the input buffer.
type SpeechStarted struct {
	EventID      string
	AudioStartMS int64
}

func (e SpeechStarted) eventType() string { return "input_audio_buffer.speech_started" }

// SpeechStopped marks a voice-activity end boundary.
type SpeechStopped struct {
	EventID    string
	AudioEndMS int64
}

func (e SpeechStopped) eventType() string { return "input_audio_buffer.speech_stopped" }

// ItemCreated is a completed conversation or tool-call item.
type ItemCreated struct {
	EventID string
	Item    ConversationItem
}

func (e ItemCreated) eventType() string { return "conversation.item.created" }

// ConversationItem is an upstream conversation entry.
type ConversationItem struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"` // "message" or "function_call"
	Role    string        `json:"role,omitempty"`
	Content []ItemContent `json:"content,omitempty"`
	Name    string        `json:"name,omitempty"`      // function name
	Args    string        `json:"arguments,omitempty"` // raw function args
}

// ItemContent is one content block of a conversation item.
type ItemContent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Text returns the first non-empty text or transcript of the item.
func (i ConversationItem) Text() string {
	for _, c := range i.Content {
		if c.Text != "" {
			return c.Text
		}
		if c.Transcript != "" {
			return c.Transcript
		}
	}
	return ""
}

// UpstreamError is a provider-reported error with nested detail.
type UpstreamError struct {
	EventID string
	Err     ErrorDetail
}

func (e UpstreamError) eventType() string { return "error" }

// ErrorDetail is the nested error body of an upstream error event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Unknown wraps an unrecognized event type. Callers log and ignore it.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (e Unknown) eventType() string { return e.Type }

// Type reports an event's wire type string.
func Type(e ServerEvent) string {
	if e == nil {
		return ""
	}
	return e.eventType()
}

// Decode validates an inbound payload and decodes it into its variant.
// A structurally invalid payload (bad JSON, missing type) returns an error;
// a well-formed payload with an unrecognized type returns Unknown.
func Decode(data []byte) (ServerEvent, error) {
	var envelope struct {
		Type    string `json:"type"`
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, fmt.Errorf("event missing type")
	}

	switch typ {
	case "session.created":
		var body struct {
			Session UpstreamSession `json:"session"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode session.created: %w", err)
		}
		return SessionCreated{EventID: envelope.EventID, Session: body.Session}, nil
	case "session.updated":
		var body struct {
			Session UpstreamSession `json:"session"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode session.updated: %w", err)
		}
		return SessionUpdated{EventID: envelope.EventID, Session: body.Session}, nil
	case "response.audio.delta":
		var body struct {
			ResponseID string `json:"response_id"`
			Delta      string `json:"delta"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode audio delta: %w", err)
		}
		return AudioDelta{EventID: envelope.EventID, ResponseID: body.ResponseID, Delta: body.Delta}, nil
	case "response.audio_transcript.delta":
		var body struct {
			ResponseID string `json:"response_id"`
			Delta      string `json:"delta"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode transcript delta: %w", err)
		}
		return TranscriptDelta{EventID: envelope.EventID, ResponseID: body.ResponseID, Delta: body.Delta}, nil
	case "input_audio_buffer.speech_started":
		var body struct {
			AudioStartMS int64 `json:"audio_start_ms"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode speech_started: %w", err)
		}
		return SpeechStarted{EventID: envelope.EventID, AudioStartMS: body.AudioStartMS}, nil
	case "input_audio_buffer.speech_stopped":
		var body struct {
			AudioEndMS int64 `json:"audio_end_ms"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode speech_stopped: %w", err)
		}
		return SpeechStopped{EventID: envelope.EventID, AudioEndMS: body.AudioEndMS}, nil
	case "conversation.item.created":
		var body struct {
			Item ConversationItem `json:"item"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode item.created: %w", err)
		}
		return ItemCreated{EventID: envelope.EventID, Item: body.Item}, nil
	case "error":
		var body struct {
			Error ErrorDetail `json:"error"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode error event: %w", err)
		}
		return UpstreamError{EventID: envelope.EventID, Err: body.Error}, nil
	default:
		return Unknown{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// TurnDetection configures upstream voice-activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// ToolDef is a function/tool schema advertised to the upstream model.
type ToolDef struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionConfig is the session-configuration body sent after a handshake.
type SessionConfig struct {
	Voice             string        `json:"voice,omitempty"`
	Instructions      string        `json:"instructions,omitempty"`
	InputAudioFormat  string        `json:"input_audio_format,omitempty"`
	OutputAudioFormat string        `json:"output_audio_format,omitempty"`
	TurnDetection     TurnDetection `json:"turn_detection"`
	Tools             []ToolDef     `json:"tools,omitempty"`
}

// SessionUpdate builds the outbound session.update envelope.
func SessionUpdate(cfg SessionConfig) ([]byte, error) {
	return json.Marshal(struct {
		Type    string        `json:"type"`
		Session SessionConfig `json:"session"`
	}{Type: "session.update", Session: cfg})
}

// AudioAppend builds an input_audio_buffer.append envelope. audioB64 is the
// client audio chunk already base64-encoded.
func AudioAppend(audioB64 string) ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}{Type: "input_audio_buffer.append", Audio: audioB64})
}

// ResponseCreate builds a response.create envelope requesting a model turn.
func ResponseCreate() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "response.create"})
}

// UserText builds a conversation.item.create envelope carrying typed text.
func UserText(text string) ([]byte, error) {
	return json.Marshal(struct {
		Type string           `json:"type"`
		Item ConversationItem `json:"item"`
	}{
		Type: "conversation.item.create",
		Item: ConversationItem{
			Type: "message",
			Role: "user",
			Content: []ItemContent{
				{Type: "input_text", Text: text},
			},
		},
	})
}
