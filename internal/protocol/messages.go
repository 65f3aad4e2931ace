package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Browser -> gateway.
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"

	// Gateway -> browser.
	TypeSessionState    MessageType = "session_state"
	TypeAssistantAudio  MessageType = "assistant_audio_chunk"
	TypePlaybackControl MessageType = "playback_control"
	TypeSpectrumFrame   MessageType = "spectrum_frame"
	TypeErrorEvent      MessageType = "error_event"
)

// Control actions accepted from the browser.
const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// Playback actions pushed to the browser.
const (
	PlaybackFlush = "flush"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioChunk carries one captured microphone block, 16-bit little-endian
// PCM, base64 over JSON.
type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

// ClientControl starts or stops the voice session.
type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

// SessionState mirrors the full observable session snapshot. Pushed on every
// change; the browser renders it directly instead of tracking deltas.
type SessionState struct {
	Type                MessageType `json:"type"`
	SessionID           string      `json:"session_id"`
	Connection          string      `json:"connection"`
	Mode                string      `json:"mode"`
	Error               string      `json:"error,omitempty"`
	UserTranscript      string      `json:"user_transcript"`
	AssistantTranscript string      `json:"assistant_transcript"`
}

// AssistantAudioChunk carries one scheduled playback buffer to the browser.
type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Seq         int         `json:"seq"`
	SampleRate  int         `json:"sample_rate"`
	AudioBase64 string      `json:"audio_base64"`
}

// PlaybackControl tells the browser to act on its local output queue, e.g.
// flush everything on interruption.
type PlaybackControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

// SpectrumFrame is one analyser snapshot of the assistant's output audio,
// one byte per frequency bin. Bins marshal as base64.
type SpectrumFrame struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Bins      []byte      `json:"bins"`
	TSMs      int64       `json:"ts_ms"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates a browser-originated payload.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionStart, ActionStop:
		default:
			return nil, fmt.Errorf("unknown control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
