package live

import (
	"context"

	"github.com/keitaro-dev/aibou/internal/audiocodec"
)

type EventType string

const (
	// EventOpen signals the remote side finished setup; capture wiring must
	// not begin before this arrives.
	EventOpen           EventType = "open"
	EventAudio          EventType = "audio"
	EventUserTranscript EventType = "user_transcript"
	EventAITranscript   EventType = "ai_transcript"
	EventInterrupted    EventType = "interrupted"
	EventTurnComplete   EventType = "turn_complete"
	EventToolCall       EventType = "tool_call"
	EventClosed         EventType = "closed"
	EventError          EventType = "error"
)

// ToolCall is a remote request to invoke a declared tool. Every call must
// receive exactly one result before the remote side proceeds.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Event is one inbound transport message, ordered per connection.
type Event struct {
	Type  EventType
	Audio []byte // raw PCM16LE bytes for EventAudio
	Text  string // transcript delta for transcript events
	Calls []ToolCall
	Err   error // set on EventError and abnormal EventClosed
}

// ToolDecl declares a callable tool at session setup.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Params configures one live session at open time.
type Params struct {
	Model               string
	Voice               string
	SystemInstruction   string
	Tools               []ToolDecl
	InputTranscription  bool
	OutputTranscription bool
}

// Transport is the single bidirectional stream to the conversational model.
// It is exclusively owned by the session state machine.
type Transport interface {
	// Send ships one encoded audio frame, fire-and-forget.
	Send(frame audiocodec.Frame) error
	// SendToolResult completes a previously-received tool invocation.
	SendToolResult(callID, name, result string) error
	// Events delivers inbound events in arrival order. The channel is
	// closed after EventClosed.
	Events() <-chan Event
	Close() error
}

// Dialer opens transports; swapped for a fake in tests.
type Dialer interface {
	Dial(ctx context.Context, params Params) (Transport, error)
}
