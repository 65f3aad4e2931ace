package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/keitaro-dev/aibou/internal/audiocodec"
)

const defaultBaseURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// WSDialer opens websocket live sessions against the conversational model.
type WSDialer struct {
	BaseURL string
	APIKey  string
}

func NewWSDialer(baseURL, apiKey string) *WSDialer {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	return &WSDialer{BaseURL: baseURL, APIKey: apiKey}
}

func (d *WSDialer) Dial(ctx context.Context, params Params) (Transport, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("live: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("key", d.APIKey)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial live websocket: %w", err)
	}

	t := &wsTransport{conn: conn, done: make(chan struct{}), events: make(chan Event, 256)}
	if err := t.writeJSON(setupMessage(params)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send session setup: %w", err)
	}
	go t.readLoop()
	return t, nil
}

// Client wire messages.

type clientMessage struct {
	Setup         *setupPayload        `json:"setup,omitempty"`
	RealtimeInput *realtimeInput       `json:"realtimeInput,omitempty"`
	ToolResponse  *toolResponsePayload `json:"toolResponse,omitempty"`
}

type setupPayload struct {
	Model               string            `json:"model,omitempty"`
	GenerationConfig    *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction   *content          `json:"systemInstruction,omitempty"`
	Tools               []toolGroup       `json:"tools,omitempty"`
	InputTranscription  *struct{}         `json:"inputAudioTranscription,omitempty"`
	OutputTranscription *struct{}         `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type toolGroup struct {
	FunctionDeclarations []functionDecl `json:"functionDeclarations"`
}

type functionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type toolResponsePayload struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

func setupMessage(params Params) clientMessage {
	setup := &setupPayload{Model: params.Model}

	gc := &generationConfig{ResponseModalities: []string{"AUDIO"}}
	if strings.TrimSpace(params.Voice) != "" {
		sc := &speechConfig{}
		sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = params.Voice
		gc.SpeechConfig = sc
	}
	setup.GenerationConfig = gc

	if strings.TrimSpace(params.SystemInstruction) != "" {
		setup.SystemInstruction = &content{Parts: []part{{Text: params.SystemInstruction}}}
	}
	if len(params.Tools) > 0 {
		decls := make([]functionDecl, 0, len(params.Tools))
		for _, t := range params.Tools {
			decls = append(decls, functionDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		setup.Tools = []toolGroup{{FunctionDeclarations: decls}}
	}
	if params.InputTranscription {
		setup.InputTranscription = &struct{}{}
	}
	if params.OutputTranscription {
		setup.OutputTranscription = &struct{}{}
	}
	return clientMessage{Setup: setup}
}

// Server wire messages.

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete"`
	ServerContent *serverContent `json:"serverContent"`
	ToolCall      *toolCallMsg   `json:"toolCall"`
	Error         *serverError   `json:"error"`
}

type serverContent struct {
	Interrupted         bool           `json:"interrupted"`
	TurnComplete        bool           `json:"turnComplete"`
	InputTranscription  *transcription `json:"inputTranscription"`
	OutputTranscription *transcription `json:"outputTranscription"`
	ModelTurn           *content       `json:"modelTurn"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []struct {
		ID   string         `json:"id"`
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"functionCalls"`
}

type serverError struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// parseServerMessage expands one wire message into zero or more events,
// preserving in-message order: interruption first, then tool calls, then
// transcripts, then audio.
func parseServerMessage(raw []byte) ([]Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("live: malformed server message: %w", err)
	}

	var events []Event
	if msg.SetupComplete != nil {
		events = append(events, Event{Type: EventOpen})
	}
	if msg.Error != nil {
		events = append(events, Event{Type: EventError, Err: fmt.Errorf("live: remote error %d %s: %s", msg.Error.Code, msg.Error.Status, msg.Error.Message)})
	}
	if msg.ToolCall != nil {
		calls := make([]ToolCall, 0, len(msg.ToolCall.FunctionCalls))
		for _, fc := range msg.ToolCall.FunctionCalls {
			calls = append(calls, ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		if len(calls) > 0 {
			events = append(events, Event{Type: EventToolCall, Calls: calls})
		}
	}
	sc := msg.ServerContent
	if sc == nil {
		return events, nil
	}
	if sc.Interrupted {
		events = append(events, Event{Type: EventInterrupted})
		return events, nil
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, Event{Type: EventUserTranscript, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, Event{Type: EventAITranscript, Text: sc.OutputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				// A corrupt chunk is a dropped frame, not a session failure.
				continue
			}
			events = append(events, Event{Type: EventAudio, Audio: audio})
		}
	}
	if sc.TurnComplete {
		events = append(events, Event{Type: EventTurnComplete})
	}
	return events, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	events    chan Event
}

func (t *wsTransport) Send(frame audiocodec.Frame) error {
	return t.writeJSON(clientMessage{RealtimeInput: &realtimeInput{
		MediaChunks: []inlineData{{
			MIMEType: frame.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(frame.Data),
		}},
	}})
}

func (t *wsTransport) SendToolResult(callID, name, result string) error {
	return t.writeJSON(clientMessage{ToolResponse: &toolResponsePayload{
		FunctionResponses: []functionResponse{{
			ID:       callID,
			Name:     name,
			Response: map[string]any{"result": result},
		}},
	}})
}

func (t *wsTransport) Events() <-chan Event { return t.events }

// Close tears down the connection. The events channel stays open until
// readLoop observes the closed conn and exits; readLoop is the only sender
// on events, so it is the only place allowed to close it.
func (t *wsTransport) Close() error {
	var retErr error
	t.closeOnce.Do(func() {
		retErr = t.conn.Close()
		close(t.done)
	})
	return retErr
}

func (t *wsTransport) writeJSON(msg clientMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(msg)
}

func (t *wsTransport) readLoop() {
	defer func() {
		_ = t.Close()
		close(t.events)
	}()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.emit(Event{Type: EventClosed})
			} else {
				t.emit(Event{Type: EventClosed, Err: err})
			}
			return
		}
		events, err := parseServerMessage(data)
		if err != nil {
			continue
		}
		for _, ev := range events {
			t.emit(ev)
		}
	}
}

func (t *wsTransport) emit(ev Event) {
	switch ev.Type {
	case EventAudio, EventUserTranscript, EventAITranscript:
		// Media under backpressure is droppable; a lost chunk is a glitch,
		// a read loop stalled behind a slow consumer is a dead connection.
		select {
		case t.events <- ev:
		default:
		}
	default:
		// Lifecycle events (open, interrupted, tool call, turn complete,
		// closed, error) must reach the consumer. Block until delivered,
		// bailing out only once the transport is closed.
		select {
		case t.events <- ev:
		case <-t.done:
		}
	}
}
