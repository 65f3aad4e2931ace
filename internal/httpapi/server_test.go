package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keitaro-dev/aibou/internal/audiocodec"
	"github.com/keitaro-dev/aibou/internal/config"
	"github.com/keitaro-dev/aibou/internal/live"
	"github.com/keitaro-dev/aibou/internal/memory"
	"github.com/keitaro-dev/aibou/internal/observability"
	"github.com/keitaro-dev/aibou/internal/session"
)

var metricsSeq int

func testServer(t *testing.T, cfg config.Config, dialer live.Dialer) (*Server, *session.Manager) {
	t.Helper()
	if cfg.SessionInactivityTimeout == 0 {
		cfg.SessionInactivityTimeout = 2 * time.Minute
	}
	if cfg.DefaultPersonaID == "" {
		cfg.DefaultPersonaID = "hana"
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metricsSeq++
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d_%d", time.Now().UnixNano(), metricsSeq))
	return New(cfg, sessions, memory.NewInMemoryStore(), dialer, metrics), sessions
}

func TestCreateAndEndSession(t *testing.T) {
	srv, _ := testServer(t, config.Config{}, live.NewMockDialer())

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	createReq := map[string]string{
		"user_id":     "user-1",
		"user_name":   "Kei",
		"user_gender": "male",
		"persona_id":  "hana",
	}
	body, _ := json.Marshal(createReq)
	res, err := http.Post(ts.URL+"/v1/voice/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if got, _ := created["voice_id"].(string); got != "Aoede" {
		t.Fatalf("voice_id = %q, want persona default %q", got, "Aoede")
	}

	stateRes, err := http.Get(ts.URL + "/v1/voice/session/" + sessionID + "/state")
	if err != nil {
		t.Fatalf("session state request error = %v", err)
	}
	defer stateRes.Body.Close()
	if stateRes.StatusCode != http.StatusOK {
		t.Fatalf("state status = %d, want %d", stateRes.StatusCode, http.StatusOK)
	}
	var state map[string]any
	if err := json.NewDecoder(stateRes.Body).Decode(&state); err != nil {
		t.Fatalf("decode state response: %v", err)
	}
	if got, _ := state["session_id"].(string); got != sessionID {
		t.Fatalf("state session_id = %q, want %q", got, sessionID)
	}

	endRes, err := http.Post(ts.URL+"/v1/voice/session/"+sessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
}

func TestCreateSessionRejectsUnknownPersona(t *testing.T) {
	srv, _ := testServer(t, config.Config{}, live.NewMockDialer())

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"persona_id": "nope"})
	res, err := http.Post(ts.URL+"/v1/voice/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestListPersonas(t *testing.T) {
	srv, _ := testServer(t, config.Config{}, live.NewMockDialer())

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/voice/personas")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload struct {
		Personas []map[string]any `json:"personas"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Personas) == 0 {
		t.Fatal("no personas returned")
	}
	if payload.Personas[0]["id"] != "hana" {
		t.Fatalf("first persona id = %v, want hana", payload.Personas[0]["id"])
	}
}

func TestSessionWSRequiresKnownSession(t *testing.T) {
	srv, _ := testServer(t, config.Config{}, live.NewMockDialer())

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/voice/session/ws?session_id=missing")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestSessionWSDisabledWithoutUpstream(t *testing.T) {
	srv, sessions := testServer(t, config.Config{}, live.NewMockDialer())

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	sess := sessions.Create(session.CreateRequest{UserID: "u1", PersonaID: "hana"})
	conn := dialWS(t, ts.URL, sess.ID)
	defer conn.Close()

	sendWS(t, conn, map[string]any{"type": "client_control", "session_id": sess.ID, "action": "start"})
	env := readUntil(t, conn, func(env map[string]any) bool {
		return env["type"] == "error_event"
	})
	if env["code"] != "DISABLED" {
		t.Fatalf("error code = %v, want DISABLED", env["code"])
	}
}

func TestSessionWSLifecycle(t *testing.T) {
	tr := live.NewMockTransport()
	dialer := live.NewMockDialer(tr)
	srv, sessions := testServer(t, config.Config{UpstreamAPIKey: "test-key"}, dialer)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	sess := sessions.Create(session.CreateRequest{
		UserID:     "u1",
		UserName:   "Kei",
		UserGender: "male",
		PersonaID:  "hana",
	})
	conn := dialWS(t, ts.URL, sess.ID)
	defer conn.Close()

	sendWS(t, conn, map[string]any{"type": "client_control", "session_id": sess.ID, "action": "start"})
	waitForDials(t, dialer, 1)
	tr.Emit(live.Event{Type: live.EventOpen})

	readUntil(t, conn, func(env map[string]any) bool {
		return env["type"] == "session_state" && env["connection"] == "connected"
	})

	// Assistant audio flows back out as an assistant_audio_chunk.
	tr.Emit(live.Event{Type: live.EventAudio, Audio: audiocodec.Encode(make([]float32, 2400)).Data})
	chunk := readUntil(t, conn, func(env map[string]any) bool {
		return env["type"] == "assistant_audio_chunk"
	})
	if chunk["turn_id"] == "" || chunk["audio_base64"] == "" {
		t.Fatalf("incomplete audio chunk: %+v", chunk)
	}

	// Loud microphone input reaches the upstream transport.
	loud := make([]float32, 4096)
	for i := range loud {
		loud[i] = 0.5
	}
	sendWS(t, conn, map[string]any{
		"type":         "client_audio_chunk",
		"session_id":   sess.ID,
		"seq":          1,
		"pcm16_base64": base64.StdEncoding.EncodeToString(audiocodec.Encode(loud).Data),
		"sample_rate":  16000,
	})
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(tr.SentFrames()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(tr.SentFrames()) == 0 {
		t.Fatal("microphone audio never reached the upstream transport")
	}

	sendWS(t, conn, map[string]any{"type": "client_control", "session_id": sess.ID, "action": "stop"})
	readUntil(t, conn, func(env map[string]any) bool {
		return env["type"] == "session_state" && env["connection"] == "idle"
	})
	if !tr.Closed() {
		t.Fatal("upstream transport not closed after stop")
	}
}

func dialWS(t *testing.T, baseURL, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/v1/voice/session/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial error = %v", err)
	}
	return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("ws write error = %v", err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		var env map[string]any
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("ws read error = %v", err)
		}
		if match(env) {
			return env
		}
	}
	t.Fatal("timed out waiting for websocket message")
	return nil
}

func waitForDials(t *testing.T, dialer *live.MockDialer, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if dialer.Dials() >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("dials = %d, want at least %d", dialer.Dials(), want)
}
