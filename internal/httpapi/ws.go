package httpapi

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keitaro-dev/aibou/internal/audiocodec"
	"github.com/keitaro-dev/aibou/internal/audiograph"
	"github.com/keitaro-dev/aibou/internal/livesession"
	"github.com/keitaro-dev/aibou/internal/memory"
	"github.com/keitaro-dev/aibou/internal/observability"
	"github.com/keitaro-dev/aibou/internal/persona"
	"github.com/keitaro-dev/aibou/internal/protocol"
	"github.com/keitaro-dev/aibou/internal/session"
)

// statePollInterval paces session-state and spectrum pushes to the browser.
// 50ms keeps the visualizer near the analyser's natural frame rate.
const statePollInterval = 50 * time.Millisecond

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	dev := newWSDevice(sess.ID, outbound)
	client := livesession.New(s.dialer, func() audiograph.Device { return dev }, livesession.Options{
		Model: s.cfg.Model,
		Graph: audiograph.Config{
			InputRate:    s.cfg.InputSampleRate,
			OutputRate:   s.cfg.OutputSampleRate,
			CaptureBlock: s.cfg.CaptureBlock,
			FFTSize:      s.cfg.FFTSize,
		},
		GateThreshold: s.cfg.GateThreshold,
		GateHold:      s.cfg.GateHold,
		BackoffBase:   s.cfg.ReconnectBase,
		BackoffCap:    s.cfg.ReconnectCap,
		MaxReconnects: s.cfg.ReconnectRetries,
	})
	defer client.Close()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		s.pollSession(ctx, client, dev, sess, outbound)
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			sendOutbound(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sess.ID,
				Code:      "invalid_client_message",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch msg := parsed.(type) {
		case protocol.ClientAudioChunk:
			_ = s.sessions.Touch(sess.ID)
			s.handleClientAudio(dev, outbound, sess.ID, msg)
		case protocol.ClientControl:
			_ = s.sessions.Touch(sess.ID)
			switch msg.Action {
			case protocol.ActionStart:
				s.startVoiceSession(ctx, client, sess, outbound)
			case protocol.ActionStop:
				if err := client.Disconnect(ctx); err != nil {
					log.Printf("httpapi: disconnect session %s: %v", sess.ID, err)
				}
			}
		}
	}

	cancel()
	<-pollerDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) handleClientAudio(dev *wsDevice, outbound chan<- any, sessionID string, msg protocol.ClientAudioChunk) {
	raw, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
	if err != nil {
		s.metrics.DroppedFrames.Inc()
		return
	}
	buf, err := audiocodec.Decode(raw, msg.SampleRate)
	if err != nil {
		s.metrics.DroppedFrames.Inc()
		sendOutbound(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "invalid_audio_chunk",
			Retryable: true,
			Detail:    err.Error(),
		})
		return
	}
	dev.PushSamples(buf.Samples)
}

func (s *Server) startVoiceSession(ctx context.Context, client *livesession.Client, sess *session.Session, outbound chan<- any) {
	if !s.upstreamEnabled() {
		sendOutbound(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      string(livesession.ErrDisabled),
			Retryable: false,
			Detail:    "voice upstream is not configured",
		})
		return
	}

	profile, ok := persona.Lookup(sess.PersonaID)
	if !ok {
		profile, _ = persona.Lookup(s.cfg.DefaultPersonaID)
	}
	if strings.TrimSpace(sess.VoiceID) != "" {
		profile.Voice = sess.VoiceID
	}

	memoryContext := ""
	facts, err := s.store.RecentFacts(ctx, sess.UserID, s.cfg.MemoryFactLimit)
	if err != nil {
		// A session without recall is better than no session.
		log.Printf("httpapi: load facts for user %s: %v", sess.UserID, err)
	} else {
		memoryContext = memory.RenderContext(facts)
	}

	userID := sess.UserID
	personaID := profile.ID
	req := livesession.ConnectRequest{
		Config: persona.SessionConfig{
			UserName:   sess.UserName,
			UserGender: sess.UserGender,
		},
		Profile:       profile,
		MemoryContext: memoryContext,
		OnSaveMemory: func(content string) {
			go func() {
				err := s.store.SaveFact(context.Background(), memory.FactRecord{
					UserID:    userID,
					PersonaID: personaID,
					Content:   content,
				})
				if err != nil {
					log.Printf("httpapi: save fact for user %s: %v", userID, err)
				}
			}()
		},
	}

	if err := client.Connect(ctx, req); err != nil {
		log.Printf("httpapi: connect session %s: %v", sess.ID, err)
		sendOutbound(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      string(livesession.ErrInitFailed),
			Retryable: true,
			Detail:    err.Error(),
		})
	}
}

// pollSession pushes state snapshots and spectrum frames to the browser and
// folds per-session counters into the service metrics.
func (s *Server) pollSession(ctx context.Context, client *livesession.Client, dev *wsDevice, sess *session.Session, outbound chan<- any) {
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()

	var (
		last         protocol.SessionState
		lastStats    livesession.Stats
		connectStart time.Time
		openAt       time.Time
		turnStart    time.Time
		sawAudio     bool
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st := client.Snapshot()
		now := time.Now()
		msg := protocol.SessionState{
			Type:                protocol.TypeSessionState,
			SessionID:           sess.ID,
			Connection:          string(st.Connection),
			Mode:                string(st.Mode),
			Error:               string(st.Error),
			UserTranscript:      st.UserTranscript,
			AssistantTranscript: st.AITranscript,
		}
		if msg != last {
			if msg.Connection == string(livesession.StateConnecting) && last.Connection != msg.Connection {
				connectStart = now
			}
			if msg.Connection == string(livesession.StateConnected) && last.Connection == string(livesession.StateConnecting) {
				if !connectStart.IsZero() {
					s.latency.Observe(observability.StageConnectToOpen, now.Sub(connectStart))
				}
				openAt = now
				sawAudio = false
			}
			if msg.Mode == string(livesession.ModeSpeaking) && last.Mode != msg.Mode {
				turnStart = now
				if !sawAudio && !openAt.IsZero() {
					sawAudio = true
					d := now.Sub(openAt)
					s.metrics.ObserveFirstAudioLatency(d)
					s.latency.Observe(observability.StageOpenToFirstAudio, d)
				}
				if turnID, active := dev.TurnID(); active {
					_ = s.sessions.StartTurn(sess.ID, turnID)
				}
			}
			if last.Mode == string(livesession.ModeSpeaking) && msg.Mode != last.Mode {
				dev.EndTurn()
				if !turnStart.IsZero() {
					s.latency.Observe(observability.StageTurnTotal, now.Sub(turnStart))
				}
			}
			sendOutbound(outbound, msg)
			last = msg
		}

		stats := client.Stats()
		if n := stats.Interruptions - lastStats.Interruptions; n > 0 {
			s.metrics.Interruptions.Add(float64(n))
			s.metrics.SessionEvents.WithLabelValues("interrupted").Inc()
			_ = s.sessions.Interrupt(sess.ID)
		}
		if n := stats.Reconnects - lastStats.Reconnects; n > 0 {
			s.metrics.Reconnects.Add(float64(n))
		}
		if n := stats.DroppedFrames - lastStats.DroppedFrames; n > 0 {
			s.metrics.DroppedFrames.Add(float64(n))
		}
		lastStats = stats

		if st.Mode == livesession.ModeSpeaking {
			if a := client.Analyser(); a != nil {
				sendOutbound(outbound, protocol.SpectrumFrame{
					Type:      protocol.TypeSpectrumFrame,
					SessionID: sess.ID,
					Bins:      a.FrequencyData(),
					TSMs:      now.UnixMilli(),
				})
			}
		}
	}
}

// sendOutbound keeps websocket writes single-threaded; drops if the outbound
// queue is saturated.
func sendOutbound(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
	}
}
