package livesession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keitaro-dev/aibou/internal/audiocodec"
	"github.com/keitaro-dev/aibou/internal/audiograph"
	"github.com/keitaro-dev/aibou/internal/live"
	"github.com/keitaro-dev/aibou/internal/persona"
)

type fakeTimer struct {
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return !t.fired
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) audiograph.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	t := &fakeTimer{at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	deadline := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.at.After(deadline) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = deadline
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		fn := next.fn
		c.mu.Unlock()
		fn()
	}
}

// deviceFactory hands a fresh mock device to every connection attempt and
// keeps the handles for assertions.
type deviceFactory struct {
	mu      sync.Mutex
	openErr error
	devices []*audiograph.MockDevice
}

func (f *deviceFactory) next() audiograph.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := audiograph.NewMockDevice()
	d.OpenErr = f.openErr
	f.devices = append(f.devices, d)
	return d
}

func (f *deviceFactory) last() *audiograph.MockDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.devices) == 0 {
		return nil
	}
	return f.devices[len(f.devices)-1]
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func testRequest() ConnectRequest {
	return ConnectRequest{
		Config: persona.SessionConfig{UserName: "Kei", UserGender: "male"},
		Profile: persona.Profile{
			ID:           "hana",
			Name:         "Hana",
			Gender:       "female",
			Personality:  "warm and teasing",
			Voice:        "Aoede",
			Relationship: persona.RelationshipYoungerSister,
		},
	}
}

func newTestClient(t *testing.T, dialer live.Dialer, clk *fakeClock) (*Client, *deviceFactory) {
	t.Helper()
	devs := &deviceFactory{}
	c := New(dialer, devs.next, Options{Model: "test-model", Clock: clk})
	t.Cleanup(func() { c.Close() })
	return c, devs
}

func connectAndOpen(t *testing.T, c *Client, tr *live.MockTransport) {
	t.Helper()
	if err := c.Connect(context.Background(), testRequest()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	tr.Emit(live.Event{Type: live.EventOpen})
	waitFor(t, "connected state", func() bool { return c.Snapshot().IsConnected() })
}

func loudBlock() []float32 {
	block := make([]float32, audiograph.DefaultCaptureBlock)
	for i := range block {
		block[i] = 0.5
	}
	return block
}

func aiAudio(samples int) []byte {
	return audiocodec.Encode(make([]float32, samples)).Data
}

func TestConnectOpensAndCaptures(t *testing.T) {
	clk := newFakeClock()
	tr := live.NewMockTransport()
	dialer := live.NewMockDialer(tr)
	c, devs := newTestClient(t, dialer, clk)

	if err := c.Connect(context.Background(), testRequest()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := c.Snapshot().Connection; got != StateConnecting {
		t.Fatalf("connection = %q, want %q", got, StateConnecting)
	}

	tr.Emit(live.Event{Type: live.EventOpen})
	waitFor(t, "connected state", func() bool {
		s := c.Snapshot()
		return s.IsConnected() && s.Mode == ModeListening
	})

	dev := devs.last()
	dev.FeedCapture(make([]float32, audiograph.DefaultCaptureBlock))
	if got := len(tr.SentFrames()); got != 0 {
		t.Fatalf("frames sent for silent block = %d, want 0", got)
	}

	dev.FeedCapture(loudBlock())
	if got := len(tr.SentFrames()); got != 1 {
		t.Fatalf("frames sent for loud block = %d, want 1", got)
	}
	if got := tr.SentFrames()[0].MIMEType; got != audiocodec.MIMEPCM16k {
		t.Fatalf("frame mime = %q, want %q", got, audiocodec.MIMEPCM16k)
	}
	if got := c.Stats().FramesSent; got != 1 {
		t.Fatalf("Stats().FramesSent = %d, want 1", got)
	}
}

func TestConnectWhileActiveIsNoOp(t *testing.T) {
	clk := newFakeClock()
	tr := live.NewMockTransport()
	dialer := live.NewMockDialer(tr)
	c, _ := newTestClient(t, dialer, clk)
	connectAndOpen(t, c, tr)

	if err := c.Connect(context.Background(), testRequest()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if got := dialer.Dials(); got != 1 {
		t.Fatalf("dials after duplicate connect = %d, want 1", got)
	}
}

func TestAssistantTurnPlaysAndCompletes(t *testing.T) {
	clk := newFakeClock()
	tr := live.NewMockTransport()
	dialer := live.NewMockDialer(tr)
	c, devs := newTestClient(t, dialer, clk)
	connectAndOpen(t, c, tr)

	tr.Emit(live.Event{Type: live.EventUserTranscript, Text: "how was your day"})
	waitFor(t, "user transcript", func() bool {
		return c.Snapshot().UserTranscript == "how was your day"
	})

	tr.Emit(live.Event{Type: live.EventAITranscript, Text: "pretty good, "})
	tr.Emit(live.Event{Type: live.EventAITranscript, Text: "thanks for asking"})
	tr.Emit(live.Event{Type: live.EventAudio, Audio: aiAudio(2400)})
	waitFor(t, "speaking mode", func() bool {
		s := c.Snapshot()
		return s.Mode == ModeSpeaking && s.AITranscript == "pretty good, thanks for asking"
	})
	// New assistant audio consumes the pending user utterance.
	if got := c.Snapshot().UserTranscript; got != "" {
		t.Fatalf("user transcript after assistant audio = %q, want empty", got)
	}

	tr.Emit(live.Event{Type: live.EventTurnComplete})

	// 2400 samples at 24 kHz is 100 ms, scheduled 50 ms out.
	clk.Advance(200 * time.Millisecond)
	waitFor(t, "turn finished", func() bool {
		s := c.Snapshot()
		return s.Mode == ModeListening && s.AITranscript == ""
	})
	if got := len(devs.last().Played()); got != 1 {
		t.Fatalf("played blocks = %d, want 1", got)
	}
}

func TestInterruptionStopsPlaybackAndClearsTranscript(t *testing.T) {
	clk := newFakeClock()
	tr := live.NewMockTransport()
	dialer := live.NewMockDialer(tr)
	c, devs := newTestClient(t, dialer, clk)
	connectAndOpen(t, c, tr)

	tr.Emit(live.Event{Type: live.EventAITranscript, Text: "let me tell you a long story"})
	tr.Emit(live.Event{Type: live.EventAudio, Audio: aiAudio(24000)})
	waitFor(t, "speaking mode", func() bool { return c.Snapshot().Mode == ModeSpeaking })

	tr.Emit(live.Event{Type: live.EventInterrupted})
	waitFor(t, "interruption handled", func() bool {
		s := c.Snapshot()
		return s.Mode == ModeListening && s.AITranscript == ""
	})
	if got := devs.last().StopPlaybackCalls(); got == 0 {
		t.Fatal("playback was not flushed on interruption")
	}
	if got := c.Stats().Interruptions; got != 1 {
		t.Fatalf("Stats().Interruptions = %d, want 1", got)
	}

	// Audio queued before the interruption must not play afterwards.
	clk.Advance(5 * time.Second)
	if got := len(devs.last().Played()); got != 0 {
		t.Fatalf("played blocks after interruption = %d, want 0", got)
	}
}

func TestToolCallsGetExactlyOneAck(t *testing.T) {
	clk := newFakeClock()
	tr := live.NewMockTransport()
	dialer := live.NewMockDialer(tr)

	var (
		mu    sync.Mutex
		saved []string
	)
	devs := &deviceFactory{}
	c := New(dialer, devs.next, Options{Model: "test-model", Clock: clk})
	t.Cleanup(func() { c.Close() })

	req := testRequest()
	req.OnSaveMemory = func(content string) {
		mu.Lock()
		saved = append(saved, content)
		mu.Unlock()
	}
	if err := c.Connect(context.Background(), req); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	tr.Emit(live.Event{Type: live.EventOpen})
	waitFor(t, "connected state", func() bool { return c.Snapshot().IsConnected() })

	tr.Emit(live.Event{Type: live.EventToolCall, Calls: []live.ToolCall{
		{ID: "c1", Name: "saveMemory", Args: map[string]any{"content": "likes green tea"}},
		{ID: "c2", Name: "setReminder", Args: map[string]any{"when": "tomorrow"}},
	}})
	waitFor(t, "tool acks", func() bool { return len(tr.ToolResults()) == 2 })

	results := tr.ToolResults()
	for i, r := range results {
		if r.Result != "ok" {
			t.Fatalf("result[%d] = %q, want %q", i, r.Result, "ok")
		}
	}
	if results[0].CallID != "c1" || results[1].CallID != "c2" {
		t.Fatalf("ack ids = %q,%q, want c1,c2", results[0].CallID, results[1].CallID)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(saved) != 1 || saved[0] != "likes green tea" {
		t.Fatalf("saved memories = %v, want [likes green tea]", saved)
	}
	if got := c.Stats(); got.ToolCalls != 2 || got.MemorySaves != 1 {
		t.Fatalf("stats = %+v, want 2 tool calls and 1 memory save", got)
	}
}

func TestQuotaErrorIsTerminal(t *testing.T) {
	clk := newFakeClock()
	tr := live.NewMockTransport()
	dialer := live.NewMockDialer(tr)
	c, _ := newTestClient(t, dialer, clk)
	connectAndOpen(t, c, tr)

	tr.Emit(live.Event{Type: live.EventError, Err: errors.New("remote error 429: quota exceeded")})
	waitFor(t, "quota shutdown", func() bool {
		s := c.Snapshot()
		return s.Connection == StateIdle && s.Error == ErrQuotaExceeded
	})

	clk.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if got := dialer.Dials(); got != 1 {
		t.Fatalf("dials after quota error = %d, want 1 (no retry)", got)
	}
}

func TestCancellationIsIgnored(t *testing.T) {
	clk := newFakeClock()
	tr := live.NewMockTransport()
	dialer := live.NewMockDialer(tr)
	c, _ := newTestClient(t, dialer, clk)
	connectAndOpen(t, c, tr)

	tr.Emit(live.Event{Type: live.EventError, Err: errors.New("operation was cancelled")})
	time.Sleep(20 * time.Millisecond)
	s := c.Snapshot()
	if !s.IsConnected() || s.Error != ErrNone {
		t.Fatalf("state after cancellation = %+v, want connected with no error", s)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	clk := newFakeClock()
	tr1 := live.NewMockTransport()
	tr2 := live.NewMockTransport()
	dialer := live.NewMockDialer(tr1, tr2)
	c, _ := newTestClient(t, dialer, clk)
	connectAndOpen(t, c, tr1)

	tr1.Emit(live.Event{Type: live.EventClosed, Err: errors.New("connection reset by peer")})
	waitFor(t, "reconnecting state", func() bool {
		s := c.Snapshot()
		return s.IsConnecting() && c.Stats().Reconnects == 1
	})
	if got := c.Snapshot().Error; got != ErrNone {
		t.Fatalf("error while reconnect pending = %q, want none", got)
	}

	clk.Advance(2 * time.Second)
	waitFor(t, "second dial", func() bool { return dialer.Dials() == 2 })

	tr2.Emit(live.Event{Type: live.EventOpen})
	waitFor(t, "reconnected", func() bool {
		s := c.Snapshot()
		return s.IsConnected() && s.Error == ErrNone
	})
	if !tr1.Closed() {
		t.Fatal("first transport was not closed")
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	clk := newFakeClock()
	dialer := live.NewMockDialer()
	for i := 0; i < 6; i++ {
		dialer.FailNext(errors.New("dial tcp: connection refused"))
	}
	c, _ := newTestClient(t, dialer, clk)

	if err := c.Connect(context.Background(), testRequest()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.Snapshot().Error != ErrConnection {
		clk.Advance(5 * time.Second)
		time.Sleep(2 * time.Millisecond)
	}

	s := c.Snapshot()
	if s.Error != ErrConnection || s.Connection != StateIdle {
		t.Fatalf("state after exhausting retries = %+v, want idle with %q", s, ErrConnection)
	}
	if got := dialer.Dials(); got != 6 {
		t.Fatalf("dials = %d, want 6 (initial + 5 retries)", got)
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	clk := newFakeClock()
	tr := live.NewMockTransport()
	dialer := live.NewMockDialer(tr)
	c, devs := newTestClient(t, dialer, clk)
	connectAndOpen(t, c, tr)

	tr.Emit(live.Event{Type: live.EventUserTranscript, Text: "bye"})
	waitFor(t, "transcript", func() bool { return c.Snapshot().UserTranscript == "bye" })

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	s := c.Snapshot()
	if s.Connection != StateIdle || s.Mode != ModeIdle {
		t.Fatalf("state after disconnect = %+v, want idle", s)
	}
	if s.UserTranscript != "" || s.AITranscript != "" {
		t.Fatalf("transcripts after disconnect = %q / %q, want empty", s.UserTranscript, s.AITranscript)
	}
	if !tr.Closed() {
		t.Fatal("transport not closed on disconnect")
	}
	if !devs.last().Closed() {
		t.Fatal("device not closed on disconnect")
	}

	// The server-side close racing in must not trigger a reconnect.
	clk.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if got := dialer.Dials(); got != 1 {
		t.Fatalf("dials after disconnect = %d, want 1", got)
	}

	// Idempotent.
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}
}

func TestDeviceOpenFailure(t *testing.T) {
	clk := newFakeClock()
	dialer := live.NewMockDialer(live.NewMockTransport())
	devs := &deviceFactory{openErr: errors.New("device busy")}
	c := New(dialer, devs.next, Options{Model: "test-model", Clock: clk})
	t.Cleanup(func() { c.Close() })

	if err := c.Connect(context.Background(), testRequest()); err == nil {
		t.Fatal("Connect() succeeded with an unopenable device")
	}
	s := c.Snapshot()
	if s.Connection != StateIdle || s.Error != ErrInitFailed {
		t.Fatalf("state = %+v, want idle with %q", s, ErrInitFailed)
	}
	if got := dialer.Dials(); got != 0 {
		t.Fatalf("dials = %d, want 0 (no dial without an audio graph)", got)
	}
	if !devs.last().Closed() {
		t.Fatal("failed device was not closed")
	}
}

func TestLoudInputDuringPlaybackKeepsSpeaking(t *testing.T) {
	clk := newFakeClock()
	tr := live.NewMockTransport()
	dialer := live.NewMockDialer(tr)
	c, devs := newTestClient(t, dialer, clk)
	connectAndOpen(t, c, tr)

	tr.Emit(live.Event{Type: live.EventAudio, Audio: aiAudio(24000)})
	waitFor(t, "speaking mode", func() bool { return c.Snapshot().Mode == ModeSpeaking })

	// Loud input while assistant audio is queued does not flip the mode;
	// only the interruption event from the server does.
	devs.last().FeedCapture(loudBlock())
	time.Sleep(10 * time.Millisecond)
	if got := c.Snapshot().Mode; got != ModeSpeaking {
		t.Fatalf("mode = %q, want %q", got, ModeSpeaking)
	}
}
