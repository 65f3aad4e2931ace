// Package livesession drives a realtime voice conversation: it owns the
// connection lifecycle, the audio pipeline wiring, transcript accumulation,
// interruption handling, and automatic reconnection. All mutable session
// state is owned by a single dispatcher goroutine; external callers interact
// through Connect, Disconnect, Snapshot and Stats.
package livesession

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keitaro-dev/aibou/internal/audiocodec"
	"github.com/keitaro-dev/aibou/internal/audiograph"
	"github.com/keitaro-dev/aibou/internal/live"
	"github.com/keitaro-dev/aibou/internal/persona"
	"github.com/keitaro-dev/aibou/internal/reliability"
)

const (
	// DefaultBackoffBase is the first-retry unit for reconnect backoff.
	DefaultBackoffBase = time.Second
	// DefaultBackoffCap bounds a single reconnect delay.
	DefaultBackoffCap = 5 * time.Second
	// DefaultMaxReconnects is how many consecutive reconnect attempts are
	// made before giving up with ErrConnection.
	DefaultMaxReconnects = 5

	msgQueueSize = 1024
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("livesession: client closed")

// memoryTool is the single tool exposed to the model. Unrecognized tool
// calls are still acknowledged so the model never stalls waiting.
var memoryTool = live.ToolDecl{
	Name:        "saveMemory",
	Description: "Save an important fact about the user to long-term memory.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "The fact to remember, phrased as a standalone sentence.",
			},
		},
		"required": []string{"content"},
	},
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	Model         string
	Graph         audiograph.Config
	GateThreshold float64
	GateHold      int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxReconnects int
	Clock         audiograph.Clock
}

func (o *Options) withDefaults() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = DefaultMaxReconnects
	}
	if o.GateThreshold <= 0 {
		o.GateThreshold = audiograph.DefaultGateThreshold
	}
	if o.GateHold <= 0 {
		o.GateHold = audiograph.DefaultGateHold
	}
	if o.Clock == nil {
		o.Clock = audiograph.RealClock()
	}
}

// ConnectRequest carries everything a session needs at dial time.
type ConnectRequest struct {
	Config        persona.SessionConfig
	Profile       persona.Profile
	MemoryContext string
	// OnSaveMemory receives the content of every saveMemory tool call.
	// May be nil; the call is acknowledged either way.
	OnSaveMemory func(content string)
}

// Client is the session state machine. Safe for concurrent use.
type Client struct {
	dialer    live.Dialer
	newDevice func() audiograph.Device
	opts      Options

	msgs chan any
	quit chan struct{}

	closed          atomic.Bool
	shouldReconnect atomic.Bool

	framesSent    atomic.Int64
	droppedFrames atomic.Int64
	interruptions atomic.Int64
	reconnects    atomic.Int64
	toolCalls     atomic.Int64
	memorySaves   atomic.Int64

	stateMu  sync.RWMutex
	st       State
	analyser *audiograph.Analyser

	// Dispatcher-owned, never touched off the run goroutine.
	gen      int
	sess     *activeSession
	pending  *ConnectRequest
	attempts int
}

// activeSession is the per-attempt runtime state. A new one is built for
// every dial, including reconnects.
type activeSession struct {
	gen          int
	graph        *audiograph.Graph
	gate         *audiograph.NoiseGate
	transport    live.Transport
	onSaveMemory func(string)
	aiTurnOpen   bool
	turnComplete bool
}

type msgConnect struct {
	req  *ConnectRequest
	done chan error
}

type msgDialDone struct {
	gen int
	tr  live.Transport
	err error
}

type msgEvent struct {
	gen int
	ev  live.Event
}

type msgDrained struct{ gen int }

type msgCaptureLoud struct{ gen int }

type msgRetry struct{}

type msgDisconnect struct{ done chan struct{} }

// New builds a Client. newDevice is invoked once per connection attempt so
// a failed attempt never reuses a half-open device.
func New(dialer live.Dialer, newDevice func() audiograph.Device, opts Options) *Client {
	opts.withDefaults()
	c := &Client{
		dialer:    dialer,
		newDevice: newDevice,
		opts:      opts,
		msgs:      make(chan any, msgQueueSize),
		quit:      make(chan struct{}),
		st:        State{Connection: StateIdle, Mode: ModeIdle},
	}
	go c.run()
	return c
}

// Snapshot returns the current observable state.
func (c *Client) Snapshot() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.st
}

// Analyser exposes the output-path analyser of the active audio graph, or
// nil when no graph is live.
func (c *Client) Analyser() *audiograph.Analyser {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.analyser
}

// Stats returns cumulative session counters.
func (c *Client) Stats() Stats {
	return Stats{
		FramesSent:    c.framesSent.Load(),
		DroppedFrames: c.droppedFrames.Load(),
		Interruptions: c.interruptions.Load(),
		Reconnects:    c.reconnects.Load(),
		ToolCalls:     c.toolCalls.Load(),
		MemorySaves:   c.memorySaves.Load(),
	}
}

// Connect starts a session. It is a no-op when a session is already
// connecting or connected. The returned error covers only synchronous setup
// (audio graph acquisition); dial failures surface through Snapshot.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if s := c.Snapshot(); s.IsConnected() || s.IsConnecting() {
		return nil
	}
	c.shouldReconnect.Store(true)
	m := msgConnect{req: &req, done: make(chan error, 1)}
	select {
	case c.msgs <- m:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrClosed
	}
	select {
	case err := <-m.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect tears the session down and suppresses any reconnect attempt
// already in flight. Idempotent.
func (c *Client) Disconnect(ctx context.Context) error {
	// Flipped before teardown so a close event racing in from the transport
	// is read as intentional, not as a network failure.
	c.shouldReconnect.Store(false)
	if c.closed.Load() {
		return nil
	}
	m := msgDisconnect{done: make(chan struct{})}
	select {
	case c.msgs <- m:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return nil
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects and stops the dispatcher. The client is unusable after.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.shouldReconnect.Store(false)
	m := msgDisconnect{done: make(chan struct{})}
	select {
	case c.msgs <- m:
		<-m.done
	case <-c.quit:
	}
	close(c.quit)
	return nil
}

func (c *Client) post(m any) {
	select {
	case c.msgs <- m:
	case <-c.quit:
	}
}

func (c *Client) run() {
	for {
		select {
		case <-c.quit:
			return
		case m := <-c.msgs:
			switch m := m.(type) {
			case msgConnect:
				c.handleConnect(m)
			case msgDialDone:
				c.handleDialDone(m)
			case msgEvent:
				c.handleEvent(m)
			case msgDrained:
				c.handleDrained(m.gen)
			case msgCaptureLoud:
				c.handleCaptureLoud(m.gen)
			case msgRetry:
				c.handleRetry()
			case msgDisconnect:
				c.handleDisconnect(m.done)
			}
		}
	}
}

func (c *Client) setState(mutate func(*State)) {
	c.stateMu.Lock()
	mutate(&c.st)
	c.stateMu.Unlock()
}

func (c *Client) setAnalyser(a *audiograph.Analyser) {
	c.stateMu.Lock()
	c.analyser = a
	c.stateMu.Unlock()
}

func (c *Client) handleConnect(m msgConnect) {
	if c.sess != nil || c.Snapshot().IsConnecting() {
		m.done <- nil
		return
	}
	c.pending = m.req
	c.attempts = 0
	m.done <- c.startAttempt()
}

// startAttempt acquires a fresh audio graph and dials in the background.
// The synchronous part fails only on graph acquisition; everything after
// flows back through the dispatcher as messages tagged with this
// attempt's generation.
func (c *Client) startAttempt() error {
	c.gen++
	gen := c.gen
	req := c.pending

	c.setState(func(s *State) {
		s.Connection = StateConnecting
		s.Error = ErrNone
	})

	graph, err := audiograph.Acquire(c.opts.Graph, c.newDevice(), c.opts.Clock)
	if err != nil {
		c.pending = nil
		c.failTerminal(ErrInitFailed)
		return fmt.Errorf("acquire audio graph: %w", err)
	}
	graph.SetDrainHook(func() { c.post(msgDrained{gen: gen}) })

	c.sess = &activeSession{
		gen:          gen,
		graph:        graph,
		gate:         audiograph.NewNoiseGate(c.opts.GateThreshold, c.opts.GateHold),
		onSaveMemory: req.OnSaveMemory,
	}
	c.setAnalyser(graph.Analyser())

	params := live.Params{
		Model:               c.opts.Model,
		Voice:               req.Profile.Voice,
		SystemInstruction:   persona.SystemInstruction(req.Config, req.Profile, req.MemoryContext),
		Tools:               []live.ToolDecl{memoryTool},
		InputTranscription:  true,
		OutputTranscription: true,
	}
	go func() {
		tr, err := c.dialer.Dial(context.Background(), params)
		c.post(msgDialDone{gen: gen, tr: tr, err: err})
	}()
	return nil
}

func (c *Client) handleDialDone(m msgDialDone) {
	if c.sess == nil || c.sess.gen != m.gen {
		if m.tr != nil {
			m.tr.Close()
		}
		return
	}
	if m.err != nil {
		c.handleFailure(m.err)
		return
	}
	c.sess.transport = m.tr
	gen := m.gen
	go func() {
		for ev := range m.tr.Events() {
			c.post(msgEvent{gen: gen, ev: ev})
		}
	}()
}

func (c *Client) handleEvent(m msgEvent) {
	sess := c.sess
	if sess == nil || sess.gen != m.gen {
		return
	}
	switch m.ev.Type {
	case live.EventOpen:
		c.handleOpen(sess)
	case live.EventAudio:
		c.handleAudio(sess, m.ev.Audio)
	case live.EventUserTranscript:
		text := m.ev.Text
		c.setState(func(s *State) { s.UserTranscript += text })
	case live.EventAITranscript:
		text := m.ev.Text
		c.setState(func(s *State) { s.AITranscript += text })
	case live.EventInterrupted:
		c.handleInterrupted(sess)
	case live.EventTurnComplete:
		sess.turnComplete = true
		if sess.graph.ActiveSources() == 0 {
			c.finishTurn(sess)
		}
	case live.EventToolCall:
		c.handleToolCall(sess, m.ev.Calls)
	case live.EventClosed:
		c.handleFailure(m.ev.Err)
	case live.EventError:
		c.handleFailure(m.ev.Err)
	}
}

func (c *Client) handleOpen(sess *activeSession) {
	gen := sess.gen
	gate := sess.gate
	graph := sess.graph
	tr := sess.transport
	err := graph.StartCapture(func(block []float32) {
		rms, open := gate.Observe(block)
		if open {
			if err := tr.Send(audiocodec.Encode(block)); err == nil {
				c.framesSent.Add(1)
			}
		}
		if gate.Loud(rms) && graph.ActiveSources() == 0 {
			c.post(msgCaptureLoud{gen: gen})
		}
	})
	if err != nil {
		c.handleFailure(fmt.Errorf("start capture: %w", err))
		return
	}
	c.attempts = 0
	c.setState(func(s *State) {
		s.Connection = StateConnected
		s.Mode = ModeListening
	})
}

func (c *Client) handleAudio(sess *activeSession, data []byte) {
	buf, err := audiocodec.Decode(data, audiocodec.OutputSampleRate)
	if err != nil {
		c.droppedFrames.Add(1)
		return
	}
	if !sess.aiTurnOpen {
		// A new assistant turn begins: the previous user utterance has been
		// consumed, so its transcript resets.
		sess.aiTurnOpen = true
		c.setState(func(s *State) { s.UserTranscript = "" })
	}
	sess.turnComplete = false
	sess.graph.SchedulePlayback(buf)
	c.setState(func(s *State) { s.Mode = ModeSpeaking })
}

func (c *Client) handleInterrupted(sess *activeSession) {
	sess.graph.StopAllPlayback()
	sess.aiTurnOpen = false
	sess.turnComplete = false
	c.interruptions.Add(1)
	c.setState(func(s *State) {
		s.AITranscript = ""
		s.Mode = ModeListening
	})
}

func (c *Client) handleToolCall(sess *activeSession, calls []live.ToolCall) {
	for _, call := range calls {
		c.toolCalls.Add(1)
		if call.Name == "saveMemory" {
			if content, _ := call.Args["content"].(string); content != "" {
				if sess.onSaveMemory != nil {
					sess.onSaveMemory(content)
				}
				c.memorySaves.Add(1)
			}
		}
		// Every call gets exactly one ack, recognized or not, so the model
		// never waits on a missing response.
		if sess.transport != nil {
			_ = sess.transport.SendToolResult(call.ID, call.Name, "ok")
		}
	}
}

func (c *Client) handleDrained(gen int) {
	sess := c.sess
	if sess == nil || sess.gen != gen {
		return
	}
	c.setState(func(s *State) { s.Mode = ModeListening })
	if sess.turnComplete {
		c.finishTurn(sess)
	}
}

// finishTurn closes out a completed assistant turn once its audio has
// fully played.
func (c *Client) finishTurn(sess *activeSession) {
	sess.aiTurnOpen = false
	sess.turnComplete = false
	c.setState(func(s *State) {
		s.AITranscript = ""
		s.Mode = ModeListening
	})
}

func (c *Client) handleCaptureLoud(gen int) {
	sess := c.sess
	if sess == nil || sess.gen != gen {
		return
	}
	if c.Snapshot().IsConnected() {
		c.setState(func(s *State) { s.Mode = ModeListening })
	}
}

// handleFailure classifies a transport error or close and decides between
// ignoring it, giving up, and reconnecting.
func (c *Client) handleFailure(err error) {
	if reliability.IsCancellation(err) {
		return
	}
	if !c.shouldReconnect.Load() {
		// Teardown is already owned by the disconnect in flight.
		return
	}
	c.teardownSession()
	if reliability.IsQuotaError(err) {
		c.pending = nil
		c.failTerminal(ErrQuotaExceeded)
		return
	}
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.attempts++
	if c.attempts > c.opts.MaxReconnects {
		c.pending = nil
		c.failTerminal(ErrConnection)
		return
	}
	c.reconnects.Add(1)
	delay := reliability.ExponentialBackoff(c.attempts, c.opts.BackoffBase, c.opts.BackoffCap)
	c.opts.Clock.AfterFunc(delay, func() { c.post(msgRetry{}) })
	// A pending retry is not an error the user should see; only giving up
	// (or a quota rejection) surfaces through the error field.
	c.setState(func(s *State) {
		s.Connection = StateConnecting
		s.Mode = ModeIdle
	})
}

func (c *Client) handleRetry() {
	if !c.shouldReconnect.Load() || c.sess != nil || c.pending == nil {
		return
	}
	// Dial failures on a retry come back through handleDialDone and feed the
	// same backoff; only graph acquisition fails synchronously here.
	_ = c.startAttempt()
}

func (c *Client) handleDisconnect(done chan struct{}) {
	c.teardownSession()
	c.pending = nil
	c.attempts = 0
	c.setState(func(s *State) {
		s.Connection = StateIdle
		s.Mode = ModeIdle
		s.UserTranscript = ""
		s.AITranscript = ""
	})
	close(done)
}

func (c *Client) teardownSession() {
	if c.sess == nil {
		return
	}
	if tr := c.sess.transport; tr != nil {
		tr.Close()
	}
	c.sess.graph.StopAllPlayback()
	if err := c.sess.graph.Release(); err != nil {
		log.Printf("livesession: release audio graph: %v", err)
	}
	c.sess = nil
	c.setAnalyser(nil)
}

func (c *Client) failTerminal(kind ErrorKind) {
	c.setState(func(s *State) {
		s.Connection = StateIdle
		s.Mode = ModeIdle
		s.Error = kind
	})
}
