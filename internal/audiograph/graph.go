package audiograph

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/keitaro-dev/aibou/internal/audiocodec"
)

// DefaultCaptureBlock balances latency against per-block overhead; smaller
// blocks underrun on typical hardware.
const DefaultCaptureBlock = 4096

// startNudge is applied when the playback timeline has fallen behind the
// clock: the next buffer starts slightly in the future instead of "now" so
// the device has time to accept it.
const startNudge = 50 * time.Millisecond

// Config sizes the audio graph.
type Config struct {
	InputRate    int
	OutputRate   int
	CaptureBlock int
	FFTSize      int
}

func (c *Config) applyDefaults() {
	if c.InputRate <= 0 {
		c.InputRate = audiocodec.InputSampleRate
	}
	if c.OutputRate <= 0 {
		c.OutputRate = audiocodec.OutputSampleRate
	}
	if c.CaptureBlock <= 0 {
		c.CaptureBlock = DefaultCaptureBlock
	}
	if c.FFTSize <= 0 {
		c.FFTSize = DefaultFFTSize
	}
}

type playbackSource struct {
	buf        audiocodec.Buffer
	startTimer Timer
	endTimer   Timer
	stopped    bool
}

// Graph owns the platform audio resources for one session: the capture path,
// the playback timeline, and the analyser attached to the output side.
type Graph struct {
	cfg Config
	dev Device
	clk Clock

	analyser *Analyser

	mu        sync.Mutex
	released  bool
	capturing bool
	nextFree  time.Time
	sources   map[*playbackSource]struct{}
	drainHook func()
}

// Acquire opens both device paths. Any failure here is terminal for the
// connection attempt; a half-opened device is closed before returning.
func Acquire(cfg Config, dev Device, clk Clock) (*Graph, error) {
	cfg.applyDefaults()
	if clk == nil {
		clk = RealClock()
	}
	if err := dev.Open(cfg.InputRate, cfg.OutputRate); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("open audio device: %w", err)
	}
	return &Graph{
		cfg:      cfg,
		dev:      dev,
		clk:      clk,
		analyser: newAnalyser(cfg.FFTSize),
		sources:  make(map[*playbackSource]struct{}),
	}, nil
}

// Analyser returns the shared output-path analyser. Read-only for consumers.
func (g *Graph) Analyser() *Analyser { return g.analyser }

// Config returns the effective graph configuration.
func (g *Graph) Config() Config { return g.cfg }

// SetDrainHook registers fn to run each time the set of scheduled playback
// sources empties, i.e. playback has caught up with arrival.
func (g *Graph) SetDrainHook(fn func()) {
	g.mu.Lock()
	g.drainHook = fn
	g.mu.Unlock()
}

// StartCapture begins push delivery of capture blocks at the configured
// block size. Blocks arrive serially, in capture order.
func (g *Graph) StartCapture(fn func(block []float32)) error {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return fmt.Errorf("audiograph: graph released")
	}
	if g.capturing {
		g.mu.Unlock()
		return nil
	}
	g.capturing = true
	g.mu.Unlock()
	return g.dev.StartCapture(g.cfg.CaptureBlock, fn)
}

// SchedulePlayback appends buf to the playback timeline at
// max(now, nextFree). Buffers scheduled in arrival order therefore play
// back-to-back without gaps or overlap, and a late buffer can never start
// before an earlier one.
func (g *Graph) SchedulePlayback(buf audiocodec.Buffer) {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	now := g.clk.Now()
	start := g.nextFree
	if start.Before(now) {
		start = now.Add(startNudge)
	}
	g.nextFree = start.Add(buf.Duration())

	src := &playbackSource{buf: buf}
	g.sources[src] = struct{}{}
	src.startTimer = g.clk.AfterFunc(start.Sub(now), func() { g.playSource(src) })
	g.mu.Unlock()
}

func (g *Graph) playSource(src *playbackSource) {
	g.mu.Lock()
	if src.stopped || g.released {
		g.mu.Unlock()
		return
	}
	src.endTimer = g.clk.AfterFunc(src.buf.Duration(), func() { g.finishSource(src) })
	g.mu.Unlock()

	// A corrupt write must not abort the session; the frame is just lost.
	_ = g.dev.Play(src.buf.Samples, src.buf.SampleRate)
	g.analyser.push(src.buf.Samples)
}

func (g *Graph) finishSource(src *playbackSource) {
	g.mu.Lock()
	if src.stopped {
		g.mu.Unlock()
		return
	}
	delete(g.sources, src)
	drained := len(g.sources) == 0
	hook := g.drainHook
	g.mu.Unlock()

	if drained && hook != nil {
		hook()
	}
}

// ActiveSources reports how many scheduled or playing buffers remain.
func (g *Graph) ActiveSources() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sources)
}

// StopAllPlayback halts and discards every scheduled and playing buffer and
// resets the timeline to "now". Used on interruption and on teardown; it
// does not fire the drain hook.
func (g *Graph) StopAllPlayback() {
	g.mu.Lock()
	g.stopAllLocked()
	g.mu.Unlock()
	_ = g.dev.StopPlayback()
}

func (g *Graph) stopAllLocked() {
	for src := range g.sources {
		src.stopped = true
		if src.startTimer != nil {
			src.startTimer.Stop()
		}
		if src.endTimer != nil {
			src.endTimer.Stop()
		}
		delete(g.sources, src)
	}
	g.nextFree = time.Time{}
}

// Release tears the whole graph down: capture stopped, playback discarded,
// device closed. Idempotent and safe on a partially-initialized graph.
func (g *Graph) Release() error {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return nil
	}
	g.released = true
	wasCapturing := g.capturing
	g.capturing = false
	g.stopAllLocked()
	g.mu.Unlock()

	var errs []string
	if wasCapturing {
		if err := g.dev.StopCapture(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := g.dev.StopPlayback(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := g.dev.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("audiograph: release: %s", strings.Join(errs, "; "))
	}
	return nil
}
