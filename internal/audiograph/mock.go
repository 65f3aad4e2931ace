package audiograph

import (
	"errors"
	"sync"
)

// MockDevice is an in-process device for tests and for running the service
// without local audio hardware (the gateway path feeds it from a websocket).
type MockDevice struct {
	mu         sync.Mutex
	opened     bool
	closed     bool
	capturing  bool
	captureFn  func([]float32)
	played     [][]float32
	playSink   func(samples []float32, sampleRate int)
	stopCalls  int
	OpenErr    error
	CaptureErr error
}

func NewMockDevice() *MockDevice { return &MockDevice{} }

// SetPlaySink routes played samples to fn instead of accumulating them.
func (d *MockDevice) SetPlaySink(fn func(samples []float32, sampleRate int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playSink = fn
}

func (d *MockDevice) Open(_, _ int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.opened = true
	return nil
}

func (d *MockDevice) StartCapture(_ int, fn func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CaptureErr != nil {
		return d.CaptureErr
	}
	if !d.opened {
		return errors.New("mock device not opened")
	}
	d.capturing = true
	d.captureFn = fn
	return nil
}

func (d *MockDevice) StopCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capturing = false
	d.captureFn = nil
	return nil
}

// FeedCapture pushes one block through the registered capture callback, as
// the platform would.
func (d *MockDevice) FeedCapture(block []float32) {
	d.mu.Lock()
	fn := d.captureFn
	d.mu.Unlock()
	if fn != nil {
		fn(block)
	}
}

func (d *MockDevice) Play(samples []float32, sampleRate int) error {
	d.mu.Lock()
	sink := d.playSink
	if sink == nil {
		cp := make([]float32, len(samples))
		copy(cp, samples)
		d.played = append(d.played, cp)
	}
	d.mu.Unlock()
	if sink != nil {
		sink(samples, sampleRate)
	}
	return nil
}

func (d *MockDevice) StopPlayback() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopCalls++
	return nil
}

func (d *MockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.capturing = false
	d.captureFn = nil
	return nil
}

// Played returns the blocks written to the output endpoint so far.
func (d *MockDevice) Played() [][]float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]float32, len(d.played))
	copy(out, d.played)
	return out
}

// StopPlaybackCalls reports how many times playback was flushed.
func (d *MockDevice) StopPlaybackCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopCalls
}

// Closed reports whether Close has been called.
func (d *MockDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
