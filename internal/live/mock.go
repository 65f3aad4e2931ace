package live

import (
	"context"
	"sync"

	"github.com/keitaro-dev/aibou/internal/audiocodec"
)

// MockTransport is an in-process transport for tests and offline runs.
type MockTransport struct {
	mu          sync.Mutex
	events      chan Event
	closed      bool
	sentFrames  []audiocodec.Frame
	toolResults []MockToolResult
}

// MockToolResult records one SendToolResult call.
type MockToolResult struct {
	CallID string
	Name   string
	Result string
}

func NewMockTransport() *MockTransport {
	return &MockTransport{events: make(chan Event, 256)}
}

func (t *MockTransport) Send(frame audiocodec.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.sentFrames = append(t.sentFrames, frame)
	return nil
}

func (t *MockTransport) SendToolResult(callID, name, result string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.toolResults = append(t.toolResults, MockToolResult{CallID: callID, Name: name, Result: result})
	return nil
}

func (t *MockTransport) Events() <-chan Event { return t.events }

func (t *MockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.events)
	return nil
}

// Emit injects an inbound event as the remote side would.
func (t *MockTransport) Emit(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.events <- ev
}

// SentFrames returns the outbound audio frames observed so far.
func (t *MockTransport) SentFrames() []audiocodec.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]audiocodec.Frame, len(t.sentFrames))
	copy(out, t.sentFrames)
	return out
}

// ToolResults returns the recorded tool acknowledgements.
func (t *MockTransport) ToolResults() []MockToolResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MockToolResult, len(t.toolResults))
	copy(out, t.toolResults)
	return out
}

// Closed reports whether the transport has been closed.
func (t *MockTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// MockDialer hands out scripted transports in order, then repeats the last.
type MockDialer struct {
	mu         sync.Mutex
	transports []*MockTransport
	dialErrs   []error
	dials      int
}

func NewMockDialer(transports ...*MockTransport) *MockDialer {
	return &MockDialer{transports: transports}
}

// FailNext queues a dial error ahead of the scripted transports.
func (d *MockDialer) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErrs = append(d.dialErrs, err)
}

func (d *MockDialer) Dial(_ context.Context, _ Params) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		return nil, err
	}
	if len(d.transports) == 0 {
		t := NewMockTransport()
		d.transports = append(d.transports, t)
		return t, nil
	}
	idx := d.dials - 1
	if idx >= len(d.transports) {
		idx = len(d.transports) - 1
	}
	return d.transports[idx], nil
}

// Dials reports how many times Dial was invoked.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
