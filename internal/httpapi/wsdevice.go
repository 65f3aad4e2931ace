package httpapi

import (
	"encoding/base64"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/keitaro-dev/aibou/internal/audiocodec"
	"github.com/keitaro-dev/aibou/internal/protocol"
)

// wsDevice implements audiograph.Device over a browser websocket: capture
// blocks come in as client_audio_chunk messages, playback goes out as
// assistant_audio_chunk messages, and StopPlayback becomes a flush command
// the browser applies to its local output queue.
type wsDevice struct {
	sessionID string
	outbound  chan<- any

	mu        sync.Mutex
	opened    bool
	capturing bool
	captureFn func([]float32)
	blockSize int
	pending   []float32
	turnID    string
	inTurn    bool
	seq       int
	sendErrs  int
}

func newWSDevice(sessionID string, outbound chan<- any) *wsDevice {
	return &wsDevice{sessionID: sessionID, outbound: outbound}
}

func (d *wsDevice) Open(_, _ int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	return nil
}

func (d *wsDevice) StartCapture(blockSize int, fn func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capturing = true
	d.blockSize = blockSize
	d.captureFn = fn
	d.pending = d.pending[:0]
	return nil
}

func (d *wsDevice) StopCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capturing = false
	d.captureFn = nil
	d.pending = nil
	return nil
}

// PushSamples feeds decoded microphone samples in. Called serially from the
// websocket read loop; whole blocks are delivered to the capture callback in
// arrival order.
func (d *wsDevice) PushSamples(samples []float32) {
	d.mu.Lock()
	if !d.capturing || d.captureFn == nil {
		d.mu.Unlock()
		return
	}
	fn := d.captureFn
	size := d.blockSize
	d.pending = append(d.pending, samples...)
	var blocks [][]float32
	for len(d.pending) >= size {
		block := make([]float32, size)
		copy(block, d.pending[:size])
		d.pending = d.pending[size:]
		blocks = append(blocks, block)
	}
	d.mu.Unlock()

	for _, block := range blocks {
		fn(block)
	}
}

func (d *wsDevice) Play(samples []float32, sampleRate int) error {
	d.mu.Lock()
	if !d.inTurn {
		d.inTurn = true
		d.turnID = ulid.Make().String()
		d.seq = 0
	}
	d.seq++
	msg := protocol.AssistantAudioChunk{
		Type:        protocol.TypeAssistantAudio,
		SessionID:   d.sessionID,
		TurnID:      d.turnID,
		Seq:         d.seq,
		SampleRate:  sampleRate,
		AudioBase64: base64.StdEncoding.EncodeToString(audiocodec.Encode(samples).Data),
	}
	d.mu.Unlock()

	d.send(msg)
	return nil
}

func (d *wsDevice) StopPlayback() error {
	d.mu.Lock()
	hadTurn := d.inTurn
	d.inTurn = false
	d.mu.Unlock()

	if hadTurn {
		d.send(protocol.PlaybackControl{
			Type:      protocol.TypePlaybackControl,
			SessionID: d.sessionID,
			Action:    protocol.PlaybackFlush,
		})
	}
	return nil
}

// EndTurn closes the current assistant turn without flushing, so the next
// Play starts a fresh turn ID.
func (d *wsDevice) EndTurn() {
	d.mu.Lock()
	d.inTurn = false
	d.mu.Unlock()
}

// TurnID returns the id of the assistant turn currently streaming, if any.
func (d *wsDevice) TurnID() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.turnID, d.inTurn
}

func (d *wsDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	d.capturing = false
	d.captureFn = nil
	d.pending = nil
	d.inTurn = false
	return nil
}

// send never blocks; the writer owns pacing and a saturated queue drops the
// frame rather than stalling the playback scheduler.
func (d *wsDevice) send(msg any) {
	select {
	case d.outbound <- msg:
	default:
		d.mu.Lock()
		d.sendErrs++
		d.mu.Unlock()
	}
}
