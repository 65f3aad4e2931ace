package audiograph

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
)

// ExecDevice drives local audio hardware through ffmpeg (capture) and ffplay
// (playback). It exists for the probe CLI; the service normally runs with a
// websocket-fed device instead.
type ExecDevice struct {
	FFmpegPath string
	FFplayPath string
	// CaptureInput overrides the platform default input spec, e.g. "default"
	// for alsa or ":0" for avfoundation.
	CaptureInput string

	mu         sync.Mutex
	inputRate  int
	outputRate int
	capture    *exec.Cmd
	captureOut io.ReadCloser
	player     *exec.Cmd
	playerIn   io.WriteCloser
	closed     bool
}

func NewExecDevice() *ExecDevice {
	return &ExecDevice{FFmpegPath: "ffmpeg", FFplayPath: "ffplay"}
}

func (d *ExecDevice) Open(inputRate, outputRate int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := exec.LookPath(d.FFmpegPath); err != nil {
		return fmt.Errorf("capture backend unavailable: %w", err)
	}
	d.inputRate = inputRate
	d.outputRate = outputRate
	return nil
}

func (d *ExecDevice) captureArgs(rate int) []string {
	input := d.CaptureInput
	var format string
	switch runtime.GOOS {
	case "darwin":
		format = "avfoundation"
		if input == "" {
			input = ":0"
		}
	default:
		format = "alsa"
		if input == "" {
			input = "default"
		}
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", format, "-i", input,
		"-ac", "1", "-ar", strconv.Itoa(rate),
		"-f", "f32le", "pipe:1",
	}
}

func (d *ExecDevice) StartCapture(blockSize int, fn func(block []float32)) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("exec device closed")
	}
	if d.capture != nil {
		d.mu.Unlock()
		return nil
	}
	cmd := exec.Command(d.FFmpegPath, d.captureArgs(d.inputRate)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if err := cmd.Start(); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("start capture: %w", err)
	}
	d.capture = cmd
	d.captureOut = stdout
	d.mu.Unlock()

	go func() {
		r := bufio.NewReader(stdout)
		raw := make([]byte, blockSize*4)
		for {
			if _, err := io.ReadFull(r, raw); err != nil {
				return
			}
			block := make([]float32, blockSize)
			for i := range block {
				block[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			}
			fn(block)
		}
	}()
	return nil
}

func (d *ExecDevice) StopCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopCaptureLocked()
}

func (d *ExecDevice) stopCaptureLocked() error {
	if d.capture == nil {
		return nil
	}
	_ = d.captureOut.Close()
	_ = d.capture.Process.Kill()
	_ = d.capture.Wait()
	d.capture = nil
	d.captureOut = nil
	return nil
}

func (d *ExecDevice) Play(samples []float32, sampleRate int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("exec device closed")
	}
	if d.player == nil {
		cmd := exec.Command(d.FFplayPath,
			"-hide_banner", "-loglevel", "error", "-nodisp", "-autoexit",
			"-f", "s16le", "-ar", strconv.Itoa(sampleRate), "-ch_layout", "mono", "-i", "pipe:0",
		)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return err
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start playback: %w", err)
		}
		d.player = cmd
		d.playerIn = stdin
	}

	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(int16(v)))
	}
	_, err := d.playerIn.Write(raw)
	return err
}

func (d *ExecDevice) StopPlayback() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopPlaybackLocked()
}

func (d *ExecDevice) stopPlaybackLocked() error {
	if d.player == nil {
		return nil
	}
	_ = d.playerIn.Close()
	_ = d.player.Process.Kill()
	_ = d.player.Wait()
	d.player = nil
	d.playerIn = nil
	return nil
}

func (d *ExecDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	_ = d.stopCaptureLocked()
	_ = d.stopPlaybackLocked()
	return nil
}
