package audiograph

import (
	"math"
	"sync"
)

// DefaultFFTSize matches the visualizer contract: 256 frequency bins.
const DefaultFFTSize = 512

const (
	minDecibels = -100.0
	maxDecibels = -30.0
)

// Analyser exposes frequency-domain snapshots of the audio actually routed
// to the output device. The graph is the only writer; consumers such as the
// visualizer only read snapshots, so there is no write contention.
type Analyser struct {
	mu      sync.Mutex
	fftSize int
	ring    []float32
	pos     int
}

func newAnalyser(fftSize int) *Analyser {
	if fftSize <= 0 {
		fftSize = DefaultFFTSize
	}
	return &Analyser{fftSize: fftSize, ring: make([]float32, fftSize)}
}

// BinCount is the number of frequency bins in a snapshot.
func (a *Analyser) BinCount() int { return a.fftSize / 2 }

func (a *Analyser) push(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % len(a.ring)
	}
}

// FrequencyData returns the magnitude spectrum of the most recent window,
// mapped to 0..255 over a [-100,-30] dB range.
func (a *Analyser) FrequencyData() []byte {
	a.mu.Lock()
	window := make([]float64, a.fftSize)
	for i := 0; i < a.fftSize; i++ {
		// Oldest sample first so the window is contiguous in time.
		s := a.ring[(a.pos+i)%a.fftSize]
		hann := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(a.fftSize-1)))
		window[i] = float64(s) * hann
	}
	a.mu.Unlock()

	bins := make([]byte, a.fftSize/2)
	n := float64(a.fftSize)
	for k := range bins {
		var re, im float64
		for i, s := range window {
			angle := 2 * math.Pi * float64(k) * float64(i) / n
			re += s * math.Cos(angle)
			im -= s * math.Sin(angle)
		}
		mag := math.Sqrt(re*re+im*im) / n
		db := minDecibels
		if mag > 0 {
			db = 20 * math.Log10(mag)
		}
		scaled := (db - minDecibels) / (maxDecibels - minDecibels) * 255
		if scaled < 0 {
			scaled = 0
		} else if scaled > 255 {
			scaled = 255
		}
		bins[k] = byte(scaled)
	}
	return bins
}
