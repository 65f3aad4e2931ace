package audiograph

import "math"

const (
	// DefaultGateThreshold is the RMS level above which a block counts as speech.
	DefaultGateThreshold = 0.04
	// DefaultGateHold is how many blocks the gate stays open after the last
	// loud block, so trailing quiet syllables are not clipped.
	DefaultGateHold = 60
)

// NoiseGate suppresses sending silence upstream. A loud block opens the gate
// for the full hold window; quiet blocks decay it by one.
type NoiseGate struct {
	threshold float64
	hold      int
	counter   int
}

func NewNoiseGate(threshold float64, holdBlocks int) *NoiseGate {
	if threshold <= 0 {
		threshold = DefaultGateThreshold
	}
	if holdBlocks <= 0 {
		holdBlocks = DefaultGateHold
	}
	return &NoiseGate{threshold: threshold, hold: holdBlocks}
}

// Observe folds one capture block into the gate and reports the block RMS
// and whether the gate is open.
func (g *NoiseGate) Observe(block []float32) (rms float64, open bool) {
	rms = RMS(block)
	if rms > g.threshold {
		g.counter = g.hold
	} else if g.counter > 0 {
		g.counter--
	}
	return rms, g.counter > 0
}

// Loud reports whether the given level alone exceeds the gate threshold.
func (g *NoiseGate) Loud(rms float64) bool { return rms > g.threshold }

// RMS computes the root-mean-square level of a sample block.
func RMS(block []float32) float64 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, s := range block {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(block)))
}
