package audiograph

// Device abstracts the platform audio endpoints the graph drives: one mono
// capture path and one mono playback path. Implementations must make Stop*
// and Close safe to call on a partially-opened device.
type Device interface {
	// Open prepares both paths at the given sample rates.
	Open(inputRate, outputRate int) error

	// StartCapture begins delivering fixed-size sample blocks. The callback
	// is invoked serially from a single goroutine, in capture order.
	StartCapture(blockSize int, fn func(block []float32)) error
	StopCapture() error

	// Play writes samples to the output endpoint for immediate playback.
	Play(samples []float32, sampleRate int) error
	// StopPlayback discards anything the endpoint is still holding.
	StopPlayback() error

	Close() error
}
