package audiocodec

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	// InputSampleRate is the capture rate the upstream model expects.
	InputSampleRate = 16000
	// OutputSampleRate is the rate the upstream model synthesizes at.
	OutputSampleRate = 24000

	// MIMEPCM16k declares the outbound frame format so the receiving side
	// needs no side channel to learn the sample rate.
	MIMEPCM16k = "audio/pcm;rate=16000"

	bytesPerSample = 2
)

// Frame is one transport-ready unit of encoded audio.
type Frame struct {
	MIMEType string
	Data     []byte
}

// DecodeError reports a frame whose byte length is not a whole number of
// samples. Callers drop the frame; it is never fatal to a session.
type DecodeError struct {
	Length int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("pcm: frame length %d is not a multiple of %d", e.Length, bytesPerSample)
}

// Buffer holds decoded, playable samples at a fixed rate.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration is exactly sampleCount / sampleRate; the codec is lossy only in
// quantization, never in timing.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Encode maps float samples in [-1,1] to little-endian signed 16-bit PCM.
// Out-of-range values are clamped and NaN is coerced to silence; Encode has
// no failure modes.
func Encode(samples []float32) Frame {
	data := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*bytesPerSample:], uint16(quantize(s)))
	}
	return Frame{MIMEType: MIMEPCM16k, Data: data}
}

func quantize(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	v := math.Round(float64(s) * 32768)
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// Decode reverses Encode into a playable buffer at the given rate.
func Decode(data []byte, sampleRate int) (Buffer, error) {
	if len(data)%bytesPerSample != 0 {
		return Buffer{}, &DecodeError{Length: len(data)}
	}
	samples := make([]float32, len(data)/bytesPerSample)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*bytesPerSample:]))
		samples[i] = float32(v) / 32768
	}
	return Buffer{Samples: samples, SampleRate: sampleRate}, nil
}

// DecodeBase64 decodes a base64-wrapped PCM16 frame as delivered on the wire.
func DecodeBase64(encoded string, sampleRate int) (Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Buffer{}, fmt.Errorf("pcm: base64 frame: %w", err)
	}
	return Decode(raw, sampleRate)
}
