package audiocodec

import (
	"encoding/binary"
	"io"
	"os"
)

// WriteWAV writes PCM16LE mono bytes to out as a minimal WAV stream.
// Used by the probe CLI to dump session audio for inspection.
func WriteWAV(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = InputSampleRate
	}
	const (
		channels = 1
		bits     = 16
	)
	byteRate := sampleRate * channels * bits / 8

	var header [44]byte
	copy(header[0:], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], uint32(36+len(pcm)))
	copy(header[8:], "WAVE")
	copy(header[12:], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:], channels)
	binary.LittleEndian.PutUint32(header[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:], channels*bits/8)
	binary.LittleEndian.PutUint16(header[34:], bits)
	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], uint32(len(pcm)))

	if _, err := out.Write(header[:]); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

// WriteWAVFile writes PCM16LE mono bytes as a WAV file at path.
func WriteWAVFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteWAV(f, pcm, sampleRate)
}
