package audio

import (
	"encoding/binary"
	"math"
)

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// Samples decodes little-endian PCM16 bytes into int16 samples. A trailing odd
// byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes int16 samples as little-endian PCM16.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// RMS returns the root-mean-square energy of PCM16 data. Empty input has zero
// energy.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// FrameBytes returns the size in bytes of a mono PCM16 frame lasting
// durationMs at sampleRate.
func FrameBytes(sampleRate, durationMs int) int {
	return sampleRate * durationMs / 1000 * BytesPerSample
}

// PadTo returns pcm extended with zero bytes to at least size bytes. Input that
// is already long enough is returned as is.
func PadTo(pcm []byte, size int) []byte {
	if len(pcm) >= size {
		return pcm
	}
	out := make([]byte, size)
	copy(out, pcm)
	return out
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
