package audio

import "time"

// Frame is one slice of PCM16 mono audio moving through a session. Frames are
// cut by the stream processor, handed to the live client and then dropped;
// they are never persisted.
type Frame struct {
	// Data holds little-endian PCM16 samples.
	Data []byte

	// SampleRate in Hz (16000 for the live service).
	SampleRate int

	// Timestamp is the offset of the frame from the start of the stream.
	Timestamp time.Duration
}

// Duration returns how much audio the frame holds.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Data) / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
