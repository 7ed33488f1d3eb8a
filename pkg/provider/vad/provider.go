// Package vad defines the Classifier interface for voice activity detection.
//
// A Classifier answers a single question for a single frame: does this PCM16
// frame contain speech? It holds no per-stream state. Speech/silence
// hysteresis, buffering and event emission are the stream processor's job, so
// one Classifier can be shared by every session in the process.
//
// Implementations must be safe for concurrent use and must never fail. Input
// they cannot interpret (empty frames, odd byte counts) is classified as
// silence.
package vad

import "github.com/MrWong99/voiceform/pkg/audio"

// Classifier decides whether a PCM16 mono frame contains speech.
type Classifier interface {
	// IsSpeech reports whether frame, sampled at sampleRate Hz, is speech.
	IsSpeech(frame []byte, sampleRate int) bool
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(frame []byte, sampleRate int) bool

// IsSpeech calls f.
func (f ClassifierFunc) IsSpeech(frame []byte, sampleRate int) bool { return f(frame, sampleRate) }

// Config holds the framing and sensitivity parameters shared by the
// classifier and the stream processor.
type Config struct {
	// Aggressiveness selects how strict the classifier is, from 0 (most
	// permissive) to 3 (most strict). Higher values miss more soft speech but
	// produce fewer false positives.
	Aggressiveness int

	// SampleRate of the PCM frames in Hz.
	SampleRate int

	// FrameDurationMs is the length of one classified frame.
	FrameDurationMs int
}

// DefaultConfig returns 16 kHz, 20 ms frames at aggressiveness 2.
func DefaultConfig() Config {
	return Config{Aggressiveness: 2, SampleRate: 16000, FrameDurationMs: 20}
}

// FrameBytes is the size of one frame in bytes.
func (c Config) FrameBytes() int {
	return audio.FrameBytes(c.SampleRate, c.FrameDurationMs)
}
