// Package mock provides a scripted vad.Classifier for tests.
//
// Results are consumed in order; once exhausted, Default is returned:
//
//	c := &mock.Classifier{Results: []bool{true, true, false}}
package mock

import (
	"sync"

	"github.com/MrWong99/voiceform/pkg/provider/vad"
)

// Classifier is a mock implementation of vad.Classifier.
type Classifier struct {
	mu sync.Mutex

	// Results are returned by successive IsSpeech calls.
	Results []bool

	// Default is returned after Results is exhausted.
	Default bool

	// Frames records a copy of every frame passed to IsSpeech.
	Frames [][]byte
}

var _ vad.Classifier = (*Classifier)(nil)

// IsSpeech records the frame and returns the next scripted result.
func (c *Classifier) IsSpeech(frame []byte, _ int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Frames = append(c.Frames, append([]byte(nil), frame...))
	if len(c.Results) == 0 {
		return c.Default
	}
	r := c.Results[0]
	c.Results = c.Results[1:]
	return r
}

// Calls returns how many frames were classified.
func (c *Classifier) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Frames)
}
