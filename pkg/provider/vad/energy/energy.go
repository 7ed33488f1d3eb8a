// Package energy implements a root-mean-square energy voice activity
// classifier. It has no model and no state, which makes it cheap enough to run
// on every 20 ms frame of every session.
package energy

import (
	"github.com/MrWong99/voiceform/pkg/audio"
	"github.com/MrWong99/voiceform/pkg/provider/vad"
)

// Thresholds maps aggressiveness 0..3 to the RMS energy a frame must exceed
// to count as speech.
var Thresholds = [...]float64{500, 1000, 2000, 4000}

// Detector classifies frames by comparing their RMS energy to a fixed
// threshold.
type Detector struct {
	threshold float64
}

var _ vad.Classifier = (*Detector)(nil)

// New returns a Detector for the given aggressiveness. Values outside 0..3 are
// clamped.
func New(aggressiveness int) *Detector {
	idx := min(max(aggressiveness, 0), len(Thresholds)-1)
	return &Detector{threshold: Thresholds[idx]}
}

// Threshold returns the energy threshold in use.
func (d *Detector) Threshold() float64 { return d.threshold }

// IsSpeech implements vad.Classifier. The sample rate does not affect an
// energy measurement and is ignored.
func (d *Detector) IsSpeech(frame []byte, _ int) bool {
	if len(frame) == 0 || len(frame)%audio.BytesPerSample != 0 {
		return false
	}
	return audio.RMS(frame) > d.threshold
}
