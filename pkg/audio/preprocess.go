package audio

import "math"

const (
	// EmphasisGain attenuates the first-difference filter output.
	EmphasisGain = 0.8

	// NormalizeTarget is the peak amplitude normalisation aims for.
	NormalizeTarget = 16384

	// MaxNormalizeGain caps the normalisation factor.
	MaxNormalizeGain = 2.0
)

// Preprocess applies emphasis followed by peak normalisation to PCM16 data and
// returns a new buffer. Emphasis needs at least two samples; input with fewer
// than one full sample is returned unchanged.
func Preprocess(pcm []byte) []byte {
	samples := Samples(pcm)
	if len(samples) == 0 {
		return pcm
	}
	if len(samples) > 1 {
		Emphasize(samples)
	}
	Normalize(samples)
	return Bytes(samples)
}

// Emphasize replaces samples in place with their first difference scaled by
// EmphasisGain. The first sample is differenced against itself, so it becomes
// zero. Returns samples for chaining.
func Emphasize(samples []int16) []int16 {
	prev := 0.0
	if len(samples) > 0 {
		prev = float64(samples[0])
	}
	for i, s := range samples {
		cur := float64(s)
		samples[i] = clamp16((cur - prev) * EmphasisGain)
		prev = cur
	}
	return samples
}

// Normalize scales samples in place so the peak approaches NormalizeTarget,
// with gain never above MaxNormalizeGain. All-zero input is left alone.
func Normalize(samples []int16) []int16 {
	peak := 0.0
	for _, s := range samples {
		peak = math.Max(peak, math.Abs(float64(s)))
	}
	if peak == 0 {
		return samples
	}
	gain := math.Min(MaxNormalizeGain, NormalizeTarget/peak)
	for i, s := range samples {
		samples[i] = clamp16(float64(s) * gain)
	}
	return samples
}
