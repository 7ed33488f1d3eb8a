package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an inbound stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// ToMono converts client audio to mono PCM16 at a fixed target rate. It logs
// once on the first conversion so a misconfigured client is visible without
// flooding the log. Create one per stream.
type ToMono struct {
	TargetRate int
	warnOnce   sync.Once
}

// Convert returns pcm as mono at TargetRate. Matching input is returned
// without copying. Input with a partial sample is dropped.
func (c *ToMono) Convert(pcm []byte, src Format) []byte {
	if len(pcm)%(BytesPerSample*max(src.Channels, 1)) != 0 {
		slog.Warn("audio: dropping misaligned pcm chunk", "bytes", len(pcm), "format", src.String())
		return nil
	}
	if src.SampleRate == c.TargetRate && src.Channels <= 1 {
		return pcm
	}
	c.warnOnce.Do(func() {
		slog.Warn("audio: converting client stream", "from", src.String(), "to_rate", c.TargetRate)
	})
	if src.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	return ResampleMono16(pcm, src.SampleRate, c.TargetRate)
}

// StereoToMono averages interleaved L/R samples.
func StereoToMono(pcm []byte) []byte {
	in := Samples(pcm)
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = int16((int32(in[2*i]) + int32(in[2*i+1])) / 2)
	}
	return Bytes(out)
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate with linear
// interpolation. Equal or invalid rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	in := Samples(pcm)
	if len(in) == 0 {
		return pcm
	}
	n := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	out := make([]int16, n)
	step := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := float64(in[idx])
		s1 := s0
		if idx+1 < len(in) {
			s1 = float64(in[idx+1])
		}
		out[i] = clamp16(s0*(1-frac) + s1*frac)
	}
	return Bytes(out)
}
