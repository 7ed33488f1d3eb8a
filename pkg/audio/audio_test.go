package audio_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/voiceform/pkg/audio"
)

func TestSamplesRoundTrip(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1, -1, math.MaxInt16, math.MinInt16, 1234}
	got := audio.Samples(audio.Bytes(in))
	if len(got) != len(in) {
		t.Fatalf("len = %d; want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d = %d; want %d", i, got[i], in[i])
		}
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pcm  []byte
		want float64
	}{
		{name: "empty", pcm: nil, want: 0},
		{name: "single byte", pcm: []byte{0x7f}, want: 0},
		{name: "silence", pcm: make([]byte, 640), want: 0},
		{name: "constant", pcm: audio.Bytes([]int16{1000, -1000, 1000, -1000}), want: 1000},
		{name: "mixed", pcm: audio.Bytes([]int16{3, 4}), want: math.Sqrt(12.5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.RMS(tt.pcm); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RMS = %f; want %f", got, tt.want)
			}
		})
	}
}

func TestFrameBytes(t *testing.T) {
	t.Parallel()

	if got := audio.FrameBytes(16000, 20); got != 640 {
		t.Errorf("FrameBytes(16000, 20) = %d; want 640", got)
	}
	if got := audio.FrameBytes(8000, 30); got != 480 {
		t.Errorf("FrameBytes(8000, 30) = %d; want 480", got)
	}
}

func TestPadTo(t *testing.T) {
	t.Parallel()

	got := audio.PadTo([]byte{1, 2, 3}, 6)
	want := []byte{1, 2, 3, 0, 0, 0}
	if string(got) != string(want) {
		t.Errorf("PadTo = %v; want %v", got, want)
	}
	long := []byte{1, 2, 3, 4}
	if got := audio.PadTo(long, 2); len(got) != 4 {
		t.Errorf("PadTo shortened input to %d bytes", len(got))
	}
}

func TestFrameDuration(t *testing.T) {
	t.Parallel()

	f := audio.Frame{Data: make([]byte, 640), SampleRate: 16000}
	if got := f.Duration(); got != 20*time.Millisecond {
		t.Errorf("Duration = %v; want 20ms", got)
	}
	if got := (audio.Frame{Data: make([]byte, 640)}).Duration(); got != 0 {
		t.Errorf("Duration without rate = %v; want 0", got)
	}
}

func TestEmphasize(t *testing.T) {
	t.Parallel()

	got := audio.Emphasize([]int16{100, 200, 150, 150})
	want := []int16{0, 80, -40, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d; want %d", i, got[i], want[i])
		}
	}
}

func TestEmphasizeClamps(t *testing.T) {
	t.Parallel()

	got := audio.Emphasize([]int16{math.MinInt16, math.MaxInt16, math.MinInt16})
	if got[1] != math.MaxInt16 {
		t.Errorf("positive jump = %d; want %d", got[1], math.MaxInt16)
	}
	if got[2] != math.MinInt16 {
		t.Errorf("negative jump = %d; want %d", got[2], math.MinInt16)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []int16
		want []int16
	}{
		{name: "quiet capped at 2x", in: []int16{100, -50}, want: []int16{200, -100}},
		{name: "loud scaled down", in: []int16{16384, -16384}, want: []int16{16384, -16384}},
		{name: "peak above target", in: []int16{-32768, 8192}, want: []int16{-16384, 4096}},
		{name: "silence untouched", in: []int16{0, 0}, want: []int16{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.Normalize(append([]int16(nil), tt.in...))
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d = %d; want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPreprocessKeepsLength(t *testing.T) {
	t.Parallel()

	in := audio.Bytes([]int16{0, 1000, -1000, 500})
	out := audio.Preprocess(in)
	if len(out) != len(in) {
		t.Fatalf("len = %d; want %d", len(out), len(in))
	}
	// 0.8 * diff = {0, 800, -1600, 1200}, peak 1600, gain 2.
	want := []int16{0, 1600, -3200, 2400}
	got := audio.Samples(out)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d; want %d", i, got[i], want[i])
		}
	}
	if audio.Samples(in)[1] != 1000 {
		t.Error("Preprocess mutated its input")
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	in := audio.Bytes([]int16{0, 100, 200, 300})
	if got := audio.ResampleMono16(in, 16000, 16000); len(got) != len(in) {
		t.Errorf("same rate changed length to %d", len(got))
	}
	up := audio.Samples(audio.ResampleMono16(in, 8000, 16000))
	if len(up) != 8 {
		t.Fatalf("upsampled len = %d; want 8", len(up))
	}
	if up[1] != 50 {
		t.Errorf("interpolated sample = %d; want 50", up[1])
	}
	down := audio.Samples(audio.ResampleMono16(in, 16000, 8000))
	if len(down) != 2 || down[1] != 200 {
		t.Errorf("downsampled = %v; want [0 200]", down)
	}
	if got := audio.ResampleMono16(in, 0, 16000); len(got) != len(in) {
		t.Error("zero source rate should return input")
	}
}

func TestToMono(t *testing.T) {
	t.Parallel()

	c := &audio.ToMono{TargetRate: 16000}
	mono := audio.Bytes([]int16{1, 2, 3})
	if got := c.Convert(mono, audio.Format{SampleRate: 16000, Channels: 1}); len(got) != len(mono) {
		t.Errorf("passthrough len = %d; want %d", len(got), len(mono))
	}

	stereo := audio.Bytes([]int16{100, 300, -100, -300})
	got := audio.Samples(c.Convert(stereo, audio.Format{SampleRate: 16000, Channels: 2}))
	if len(got) != 2 || got[0] != 200 || got[1] != -200 {
		t.Errorf("stereo downmix = %v; want [200 -200]", got)
	}

	if got := c.Convert([]byte{1, 2, 3}, audio.Format{SampleRate: 16000, Channels: 1}); got != nil {
		t.Errorf("odd-length chunk = %v; want nil", got)
	}
}
