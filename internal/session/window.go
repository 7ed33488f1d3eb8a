package session

import (
	"slices"
	"sync"
	"time"
)

// DefaultLatencyWindow is the number of latency samples kept when no size is
// configured.
const DefaultLatencyWindow = 100

// latencyWindow keeps the most recent response latencies in a ring buffer so
// averages and percentiles reflect current behaviour only. All methods are
// safe for concurrent use.
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	pos     int // next write position
	count   int // total samples written, may exceed len(samples)
	last    time.Duration
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = DefaultLatencyWindow
	}
	return &latencyWindow{samples: make([]time.Duration, size)}
}

// Record adds a sample, overwriting the oldest once the buffer is full.
func (w *latencyWindow) Record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.pos] = d
	w.pos = (w.pos + 1) % len(w.samples)
	w.count++
	w.last = d
}

// window returns the live samples in insertion order. Callers hold mu.
func (w *latencyWindow) window() []time.Duration {
	if w.count < len(w.samples) {
		return slices.Clone(w.samples[:w.count])
	}
	out := make([]time.Duration, 0, len(w.samples))
	out = append(out, w.samples[w.pos:]...)
	return append(out, w.samples[:w.pos]...)
}

// latencySummary is a consistent view of the window.
type latencySummary struct {
	Samples int
	Total   int
	Avg     time.Duration
	P50     time.Duration
	P99     time.Duration
	Last    time.Duration
}

func (w *latencyWindow) Summary() latencySummary {
	w.mu.Lock()
	cur := w.window()
	s := latencySummary{Samples: len(cur), Total: w.count, Last: w.last}
	w.mu.Unlock()

	if len(cur) == 0 {
		return s
	}
	var sum time.Duration
	for _, d := range cur {
		sum += d
	}
	s.Avg = sum / time.Duration(len(cur))
	slices.Sort(cur)
	s.P50 = cur[len(cur)/2]
	s.P99 = cur[int(float64(len(cur)-1)*0.99)]
	return s
}
