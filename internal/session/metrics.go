package session

import (
	"sync/atomic"
	"time"
)

// PerformanceTarget is the voice-to-voice latency the service aims to stay
// under on average.
const PerformanceTarget = 500 * time.Millisecond

// Metrics aggregates counters across every session of a process. One value
// is shared by all orchestrators; it is safe for concurrent use.
type Metrics struct {
	activeConnections atomic.Int64
	totalSessions     atomic.Int64
	toolInvocations   atomic.Int64
	latency           *latencyWindow
}

// NewMetrics returns empty metrics keeping the last windowSize latency
// samples. A non-positive size uses [DefaultLatencyWindow].
func NewMetrics(windowSize int) *Metrics {
	return &Metrics{latency: newLatencyWindow(windowSize)}
}

// ActiveConnections returns the number of started, not yet stopped sessions.
func (m *Metrics) ActiveConnections() int64 { return m.activeConnections.Load() }

// ToolInvocations returns the total number of tool calls across sessions.
func (m *Metrics) ToolInvocations() int64 { return m.toolInvocations.Load() }

// RecordLatency adds one voice-to-voice sample.
func (m *Metrics) RecordLatency(d time.Duration) { m.latency.Record(d) }

func (m *Metrics) connected() {
	m.activeConnections.Add(1)
	m.totalSessions.Add(1)
}

func (m *Metrics) disconnected() {
	// Never below zero even if a caller double-counts.
	for {
		n := m.activeConnections.Load()
		if n <= 0 || m.activeConnections.CompareAndSwap(n, n-1) {
			return
		}
	}
}

func (m *Metrics) toolCalled() { m.toolInvocations.Add(1) }

// Snapshot is a point-in-time copy of [Metrics] in the JSON shape served by
// the metrics endpoint and the get_metrics tool.
type Snapshot struct {
	ActiveConnections    int64   `json:"active_connections"`
	TotalSessions        int64   `json:"total_sessions"`
	ToolInvocations      int64   `json:"tool_invocations"`
	LatencySamples       int     `json:"latency_samples"`
	TotalResponses       int     `json:"total_responses"`
	AvgLatencyMs         float64 `json:"avg_voice_to_voice_latency_ms"`
	P50LatencyMs         float64 `json:"p50_voice_to_voice_latency_ms"`
	P99LatencyMs         float64 `json:"p99_voice_to_voice_latency_ms"`
	LastLatencyMs        float64 `json:"last_voice_to_voice_latency_ms"`
	PerformanceTargetMet bool    `json:"performance_target_met"`
}

// Snapshot returns the current values. With no samples the average is zero
// and the target counts as met.
func (m *Metrics) Snapshot() Snapshot {
	l := m.latency.Summary()
	return Snapshot{
		ActiveConnections:    m.activeConnections.Load(),
		TotalSessions:        m.totalSessions.Load(),
		ToolInvocations:      m.toolInvocations.Load(),
		LatencySamples:       l.Samples,
		TotalResponses:       l.Total,
		AvgLatencyMs:         ms(l.Avg),
		P50LatencyMs:         ms(l.P50),
		P99LatencyMs:         ms(l.P99),
		LastLatencyMs:        ms(l.Last),
		PerformanceTargetMet: l.Avg < PerformanceTarget,
	}
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
