// Package observe wires OpenTelemetry metrics and tracing into voiceform.
//
// Instruments are created once per [metric.MeterProvider] by [NewMetrics].
// Production code uses the process-wide [DefaultMetrics], backed by the
// Prometheus exporter installed by [InitProvider]; tests build their own
// Metrics on a ManualReader so assertions do not leak between tests.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voiceform"

// Metrics holds every instrument the service records. The OTel types are
// safe for concurrent use.
type Metrics struct {
	// VoiceToVoiceLatency is the delay between the last outbound request and
	// the first reply audio, in seconds.
	VoiceToVoiceLatency metric.Float64Histogram

	// HandshakeDuration tracks live service setup time. Attribute: status.
	HandshakeDuration metric.Float64Histogram

	// ToolDuration tracks tool handler latency. Attribute: tool.
	ToolDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP handlers. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram

	// AudioChunks counts chunks crossing the live connection. Attribute:
	// direction (in, out, dropped).
	AudioChunks metric.Int64Counter

	// AudioFrames counts classified VAD frames. Attribute: speech.
	AudioFrames metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// Reconnects counts live reconnection attempts. Attribute: status.
	Reconnects metric.Int64Counter

	// FormsSubmitted counts successful submissions. Attribute: form_type.
	FormsSubmitted metric.Int64Counter

	// ActiveSessions is the number of open voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries in seconds around the 500 ms
// voice-to-voice target.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.75, 1, 2, 5,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.VoiceToVoiceLatency, err = m.Float64Histogram("voiceform.voice_to_voice.latency",
		metric.WithDescription("Delay from the last outbound request to reply audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandshakeDuration, err = m.Float64Histogram("voiceform.live.handshake.duration",
		metric.WithDescription("Live service connection setup time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("voiceform.tool.duration",
		metric.WithDescription("Tool handler latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voiceform.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("voiceform.live.audio_chunks",
		metric.WithDescription("Audio chunks sent to, received from or dropped before the live service."),
	); err != nil {
		return nil, err
	}
	if met.AudioFrames, err = m.Int64Counter("voiceform.audio.frames",
		metric.WithDescription("VAD frames classified, by speech verdict."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voiceform.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voiceform.live.reconnects",
		metric.WithDescription("Live service reconnection attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FormsSubmitted, err = m.Int64Counter("voiceform.forms.submitted",
		metric.WithDescription("Submitted forms by form type."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voiceform.active_sessions",
		metric.WithDescription("Number of open voice sessions."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] built on
// [otel.GetMeterProvider]. It panics if instrument creation fails, which
// does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// RecordToolCall counts one tool invocation and its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, ok bool, d time.Duration) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(Attr("tool", tool), Attr("status", status(ok))))
	m.ToolDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("tool", tool)))
}

// RecordAudioChunk counts one chunk. direction is "in", "out" or "dropped".
func (m *Metrics) RecordAudioChunk(ctx context.Context, direction string) {
	m.AudioChunks.Add(ctx, 1, metric.WithAttributes(Attr("direction", direction)))
}

// RecordFrame counts one classified VAD frame.
func (m *Metrics) RecordFrame(ctx context.Context, speech bool) {
	m.AudioFrames.Add(ctx, 1, metric.WithAttributes(attribute.Bool("speech", speech)))
}

// RecordHandshake records one live handshake.
func (m *Metrics) RecordHandshake(ctx context.Context, ok bool, d time.Duration) {
	m.HandshakeDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("status", status(ok))))
}

// RecordReconnect counts one reconnection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, ok bool) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(Attr("status", status(ok))))
}

// RecordLatency records one voice-to-voice latency sample.
func (m *Metrics) RecordLatency(ctx context.Context, d time.Duration) {
	m.VoiceToVoiceLatency.Record(ctx, d.Seconds())
}

// RecordSubmission counts one submitted form.
func (m *Metrics) RecordSubmission(ctx context.Context, formType string) {
	m.FormsSubmitted.Add(ctx, 1, metric.WithAttributes(Attr("form_type", formType)))
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) { m.ActiveSessions.Add(ctx, 1) }

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded(ctx context.Context) { m.ActiveSessions.Add(ctx, -1) }
