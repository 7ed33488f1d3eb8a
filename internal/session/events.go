package session

import (
	"context"
	"time"
)

// EventType names an outbound session event.
type EventType string

const (
	EventVoiceStart     EventType = "voice_start"
	EventVoiceEnd       EventType = "voice_end"
	EventAudioChunk     EventType = "audio_chunk"
	EventAudioResponse  EventType = "audio_response"
	EventTextResponse   EventType = "text_response"
	EventFunctionResult EventType = "function_result"
	EventError          EventType = "error"
)

// Event is delivered to a [Sink]. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType
	SessionID string
	Time      time.Time

	// Audio is the PCM payload of audio_chunk and audio_response. IsSpeech
	// belongs to audio_chunk; MIMEType and Latency to audio_response.
	Audio    []byte
	IsSpeech bool
	MIMEType string
	Latency  time.Duration

	// Text is the reply of text_response or the message of error.
	Text string

	// FunctionName, Args and Result describe a function_result.
	FunctionName string
	Args         map[string]any
	Result       map[string]any
}

// Sink receives session events in the order they occur. A failing Send is
// logged and does not stop the session.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, ev Event) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }
