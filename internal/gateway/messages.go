package gateway

import (
	"encoding/base64"
	"time"

	"github.com/MrWong99/voiceform/internal/session"
)

// Client message types.
const (
	msgStartConversation = "start_conversation"
	msgAudioData         = "audio_data"
	msgTextInput         = "text_input"
	msgInterrupt         = "interrupt"
	msgFunctionCall      = "function_call"
	msgPing              = "ping"
)

// Server message types not produced by a session event.
const (
	msgConnectionEstablished = "connection_established"
	msgConversationStarted   = "conversation_started"
	msgInterruptionHandled   = "interruption_handled"
	msgPong                  = "pong"
	msgError                 = "error"
)

// inbound is a JSON message received from a browser client.
type inbound struct {
	Type string `json:"type"`

	// Data is base64 PCM16 for audio_data. SampleRate and Channels describe
	// it; zero means the session's own rate and mono.
	Data       string `json:"data"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`

	Text string `json:"text"`

	FunctionName string         `json:"function_name"`
	Arguments    map[string]any `json:"arguments"`

	// Timestamp is echoed back in pong untouched.
	Timestamp any `json:"timestamp"`
}

// outbound is a JSON message sent to a browser client.
type outbound struct {
	Type            string         `json:"type"`
	ClientID        string         `json:"client_id,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	Timestamp       any            `json:"timestamp,omitempty"`
	ServerTimestamp string         `json:"server_timestamp,omitempty"`
	Message         string         `json:"message,omitempty"`
	FunctionName    string         `json:"function_name,omitempty"`
	Arguments       map[string]any `json:"arguments,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Data            any            `json:"data,omitempty"`
	Cleared         *int           `json:"cleared_chunks,omitempty"`
}

type audioResponse struct {
	Audio          string  `json:"audio"`
	MIMEType       string  `json:"mime_type,omitempty"`
	ResponseTimeMs float64 `json:"response_time_ms"`
}

type textResponse struct {
	Text string `json:"text"`
}

func errorMessage(msg string) outbound {
	return outbound{Type: msgError, Message: msg}
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// toWire maps a session event to its client message. Input audio chunks are
// not echoed back; ok is false for them.
func toWire(ev session.Event) (msg outbound, ok bool) {
	msg = outbound{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		Timestamp: isoTime(ev.Time),
	}
	switch ev.Type {
	case session.EventAudioChunk:
		return outbound{}, false
	case session.EventAudioResponse:
		msg.Data = audioResponse{
			Audio:          base64.StdEncoding.EncodeToString(ev.Audio),
			MIMEType:       ev.MIMEType,
			ResponseTimeMs: float64(ev.Latency) / float64(time.Millisecond),
		}
	case session.EventTextResponse:
		msg.Data = textResponse{Text: ev.Text}
	case session.EventFunctionResult:
		msg.FunctionName = ev.FunctionName
		msg.Arguments = ev.Args
		msg.Result = ev.Result
	case session.EventError:
		msg.Message = ev.Text
	}
	return msg, true
}
