// Package live defines the contract for a remote real-time generative speech
// service reached over one persistent bidirectional connection.
//
// A [Dialer] opens the transport. The returned [Conn] carries setup, audio,
// text and tool responses outbound, and yields decoded [Message] values
// inbound. Conn is deliberately thin: it frames and decodes, nothing more.
// Handshake timing, reconnection and tool dispatch live in the caller.
//
// Conn implementations must allow one goroutine to call Recv while others
// send. Close must be safe to call more than once.
package live

import (
	"context"
	"errors"
)

// ErrDecode marks a single inbound message that could not be decoded. The
// connection is still usable and the caller should skip the message.
var ErrDecode = errors.New("live: malformed message")

// ToolDefinition declares a function the remote service may call.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// SessionConfig is sent in the setup handshake.
type SessionConfig struct {
	// Model is the provider-specific model identifier.
	Model string

	// Voice is the prebuilt voice used for synthesised replies.
	Voice string

	// ResponseModalities lists the response types requested, e.g. "AUDIO".
	ResponseModalities []string

	// Instructions is an optional system prompt.
	Instructions string

	// Tools are offered to the model for the lifetime of the connection.
	Tools []ToolDefinition

	// InputSampleRate is the rate of outbound PCM audio in Hz.
	InputSampleRate int
}

// MessageKind classifies an inbound message.
type MessageKind int

const (
	// MessageSetupComplete acknowledges the setup handshake.
	MessageSetupComplete MessageKind = iota

	// MessageAudio carries a chunk of synthesised audio.
	MessageAudio

	// MessageText carries a chunk of model text.
	MessageText

	// MessageFunctionCall carries one or more function calls.
	MessageFunctionCall

	// MessageToolCallCancellation withdraws previously issued calls.
	MessageToolCallCancellation

	// MessageError reports a service-side error.
	MessageError
)

var kindNames = [...]string{"setup_complete", "audio", "text", "function_call", "tool_call_cancellation", "error"}

func (k MessageKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// FunctionCall is a request to run a named local function.
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

// FunctionResponse answers a [FunctionCall].
type FunctionResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// Message is one decoded inbound message. Only the fields relevant to Kind are
// set.
type Message struct {
	Kind MessageKind

	// Audio and MIMEType are set for MessageAudio.
	Audio    []byte
	MIMEType string

	// Text is set for MessageText and MessageError.
	Text string

	// Calls is set for MessageFunctionCall.
	Calls []FunctionCall

	// CancelledIDs is set for MessageToolCallCancellation.
	CancelledIDs []string
}

// Conn is an open connection to the remote service.
type Conn interface {
	// SendSetup sends the handshake. The service answers with
	// MessageSetupComplete.
	SendSetup(ctx context.Context, cfg SessionConfig) error

	// SendAudio streams one PCM16 chunk.
	SendAudio(ctx context.Context, pcm []byte) error

	// SendText sends a user text turn.
	SendText(ctx context.Context, text string) error

	// SendToolResponse answers function calls.
	SendToolResponse(ctx context.Context, responses []FunctionResponse) error

	// Recv blocks until the next inbound message. Errors wrapping ErrDecode
	// are per-message; any other error means the transport is gone.
	Recv(ctx context.Context) (Message, error)

	// Close shuts the connection down.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
