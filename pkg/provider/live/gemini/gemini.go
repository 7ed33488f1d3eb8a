// Package gemini implements the live.Dialer contract for Google's Gemini Live
// API.
//
// Messages follow the BidiGenerateContent protocol: a JSON setup frame, then
// realtimeInput media chunks (base64 PCM) outbound, and serverContent /
// toolCall / toolCallCancellation frames inbound. One inbound frame can hold
// several parts; they are returned from Recv one at a time.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voiceform/pkg/provider/live"
	"github.com/coder/websocket"
)

var (
	_ live.Dialer = (*Provider)(nil)
	_ live.Conn   = (*Conn)(nil)
)

const (
	DefaultModel   = "gemini-2.0-flash-live-001"
	DefaultVoice   = "Aoede"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpointPath   = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// Inbound audio frames can be large; the default 32 KiB read limit is too
	// small for a second of 24 kHz PCM.
	readLimit = 4 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used when SessionConfig.Model is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice sets the voice used when SessionConfig.Voice is empty.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithBaseURL overrides the base WebSocket URL. Tests point this at a local
// server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider dials Gemini Live connections.
type Provider struct {
	apiKey  string
	model   string
	voice   string
	baseURL string
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   DefaultModel,
		voice:   DefaultVoice,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the default model.
func (p *Provider) Model() string { return p.model }

// Dial opens the WebSocket. The caller sends the setup frame.
func (p *Provider) Dial(ctx context.Context) (live.Conn, error) {
	wsURL := fmt.Sprintf("%s%s?key=%s", p.baseURL, endpointPath, p.apiKey)
	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		model:  p.model,
		voice:  p.voice,
		rate:   16000,
		ctx:    connCtx,
		cancel: cancel,
	}
	go c.keepaliveLoop()
	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *content           `json:"systemInstruction,omitempty"`
	Tools             []toolDeclarations `json:"tools,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type toolDeclarations struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput struct {
		MediaChunks []blob `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

type clientContentMessage struct {
	ClientContent struct {
		Turns        []content `json:"turns"`
		TurnComplete bool      `json:"turnComplete"`
	} `json:"clientContent"`
}

type toolResponseMessage struct {
	ToolResponse struct {
		FunctionResponses []functionResponse `json:"functionResponses"`
	} `json:"toolResponse"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage      `json:"setupComplete,omitempty"`
	ServerContent        *serverContent        `json:"serverContent,omitempty"`
	ToolCall             *toolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *toolCallCancellation `json:"toolCallCancellation,omitempty"`
	Error                *serviceError         `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn    *content `json:"modelTurn,omitempty"`
	TurnComplete bool     `json:"turnComplete,omitempty"`
	Interrupted  bool     `json:"interrupted,omitempty"`
}

type toolCall struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type toolCallCancellation struct {
	IDs []string `json:"ids"`
}

type serviceError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// ── Conn ───────────────────────────────────────────────────────────────────────

// Conn is one Gemini Live WebSocket.
type Conn struct {
	ws    *websocket.Conn
	model string
	voice string

	mu      sync.Mutex
	rate    int
	pending []live.Message
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// SendSetup sends the BidiGenerateContent setup frame.
func (c *Conn) SendSetup(ctx context.Context, cfg live.SessionConfig) error {
	model := cfg.Model
	if model == "" {
		model = c.model
	}
	voice := cfg.Voice
	if voice == "" {
		voice = c.voice
	}
	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}
	if cfg.InputSampleRate > 0 {
		c.mu.Lock()
		c.rate = cfg.InputSampleRate
		c.mu.Unlock()
	}

	var msg setupMessage
	msg.Setup.Model = "models/" + model
	msg.Setup.GenerationConfig.ResponseModalities = modalities
	sc := &speechConfig{}
	sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = voice
	msg.Setup.GenerationConfig.SpeechConfig = sc

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		msg.Setup.Tools = []toolDeclarations{{FunctionDeclarations: decls}}
	}
	return c.writeJSON(ctx, msg)
}

// SendAudio sends one base64-encoded PCM16 media chunk.
func (c *Conn) SendAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	rate := c.rate
	c.mu.Unlock()

	var msg realtimeInputMessage
	msg.RealtimeInput.MediaChunks = []blob{{
		MIMEType: fmt.Sprintf("audio/pcm;rate=%d", rate),
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}}
	return c.writeJSON(ctx, msg)
}

// SendText sends a completed user turn.
func (c *Conn) SendText(ctx context.Context, text string) error {
	var msg clientContentMessage
	msg.ClientContent.Turns = []content{{Role: "user", Parts: []part{{Text: text}}}}
	msg.ClientContent.TurnComplete = true
	return c.writeJSON(ctx, msg)
}

// SendToolResponse answers function calls in a single frame.
func (c *Conn) SendToolResponse(ctx context.Context, responses []live.FunctionResponse) error {
	var msg toolResponseMessage
	msg.ToolResponse.FunctionResponses = make([]functionResponse, len(responses))
	for i, r := range responses {
		msg.ToolResponse.FunctionResponses[i] = functionResponse{ID: r.ID, Name: r.Name, Response: r.Response}
	}
	return c.writeJSON(ctx, msg)
}

// Recv returns the next inbound message. Frames without anything a caller
// acts on (turnComplete markers, usage metadata) are consumed silently.
func (c *Conn) Recv(ctx context.Context) (live.Message, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			m := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return m, nil
		}
		c.mu.Unlock()

		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return live.Message{}, fmt.Errorf("gemini: read: %w", err)
		}
		msgs, err := decode(data)
		if err != nil {
			return live.Message{}, err
		}
		c.mu.Lock()
		c.pending = append(c.pending, msgs...)
		c.mu.Unlock()
	}
}

// Close terminates the connection. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		err = c.ws.Close(websocket.StatusNormalClosure, "session closed")
	})
	return err
}

func (c *Conn) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("gemini: connection closed")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: write: %w", err)
	}
	return nil
}

// keepaliveLoop pings the server so idle sessions are not dropped.
func (c *Conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.ws.Ping(pingCtx)
			cancel()
		}
	}
}

// decode turns one server frame into zero or more messages.
func decode(data []byte) ([]live.Message, error) {
	var sm serverMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		return nil, fmt.Errorf("gemini: %w: %v", live.ErrDecode, err)
	}

	var out []live.Message
	if sm.SetupComplete != nil {
		out = append(out, live.Message{Kind: live.MessageSetupComplete})
	}
	if sm.Error != nil {
		text := sm.Error.Message
		if text == "" {
			text = "unknown error"
		}
		out = append(out, live.Message{Kind: live.MessageError, Text: text})
	}
	if sc := sm.ServerContent; sc != nil && sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					return nil, fmt.Errorf("gemini: %w: inline data: %v", live.ErrDecode, err)
				}
				if len(pcm) > 0 {
					out = append(out, live.Message{Kind: live.MessageAudio, Audio: pcm, MIMEType: p.InlineData.MIMEType})
				}
			}
			if p.Text != "" {
				out = append(out, live.Message{Kind: live.MessageText, Text: p.Text})
			}
		}
	}
	if tc := sm.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]live.FunctionCall, len(tc.FunctionCalls))
		for i, fc := range tc.FunctionCalls {
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			calls[i] = live.FunctionCall{ID: fc.ID, Name: fc.Name, Args: args}
		}
		out = append(out, live.Message{Kind: live.MessageFunctionCall, Calls: calls})
	}
	if cc := sm.ToolCallCancellation; cc != nil {
		out = append(out, live.Message{Kind: live.MessageToolCallCancellation, CancelledIDs: cc.IDs})
	}
	return out, nil
}
