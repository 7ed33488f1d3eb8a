// Package liveclient manages the one persistent connection a voice session
// holds to the remote live speech service.
//
// A [Client] performs the setup handshake, streams outbound audio and text,
// and turns inbound messages into [Event] values on a bounded channel. Tool
// calls are answered automatically: the [FunctionHandler] runs and its result
// is sent back to the service before the matching event is published. When
// the transport drops, the client reconnects under a bounded
// [resilience.RetryPolicy].
package liveclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voiceform/internal/observe"
	"github.com/MrWong99/voiceform/internal/resilience"
	"github.com/MrWong99/voiceform/pkg/provider/live"
)

var (
	// ErrClosed is returned by Initialize after Close.
	ErrClosed = errors.New("liveclient: client closed")

	// ErrHandshakeTimeout is returned when the service does not acknowledge
	// setup within Config.HandshakeTimeout.
	ErrHandshakeTimeout = errors.New("liveclient: handshake timed out")

	// ErrBadHandshake is returned when the first reply is not a setup
	// acknowledgment.
	ErrBadHandshake = errors.New("liveclient: unexpected handshake reply")
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultEventBuffer      = 64

	// maxSendFailures consecutive send errors drop the connection so the
	// listen loop reconnects.
	maxSendFailures = 3
)

// ConnectionState is the lifecycle state of a [Client].
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateReady
	StateClosing
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind classifies an [Event].
type EventKind int

const (
	EventAudioResponse EventKind = iota
	EventTextResponse
	EventFunctionCall
	EventToolCallCancellation
	EventError
)

// Event is one inbound occurrence. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// Audio, MIMEType and Latency describe an EventAudioResponse. Latency is
	// measured from the last outbound audio or text, zero if nothing was sent.
	Audio    []byte
	MIMEType string
	Latency  time.Duration

	// Text is set for EventTextResponse and EventError.
	Text string

	// Call and Result describe an EventFunctionCall. Result is what was sent
	// back to the service.
	Call   live.FunctionCall
	Result map[string]any

	// CancelledIDs is set for EventToolCallCancellation.
	CancelledIDs []string
}

// FunctionHandler runs a function call and returns its result payload.
type FunctionHandler func(ctx context.Context, call live.FunctionCall) map[string]any

// Config configures a [Client].
type Config struct {
	// Session is sent in the setup handshake.
	Session live.SessionConfig

	// HandshakeTimeout bounds dial plus setup acknowledgment. Default 5s.
	HandshakeTimeout time.Duration

	// Retry bounds reconnection after a transport failure.
	Retry resilience.RetryPolicy

	// EventBuffer is the capacity of the Listen channel. Default 64.
	EventBuffer int
}

// Metrics is a snapshot of client counters.
type Metrics struct {
	State               ConnectionState
	AudioChunksSent     int64
	AudioChunksReceived int64
	AudioChunksDropped  int64
	TextsSent           int64
	FunctionCalls       int64
	Reconnects          int64
	ConnectionTime      time.Duration
	ConnectedAt         time.Time
}

// Client owns a single live connection. All methods are safe for concurrent
// use; Listen should have one consumer.
type Client struct {
	dialer  live.Dialer
	cfg     Config
	handler FunctionHandler
	metrics *observe.Metrics
	logger  *slog.Logger

	// hsMu serialises handshakes: reconnection never overlaps Initialize.
	hsMu sync.Mutex

	mu           sync.Mutex
	state        ConnectionState
	conn         live.Conn
	closed       bool
	connectedAt  time.Time
	connectTime  time.Duration
	sendFailures int

	life       context.Context
	cancelLife context.CancelFunc

	lastRequest atomic.Int64 // unix nanos
	audioSent   atomic.Int64
	audioRecv   atomic.Int64
	audioDrop   atomic.Int64
	textSent    atomic.Int64
	calls       atomic.Int64
	reconnects  atomic.Int64
}

// Option configures a [Client].
type Option func(*Client)

// WithFunctionHandler sets the tool call handler. Without one, calls are
// answered with an error payload.
func WithFunctionHandler(h FunctionHandler) Option {
	return func(c *Client) { c.handler = h }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a disconnected Client.
func New(dialer live.Dialer, cfg Config, opts ...Option) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	life, cancel := context.WithCancel(context.Background())
	c := &Client{
		dialer:     dialer,
		cfg:        cfg,
		logger:     slog.Default(),
		life:       life,
		cancelLife: cancel,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("liveclient: state change", "from", prev.String(), "to", s.String())
	}
}

// Initialize dials the service, sends setup and waits for the
// acknowledgment. On any failure the half-open connection is closed and the
// client is left Disconnected. Calling Initialize on a Ready client is a
// no-op.
func (c *Client) Initialize(ctx context.Context) (err error) {
	c.hsMu.Lock()
	defer c.hsMu.Unlock()

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateReady:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "live.handshake")
	defer func() {
		observe.EndSpan(span, err)
		c.metrics.RecordHandshake(ctx, err == nil, time.Since(start))
	}()

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()

	conn, err := c.dialer.Dial(hctx)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("liveclient: dial: %w", c.handshakeErr(hctx, err))
	}
	if err := c.handshake(hctx, conn); err != nil {
		_ = conn.Close()
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateReady
	c.sendFailures = 0
	c.connectedAt = time.Now()
	c.connectTime = time.Since(start)
	c.mu.Unlock()

	c.logger.Info("live session ready", "handshake", time.Since(start))
	return nil
}

func (c *Client) handshake(ctx context.Context, conn live.Conn) error {
	if err := conn.SendSetup(ctx, c.cfg.Session); err != nil {
		return fmt.Errorf("liveclient: send setup: %w", c.handshakeErr(ctx, err))
	}
	for {
		msg, err := conn.Recv(ctx)
		if errors.Is(err, live.ErrDecode) {
			c.logger.Warn("liveclient: skipping malformed handshake frame", "err", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("liveclient: await setup: %w", c.handshakeErr(ctx, err))
		}
		switch msg.Kind {
		case live.MessageSetupComplete:
			return nil
		case live.MessageError:
			return fmt.Errorf("%w: service error: %s", ErrBadHandshake, msg.Text)
		default:
			return fmt.Errorf("%w: %s", ErrBadHandshake, msg.Kind)
		}
	}
}

// handshakeErr maps a deadline hit during the handshake to
// ErrHandshakeTimeout.
func (c *Client) handshakeErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Join(ErrHandshakeTimeout, err)
	}
	return err
}

// readyConn returns the connection when the client is Ready.
func (c *Client) readyConn() (live.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.conn == nil {
		return nil, false
	}
	return c.conn, true
}

// SendAudioChunk streams one PCM16 chunk. When the client is not Ready the
// chunk is dropped with a warning and nil is returned.
func (c *Client) SendAudioChunk(ctx context.Context, pcm []byte) error {
	conn, ok := c.readyConn()
	if !ok {
		c.audioDrop.Add(1)
		c.metrics.RecordAudioChunk(ctx, "dropped")
		c.logger.Warn("liveclient: not connected, dropping audio chunk", "state", c.State().String(), "bytes", len(pcm))
		return nil
	}
	if err := conn.SendAudio(ctx, pcm); err != nil {
		c.sendFailed(conn, err)
		return fmt.Errorf("liveclient: send audio: %w", err)
	}
	c.sendOK()
	c.audioSent.Add(1)
	c.metrics.RecordAudioChunk(ctx, "out")
	return nil
}

// SendText sends a text turn. Like SendAudioChunk it is a logged no-op when
// the client is not Ready.
func (c *Client) SendText(ctx context.Context, text string) error {
	conn, ok := c.readyConn()
	if !ok {
		c.logger.Warn("liveclient: not connected, dropping text", "state", c.State().String())
		return nil
	}
	if err := conn.SendText(ctx, text); err != nil {
		c.sendFailed(conn, err)
		return fmt.Errorf("liveclient: send text: %w", err)
	}
	c.sendOK()
	c.textSent.Add(1)
	return nil
}

func (c *Client) sendOK() {
	c.lastRequest.Store(time.Now().UnixNano())
	c.mu.Lock()
	c.sendFailures = 0
	c.mu.Unlock()
}

// sendFailed counts consecutive send errors and closes conn once the limit
// is hit. The pending Recv then fails and the listen loop reconnects.
func (c *Client) sendFailed(conn live.Conn, err error) {
	c.mu.Lock()
	c.sendFailures++
	n := c.sendFailures
	c.mu.Unlock()
	c.logger.Warn("liveclient: send failed", "err", err, "consecutive", n)
	if n >= maxSendFailures {
		c.logger.Warn("liveclient: dropping connection after repeated send failures")
		_ = conn.Close()
	}
}

// Listen starts the receive loop and returns its event channel. The channel
// is closed when ctx ends, the client is closed, or reconnection gives up.
func (c *Client) Listen(ctx context.Context) <-chan Event {
	out := make(chan Event, c.cfg.EventBuffer)
	go c.listenLoop(ctx, out)
	return out
}

func (c *Client) listenLoop(ctx context.Context, out chan<- Event) {
	defer close(out)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()

	for {
		conn, ok := c.readyConn()
		if !ok {
			if !c.reconnect(ctx, nil, errors.New("not connected")) {
				return
			}
			continue
		}

		msg, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, live.ErrDecode) {
				c.logger.Warn("liveclient: skipping malformed message", "err", err)
				continue
			}
			if !c.reconnect(ctx, conn, err) {
				return
			}
			continue
		}

		for _, ev := range c.dispatch(ctx, conn, msg) {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// dispatch converts one message into events, answering function calls
// before they are returned.
func (c *Client) dispatch(ctx context.Context, conn live.Conn, msg live.Message) []Event {
	switch msg.Kind {
	case live.MessageAudio:
		c.audioRecv.Add(1)
		c.metrics.RecordAudioChunk(ctx, "in")
		var latency time.Duration
		if last := c.lastRequest.Load(); last > 0 {
			latency = time.Since(time.Unix(0, last))
		}
		return []Event{{Kind: EventAudioResponse, Audio: msg.Audio, MIMEType: msg.MIMEType, Latency: latency}}

	case live.MessageText:
		return []Event{{Kind: EventTextResponse, Text: msg.Text}}

	case live.MessageFunctionCall:
		events := make([]Event, 0, len(msg.Calls))
		responses := make([]live.FunctionResponse, 0, len(msg.Calls))
		for _, call := range msg.Calls {
			c.calls.Add(1)
			result := c.runHandler(ctx, call)
			responses = append(responses, live.FunctionResponse{ID: call.ID, Name: call.Name, Response: result})
			events = append(events, Event{Kind: EventFunctionCall, Call: call, Result: result})
		}
		if err := conn.SendToolResponse(ctx, responses); err != nil {
			c.logger.Error("liveclient: tool response not delivered", "err", err, "calls", len(responses))
			c.sendFailed(conn, err)
		}
		return events

	case live.MessageToolCallCancellation:
		c.logger.Info("liveclient: tool calls cancelled", "ids", msg.CancelledIDs)
		return []Event{{Kind: EventToolCallCancellation, CancelledIDs: msg.CancelledIDs}}

	case live.MessageError:
		c.logger.Warn("liveclient: service error", "message", msg.Text)
		return []Event{{Kind: EventError, Text: msg.Text}}

	case live.MessageSetupComplete:
		c.logger.Debug("liveclient: ignoring repeated setup acknowledgment")
	}
	return nil
}

func (c *Client) runHandler(ctx context.Context, call live.FunctionCall) map[string]any {
	if c.handler == nil {
		return map[string]any{"success": false, "error": "No function handler configured"}
	}
	result := c.handler(ctx, call)
	if result == nil {
		result = map[string]any{}
	}
	return result
}

// reconnect marks the client Failed, drops old and re-runs Initialize under
// the retry policy. It reports whether a Ready connection was restored.
func (c *Client) reconnect(ctx context.Context, old live.Conn, cause error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if old != nil && c.conn == old {
		c.conn = nil
	}
	c.state = StateFailed
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	c.logger.Warn("live connection lost, reconnecting", "err", cause, "max_attempts", c.cfg.Retry.Attempts())
	err := c.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		err := c.Initialize(ctx)
		c.metrics.RecordReconnect(ctx, err == nil)
		if err == nil {
			c.reconnects.Add(1)
			c.logger.Info("live connection restored", "attempt", attempt)
		} else {
			c.logger.Warn("reconnection attempt failed", "attempt", attempt, "err", err)
		}
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}, func(attempt int, delay time.Duration) {
		c.logger.Info("attempting reconnection", "attempt", attempt, "backoff", delay)
	})

	if _, ok := c.readyConn(); ok {
		return true
	}
	c.mu.Lock()
	if !c.closed {
		c.state = StateFailed
	}
	c.mu.Unlock()
	if err != nil && ctx.Err() == nil {
		c.logger.Error("reconnection failed after max attempts", "err", err)
	}
	return false
}

// Close shuts the client down. It is idempotent and always leaves the client
// Disconnected, returning the transport's close error if any.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosing
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancelLife()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.setState(StateDisconnected)
	if err != nil {
		return fmt.Errorf("liveclient: close: %w", err)
	}
	return nil
}

// Metrics returns a snapshot of the client counters.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	m := Metrics{
		State:          c.state,
		ConnectedAt:    c.connectedAt,
		ConnectionTime: c.connectTime,
	}
	c.mu.Unlock()
	m.AudioChunksSent = c.audioSent.Load()
	m.AudioChunksReceived = c.audioRecv.Load()
	m.AudioChunksDropped = c.audioDrop.Load()
	m.TextsSent = c.textSent.Load()
	m.FunctionCalls = c.calls.Load()
	m.Reconnects = c.reconnects.Load()
	return m
}
