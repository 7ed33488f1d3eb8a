// Package session runs one voice conversation end to end.
//
// An [Orchestrator] owns the per-session pieces: an audio stream processor
// that turns inbound PCM into voice activity, a live client connected to the
// speech service, a form manager and the tool registry the service calls
// into. Inbound audio is queued in order and processed by a single goroutine;
// a second goroutine consumes live events. Everything the caller needs to see
// is delivered to a [Sink] as an [Event].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voiceform/internal/audiostream"
	"github.com/MrWong99/voiceform/internal/form"
	"github.com/MrWong99/voiceform/internal/liveclient"
	"github.com/MrWong99/voiceform/internal/observe"
	"github.com/MrWong99/voiceform/internal/store"
	"github.com/MrWong99/voiceform/internal/tools"
	"github.com/MrWong99/voiceform/internal/tools/formtool"
	"github.com/MrWong99/voiceform/pkg/provider/live"
	"github.com/MrWong99/voiceform/pkg/provider/vad"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("session: stopped")

	// ErrNotRunning is returned by HandleAudio outside a running session.
	ErrNotRunning = errors.New("session: not running")

	// ErrConnectionLost is reported by Wait when the live connection could
	// not be restored.
	ErrConnectionLost = errors.New("session: live connection lost")
)

// DefaultAudioQueue is the number of inbound audio chunks buffered before
// HandleAudio blocks.
const DefaultAudioQueue = 64

// DefaultInstructions is the system prompt used when none is configured.
const DefaultInstructions = "You are a friendly voice assistant that helps people fill out forms by talking. " +
	"Open the right form, fill one field at a time as the user speaks, confirm what you heard, " +
	"validate before submitting and only submit once the user agrees. Keep replies short."

// Config configures an [Orchestrator].
type Config struct {
	// ID identifies the session in logs and events. A random UUID is used
	// when empty.
	ID string

	// Dialer opens the live connection. Required.
	Dialer live.Dialer

	// Classifier runs voice activity detection. Required.
	Classifier vad.Classifier

	// Sink receives session events. Required.
	Sink Sink

	// Catalog lists the form templates. Defaults to [form.DefaultCatalog].
	Catalog *form.Catalog

	// Store persists submitted forms. Optional.
	Store store.SubmissionStore

	// Metrics is shared by every session of the process. A private instance
	// is created when nil.
	Metrics *Metrics

	// Telemetry records OpenTelemetry instruments. Defaults to
	// [observe.DefaultMetrics].
	Telemetry *observe.Metrics

	// Live configures the live client. Tools and the input sample rate are
	// filled in by New.
	Live liveclient.Config

	// Audio configures framing and voice activity hysteresis.
	Audio audiostream.Config

	// AudioQueue bounds the inbound audio queue. Default 64.
	AudioQueue int
}

type runState int

const (
	stateIdle runState = iota
	stateRunning
	stateStopped
)

// Orchestrator coordinates one session. Create with [New], then Start, feed
// audio with HandleAudio and finish with Stop. All methods are safe for
// concurrent use.
type Orchestrator struct {
	id        string
	sink      Sink
	store     store.SubmissionStore
	shared    *Metrics
	telemetry *observe.Metrics
	logger    *slog.Logger

	forms    *form.Manager
	registry *tools.Registry
	client   *liveclient.Client
	proc     *audiostream.Processor

	audio chan []byte

	mu        sync.Mutex
	state     runState
	connected bool
	cancel    context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	err      error

	stopOnce sync.Once
	stopErr  error
}

// New builds an idle Orchestrator. No connection is made until Start.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Dialer == nil:
		return nil, errors.New("session: dialer is required")
	case cfg.Classifier == nil:
		return nil, errors.New("session: classifier is required")
	case cfg.Sink == nil:
		return nil, errors.New("session: sink is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = form.DefaultCatalog()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(0)
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = observe.DefaultMetrics()
	}
	if cfg.AudioQueue <= 0 {
		cfg.AudioQueue = DefaultAudioQueue
	}

	o := &Orchestrator{
		id:        cfg.ID,
		sink:      cfg.Sink,
		store:     cfg.Store,
		shared:    cfg.Metrics,
		telemetry: cfg.Telemetry,
		logger:    slog.Default().With("session_id", cfg.ID),
		forms:     form.NewManager(cfg.Catalog),
		registry:  tools.NewRegistry(tools.WithMetrics(cfg.Telemetry)),
		audio:     make(chan []byte, cfg.AudioQueue),
		done:      make(chan struct{}),
	}

	ftOpts := []formtool.Option{formtool.WithMetrics(cfg.Telemetry)}
	if cfg.Store != nil {
		ftOpts = append(ftOpts, formtool.WithSubmitter(o.save))
	}
	if err := o.registry.Register(formtool.Tools(o.forms, ftOpts...)...); err != nil {
		return nil, fmt.Errorf("session: register form tools: %w", err)
	}
	if err := o.registry.Register(o.metricsTool()); err != nil {
		return nil, fmt.Errorf("session: register metrics tool: %w", err)
	}

	o.proc = audiostream.New(cfg.Audio, cfg.Classifier,
		audiostream.WithHandler(audiostream.HandlerFuncs{
			VoiceStart: o.voiceStart,
			VoiceEnd:   o.voiceEnd,
			AudioChunk: o.audioChunk,
		}),
		audiostream.WithMetrics(cfg.Telemetry),
		audiostream.WithLogger(o.logger),
	)

	lc := cfg.Live
	lc.Session.Tools = o.registry.Definitions()
	if lc.Session.InputSampleRate <= 0 {
		lc.Session.InputSampleRate = o.proc.SampleRate()
	}
	if lc.Session.Instructions == "" {
		lc.Session.Instructions = DefaultInstructions
	}
	o.client = liveclient.New(cfg.Dialer, lc,
		liveclient.WithFunctionHandler(func(ctx context.Context, call live.FunctionCall) map[string]any {
			return o.callTool(ctx, call.Name, call.Args)
		}),
		liveclient.WithMetrics(cfg.Telemetry),
		liveclient.WithLogger(o.logger),
	)
	return o, nil
}

// ID returns the session identifier.
func (o *Orchestrator) ID() string { return o.id }

// SampleRate is the PCM16 mono rate HandleAudio expects.
func (o *Orchestrator) SampleRate() int { return o.proc.SampleRate() }

// Forms returns the session's form manager.
func (o *Orchestrator) Forms() *form.Manager { return o.forms }

// Start counts the session as an active connection, connects the live
// client and launches the listen and audio goroutines. It returns once the
// handshake has finished; ctx bounds both the handshake and the session. On
// a failed handshake the connection count is restored and Start may be
// retried.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case stateRunning:
		o.mu.Unlock()
		return ErrAlreadyStarted
	case stateStopped:
		o.mu.Unlock()
		return ErrStopped
	}
	o.state = stateRunning
	o.connected = true
	o.mu.Unlock()

	ctx = observe.WithSessionID(ctx, o.id)
	o.shared.connected()
	o.telemetry.SessionStarted(ctx)

	if err := o.client.Initialize(ctx); err != nil {
		o.disconnect(ctx)
		o.mu.Lock()
		if o.state == stateRunning {
			o.state = stateIdle
		}
		o.mu.Unlock()
		return fmt.Errorf("session: start: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	if o.state == stateStopped {
		o.mu.Unlock()
		cancel()
		return ErrStopped
	}
	o.cancel = cancel
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	events := o.client.Listen(gctx)
	g.Go(func() error { return o.listen(gctx, events) })
	g.Go(func() error { return o.pump(gctx) })
	go func() { o.finish(g.Wait()) }()

	o.logger.Info("voice session started")
	return nil
}

// HandleAudio queues one chunk of PCM16 audio. Chunks are processed in the
// order they were queued; the data is copied. HandleAudio blocks while the
// queue is full.
func (o *Orchestrator) HandleAudio(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	o.mu.Lock()
	running := o.state == stateRunning
	o.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	select {
	case o.audio <- slices.Clone(data):
		return nil
	case <-o.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendText sends a text turn to the live service.
func (o *Orchestrator) SendText(ctx context.Context, text string) error {
	return o.client.SendText(observe.WithSessionID(ctx, o.id), text)
}

// Interrupt discards queued audio and resets voice activity so the next
// utterance starts clean. It returns the number of chunks discarded.
func (o *Orchestrator) Interrupt(ctx context.Context) int {
	drained := 0
drain:
	for {
		select {
		case <-o.audio:
			drained++
		default:
			break drain
		}
	}
	o.proc.Reset()
	observe.Logger(observe.WithSessionID(ctx, o.id)).Info("interruption handled", "dropped_chunks", drained)
	return drained
}

// CallFunction runs a tool directly, the same way the live service would.
func (o *Orchestrator) CallFunction(ctx context.Context, name string, args map[string]any) map[string]any {
	return o.callTool(ctx, name, args)
}

// Done is closed once the session goroutines have exited, either because
// Stop was called or because the live connection was lost for good.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Wait blocks until Done and returns why the goroutines exited: nil after
// Stop, [ErrConnectionLost] when reconnection gave up.
func (o *Orchestrator) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the session. It cancels the goroutines, closes the live client
// and releases the connection count. Every step runs even if an earlier one
// fails. Stop is idempotent; later calls return the first result.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() { o.stopErr = o.stop(ctx) })
	return o.stopErr
}

func (o *Orchestrator) stop(ctx context.Context) error {
	ctx = observe.WithSessionID(ctx, o.id)

	o.mu.Lock()
	o.state = stateStopped
	cancel := o.cancel
	o.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if err := o.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if cancel != nil {
		select {
		case <-o.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("session: wait for goroutines: %w", ctx.Err()))
		}
	} else {
		o.finish(nil)
	}
	o.disconnect(ctx)

	err := errors.Join(errs...)
	if err != nil {
		observe.Logger(ctx).Warn("voice session stopped with errors", "err", err)
		return err
	}
	observe.Logger(ctx).Info("voice session stopped")
	return nil
}

// disconnect releases the connection count once.
func (o *Orchestrator) disconnect(ctx context.Context) {
	o.mu.Lock()
	was := o.connected
	o.connected = false
	o.mu.Unlock()
	if was {
		o.shared.disconnected()
		o.telemetry.SessionEnded(ctx)
	}
}

func (o *Orchestrator) finish(err error) {
	o.doneOnce.Do(func() {
		o.err = err
		close(o.done)
	})
}

// ── Goroutines ─────────────────────────────────────────────────────────────

// listen routes live events until the channel closes. A close that was not
// caused by cancellation means reconnection gave up.
func (o *Orchestrator) listen(ctx context.Context, events <-chan liveclient.Event) error {
	for ev := range events {
		o.route(ctx, ev)
	}
	if ctx.Err() != nil {
		return nil
	}
	o.logger.Error("live connection lost, ending session")
	o.emit(ctx, Event{Type: EventError, Text: "Live connection lost"})
	return ErrConnectionLost
}

// pump feeds queued audio to the processor in order.
func (o *Orchestrator) pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-o.audio:
			if res := o.proc.Feed(ctx, data); !res.Success && ctx.Err() == nil {
				o.logger.Warn("audio processing failed", "err", res.Err, "bytes", len(data))
			}
		}
	}
}

func (o *Orchestrator) route(ctx context.Context, ev liveclient.Event) {
	switch ev.Kind {
	case liveclient.EventAudioResponse:
		if ev.Latency > 0 {
			o.shared.RecordLatency(ev.Latency)
			o.telemetry.RecordLatency(ctx, ev.Latency)
		}
		o.emit(ctx, Event{Type: EventAudioResponse, Audio: ev.Audio, MIMEType: ev.MIMEType, Latency: ev.Latency})
	case liveclient.EventTextResponse:
		o.emit(ctx, Event{Type: EventTextResponse, Text: ev.Text})
	case liveclient.EventFunctionCall:
		o.emit(ctx, Event{
			Type:         EventFunctionResult,
			FunctionName: ev.Call.Name,
			Args:         ev.Call.Args,
			Result:       ev.Result,
		})
	case liveclient.EventToolCallCancellation:
		o.logger.Info("tool calls cancelled by service", "ids", ev.CancelledIDs)
	case liveclient.EventError:
		o.emit(ctx, Event{Type: EventError, Text: ev.Text})
	}
}

func (o *Orchestrator) emit(ctx context.Context, ev Event) {
	ev.SessionID = o.id
	ev.Time = time.Now()
	if err := o.sink.Send(ctx, ev); err != nil {
		o.logger.Warn("event delivery failed", "type", string(ev.Type), "err", err)
	}
}

// ── Audio callbacks ────────────────────────────────────────────────────────

func (o *Orchestrator) voiceStart(ctx context.Context) error {
	o.emit(ctx, Event{Type: EventVoiceStart})
	return nil
}

func (o *Orchestrator) voiceEnd(ctx context.Context) error {
	o.emit(ctx, Event{Type: EventVoiceEnd})
	return nil
}

// audioChunk reports every emitted chunk and forwards speech to the live
// service.
func (o *Orchestrator) audioChunk(ctx context.Context, c audiostream.Chunk) error {
	o.emit(ctx, Event{Type: EventAudioChunk, Audio: c.Data, IsSpeech: c.IsSpeech})
	if !c.IsSpeech {
		return nil
	}
	return o.client.SendAudioChunk(ctx, c.Data)
}

// ── Tools ──────────────────────────────────────────────────────────────────

func (o *Orchestrator) callTool(ctx context.Context, name string, args map[string]any) map[string]any {
	o.shared.toolCalled()
	return o.registry.Call(observe.WithSessionID(ctx, o.id), name, args)
}

func (o *Orchestrator) metricsTool() tools.Tool {
	return tools.Tool{
		Definition: live.ToolDefinition{
			Name:        "get_metrics",
			Description: "Get current performance metrics",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
		Handler: func(context.Context, map[string]any) map[string]any {
			return map[string]any{"success": true, "metrics": o.Stats()}
		},
	}
}

// save persists a submission under this session.
func (o *Orchestrator) save(ctx context.Context, sub form.Submission) error {
	rec, err := o.store.Save(ctx, store.Record{SessionID: o.id, Submission: sub})
	if err != nil {
		return fmt.Errorf("session: store submission: %w", err)
	}
	observe.Logger(ctx).Info("submission stored", "record_id", rec.ID, "form_id", sub.FormID)
	return nil
}
