// Package audiostream turns an arbitrary-sized PCM16 byte stream into
// voice-activity events.
//
// A [Processor] buffers inbound bytes, cuts them into fixed VAD frames,
// classifies each frame, tracks a speaking/silent state with hysteresis and
// emits preprocessed frames to a [Handler] while the speaker is talking.
// Feed and ProcessSingleChunk are meant to be driven by a single goroutine;
// State and Stats may be read from anywhere.
package audiostream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voiceform/internal/observe"
	"github.com/MrWong99/voiceform/pkg/audio"
	"github.com/MrWong99/voiceform/pkg/provider/vad"
)

// DefaultSilenceThreshold is how long silence must last before an active
// utterance is considered finished.
const DefaultSilenceThreshold = 500 * time.Millisecond

// Chunk is a preprocessed audio frame handed to [Handler.OnAudioChunk].
type Chunk struct {
	audio.Frame

	// IsSpeech is the classifier's verdict for this frame. The frame that
	// ends an utterance is emitted with IsSpeech false.
	IsSpeech bool
}

// Handler receives voice-activity events. Errors are logged by the processor
// and never stop the stream.
type Handler interface {
	OnVoiceStart(ctx context.Context) error
	OnVoiceEnd(ctx context.Context) error
	OnAudioChunk(ctx context.Context, chunk Chunk) error
}

// HandlerFuncs implements [Handler] with optional callbacks. Nil fields are
// skipped.
type HandlerFuncs struct {
	VoiceStart func(ctx context.Context) error
	VoiceEnd   func(ctx context.Context) error
	AudioChunk func(ctx context.Context, chunk Chunk) error
}

var _ Handler = HandlerFuncs{}

func (h HandlerFuncs) OnVoiceStart(ctx context.Context) error {
	if h.VoiceStart == nil {
		return nil
	}
	return h.VoiceStart(ctx)
}

func (h HandlerFuncs) OnVoiceEnd(ctx context.Context) error {
	if h.VoiceEnd == nil {
		return nil
	}
	return h.VoiceEnd(ctx)
}

func (h HandlerFuncs) OnAudioChunk(ctx context.Context, chunk Chunk) error {
	if h.AudioChunk == nil {
		return nil
	}
	return h.AudioChunk(ctx, chunk)
}

// Config controls framing and hysteresis.
type Config struct {
	vad.Config

	// SilenceThreshold is the cumulative silence that ends an utterance.
	SilenceThreshold time.Duration
}

// DefaultConfig returns 16 kHz, 20 ms frames and a 500 ms silence threshold.
func DefaultConfig() Config {
	return Config{Config: vad.DefaultConfig(), SilenceThreshold: DefaultSilenceThreshold}
}

// VoiceActivityState is the hysteresis state of a stream.
type VoiceActivityState struct {
	IsSpeaking      bool
	SilenceDuration time.Duration
}

// Result summarises one Feed or ProcessSingleChunk call.
type Result struct {
	// Success is false when the call stopped early. Err holds the cause and
	// BufferSize/IsSpeaking the last known state.
	Success bool
	Err     error

	// FramesProcessed counts frames classified during this call.
	FramesProcessed int

	// ChunksEmitted counts chunks handed to OnAudioChunk during this call.
	ChunksEmitted int

	// BufferSize is the number of bytes left waiting for a full frame.
	BufferSize int

	IsSpeaking bool

	// VoiceActivity is the verdict for the classified chunk. Only set by
	// ProcessSingleChunk.
	VoiceActivity bool

	// Skipped is set when ProcessSingleChunk received no data.
	Skipped bool

	Elapsed time.Duration
}

// Stats are cumulative counters for a processor.
type Stats struct {
	Calls             int64
	FramesClassified  int64
	SpeechFrames      int64
	SilenceFrames     int64
	VoiceStarts       int64
	VoiceEnds         int64
	ChunksEmitted     int64
	AvgProcessingTime time.Duration
	BufferSize        int
	VoiceActivityState
}

// Processor buffers audio, runs voice activity detection and emits events.
type Processor struct {
	cfg        Config
	frameBytes int
	frameDur   time.Duration
	classifier vad.Classifier
	handler    Handler
	logger     *slog.Logger
	metrics    *observe.Metrics

	mu        sync.Mutex
	buf       []byte
	state     VoiceActivityState
	stats     Stats
	totalTime time.Duration
	streamPos time.Duration
}

// Option configures a [Processor].
type Option func(*Processor)

// WithHandler sets the event handler. Without one, events are dropped.
func WithHandler(h Handler) Option {
	return func(p *Processor) { p.handler = h }
}

// WithLogger sets the logger used for handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithMetrics records every classified frame into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// New creates a Processor. Zero fields in cfg fall back to [DefaultConfig].
func New(cfg Config, classifier vad.Classifier, opts ...Option) *Processor {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FrameDurationMs <= 0 {
		cfg.FrameDurationMs = def.FrameDurationMs
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	p := &Processor{
		cfg:        cfg,
		frameBytes: cfg.FrameBytes(),
		frameDur:   time.Duration(cfg.FrameDurationMs) * time.Millisecond,
		classifier: classifier,
		handler:    HandlerFuncs{},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// FrameBytes returns the VAD frame size in bytes.
func (p *Processor) FrameBytes() int { return p.frameBytes }

// SampleRate returns the PCM sample rate in Hz.
func (p *Processor) SampleRate() int { return p.cfg.SampleRate }

// Feed appends data to the buffer and processes every complete frame.
// Leftover bytes stay buffered for the next call. Frames are emitted while
// the speaker is talking and on the frames that start or end an utterance.
func (p *Processor) Feed(ctx context.Context, data []byte) Result {
	start := time.Now()
	var res Result

	p.mu.Lock()
	p.buf = append(p.buf, data...)
	p.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return p.fail(res, err, start)
		}
		frame, ts, ok := p.nextFrame()
		if !ok {
			break
		}
		speech := p.classifier.IsSpeech(frame, p.cfg.SampleRate)
		speaking, changed := p.observe(ctx, speech)
		res.FramesProcessed++
		if speaking || changed {
			p.emit(ctx, frame, speech, ts)
			res.ChunksEmitted++
		}
	}

	return p.finish(res, start)
}

// ProcessSingleChunk classifies a chunk that is already roughly one frame in
// size. Empty input is skipped. Short input is zero-padded to a full frame.
// Only the first frame of a longer chunk is classified, but the whole chunk is
// emitted. The internal buffer is not touched.
func (p *Processor) ProcessSingleChunk(ctx context.Context, data []byte) Result {
	start := time.Now()
	if len(data) == 0 {
		return p.finish(Result{Skipped: true}, start)
	}
	if err := ctx.Err(); err != nil {
		return p.fail(Result{}, err, start)
	}
	if len(data) < p.frameBytes {
		p.logger.Debug("audiostream: padding short chunk", "bytes", len(data), "frame_bytes", p.frameBytes)
		data = audio.PadTo(data, p.frameBytes)
	}

	speech := p.classifier.IsSpeech(data[:p.frameBytes], p.cfg.SampleRate)
	p.mu.Lock()
	ts := p.streamPos
	p.streamPos += p.frameDur
	p.mu.Unlock()

	speaking, changed := p.observe(ctx, speech)
	res := Result{FramesProcessed: 1, VoiceActivity: speech}
	if speaking || changed {
		p.emit(ctx, data, speech, ts)
		res.ChunksEmitted = 1
	}
	return p.finish(res, start)
}

// State returns the current hysteresis state.
func (p *Processor) State() VoiceActivityState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a snapshot of the cumulative counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.BufferSize = len(p.buf)
	s.VoiceActivityState = p.state
	if s.Calls > 0 {
		s.AvgProcessingTime = p.totalTime / time.Duration(s.Calls)
	}
	return s
}

// Reset drops buffered audio and returns to the silent state. Counters are
// kept.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = p.buf[:0]
	p.state = VoiceActivityState{}
	p.logger.Debug("audiostream: state reset")
}

func (p *Processor) nextFrame() ([]byte, time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) < p.frameBytes {
		return nil, 0, false
	}
	frame := make([]byte, p.frameBytes)
	copy(frame, p.buf)
	p.buf = append(p.buf[:0], p.buf[p.frameBytes:]...)
	ts := p.streamPos
	p.streamPos += p.frameDur
	return frame, ts, true
}

// observe applies one classification to the hysteresis state and fires the
// start/end callbacks. It reports whether the stream is speaking afterwards
// and whether this frame changed the state.
func (p *Processor) observe(ctx context.Context, speech bool) (speaking, changed bool) {
	var started, ended bool

	p.mu.Lock()
	p.stats.FramesClassified++
	if speech {
		p.stats.SpeechFrames++
		p.state.SilenceDuration = 0
		if !p.state.IsSpeaking {
			p.state.IsSpeaking = true
			p.stats.VoiceStarts++
			started = true
		}
	} else {
		p.stats.SilenceFrames++
		p.state.SilenceDuration += p.frameDur
		if p.state.IsSpeaking && p.state.SilenceDuration >= p.cfg.SilenceThreshold {
			p.state.IsSpeaking = false
			p.state.SilenceDuration = 0
			p.stats.VoiceEnds++
			ended = true
		}
	}
	speaking = p.state.IsSpeaking
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordFrame(ctx, speech)
	}

	switch {
	case started:
		p.logger.Debug("audiostream: voice activity started")
		if err := p.handler.OnVoiceStart(ctx); err != nil {
			p.logger.Warn("audiostream: voice start handler failed", "err", err)
		}
	case ended:
		p.logger.Debug("audiostream: voice activity ended")
		if err := p.handler.OnVoiceEnd(ctx); err != nil {
			p.logger.Warn("audiostream: voice end handler failed", "err", err)
		}
	}
	return speaking, started || ended
}

func (p *Processor) emit(ctx context.Context, pcm []byte, speech bool, ts time.Duration) {
	chunk := Chunk{
		Frame:    audio.Frame{Data: audio.Preprocess(pcm), SampleRate: p.cfg.SampleRate, Timestamp: ts},
		IsSpeech: speech,
	}
	p.mu.Lock()
	p.stats.ChunksEmitted++
	p.mu.Unlock()
	if err := p.handler.OnAudioChunk(ctx, chunk); err != nil {
		p.logger.Warn("audiostream: audio chunk handler failed", "err", err, "bytes", len(chunk.Data))
	}
}

func (p *Processor) finish(res Result, start time.Time) Result {
	res.Success = true
	res.Elapsed = time.Since(start)
	p.mu.Lock()
	p.stats.Calls++
	p.totalTime += res.Elapsed
	res.BufferSize = len(p.buf)
	res.IsSpeaking = p.state.IsSpeaking
	p.mu.Unlock()
	return res
}

func (p *Processor) fail(res Result, err error, start time.Time) Result {
	res.Success = false
	res.Err = err
	res.Elapsed = time.Since(start)
	p.mu.Lock()
	res.BufferSize = len(p.buf)
	res.IsSpeaking = p.state.IsSpeaking
	p.mu.Unlock()
	p.logger.Warn("audiostream: processing stopped", "err", err, "buffered", res.BufferSize)
	return res
}
