// Package app wires all voiceform subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithDialer,
// WithClassifier, WithStore, ...). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voiceform/internal/audiostream"
	"github.com/MrWong99/voiceform/internal/config"
	"github.com/MrWong99/voiceform/internal/form"
	"github.com/MrWong99/voiceform/internal/gateway"
	"github.com/MrWong99/voiceform/internal/health"
	"github.com/MrWong99/voiceform/internal/liveclient"
	"github.com/MrWong99/voiceform/internal/observe"
	"github.com/MrWong99/voiceform/internal/resilience"
	"github.com/MrWong99/voiceform/internal/session"
	"github.com/MrWong99/voiceform/internal/store"
	"github.com/MrWong99/voiceform/internal/store/memory"
	"github.com/MrWong99/voiceform/internal/store/postgres"
	"github.com/MrWong99/voiceform/pkg/provider/live"
	"github.com/MrWong99/voiceform/pkg/provider/vad"
)

// serverShutdownTimeout bounds draining plain HTTP requests once Run's
// context ends. WebSocket sessions are stopped by Shutdown.
const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	registry   *config.Registry
	configPath string
	watchOpts  []config.WatcherOption
	level      *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	dialer     live.Dialer
	classifier vad.Classifier
	catalog    *form.Catalog
	store      store.SubmissionStore
	telemetry  *observe.Metrics
	metrics    *session.Metrics
	sessions   *SessionManager
	gateway    *gateway.Handler
	health     *health.Handler
	handler    http.Handler
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDialer injects a live service dialer instead of creating one from the
// registry.
func WithDialer(d live.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithClassifier injects a voice activity classifier.
func WithClassifier(c vad.Classifier) Option {
	return func(a *App) { a.classifier = c }
}

// WithStore injects a submission store instead of creating one from config.
func WithStore(s store.SubmissionStore) Option {
	return func(a *App) { a.store = s }
}

// WithRegistry replaces [config.DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithTelemetry injects the OpenTelemetry instruments.
func WithTelemetry(m *observe.Metrics) Option {
	return func(a *App) { a.telemetry = m }
}

// WithLogLevel lets config reloads change the log level of the handler
// built around lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigWatch reloads path while running. Log level and connection
// limit changes apply immediately; other changes are logged as needing a
// restart.
func WithConfigWatch(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.configPath = path
		a.watchOpts = opts
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: provider construction,
// catalog loading, store connection and migration, and HTTP route setup.
// The live service is not contacted until a client connects.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.DefaultRegistry()
	}
	if a.telemetry == nil {
		a.telemetry = observe.DefaultMetrics()
	}

	// ── 1. Providers ─────────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 2. Form catalog ──────────────────────────────────────────────────
	if err := a.initCatalog(); err != nil {
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 3. Submission store ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 4. Sessions + gateway ────────────────────────────────────────────
	a.initSessions()

	// ── 5. HTTP ──────────────────────────────────────────────────────────
	a.initHTTP()

	// ── 6. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange, a.watchOpts...)
		if err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}

	return a, nil
}

func (a *App) initProviders() error {
	if a.dialer == nil {
		d, err := a.registry.CreateLive(a.cfg.Live)
		if err != nil {
			return err
		}
		a.dialer = d
	}
	if a.classifier == nil {
		c, err := a.registry.CreateVAD(a.cfg.VAD)
		if err != nil {
			return err
		}
		a.classifier = c
	}
	return nil
}

func (a *App) initCatalog() error {
	if a.cfg.Forms.CatalogFile == "" {
		a.catalog = form.DefaultCatalog()
		return nil
	}
	c, err := form.LoadCatalogFile(a.cfg.Forms.CatalogFile)
	if err != nil {
		return err
	}
	a.catalog = c
	slog.Info("form catalog loaded", "path", a.cfg.Forms.CatalogFile, "templates", len(c.Types()))
	return nil
}

// initStore connects PostgreSQL when a DSN is configured and keeps
// submissions in memory otherwise. Database stores are wrapped in a circuit
// breaker so an outage fails submissions fast.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.Store.PostgresDSN == "" {
		a.store = memory.New()
		return nil
	}
	pg, err := postgres.Open(ctx, a.cfg.Store.PostgresDSN)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { pg.Close(); return nil })
	a.store = store.NewGuarded(pg, resilience.NewBreaker(resilience.BreakerConfig{
		Name:         "postgres",
		MaxFailures:  a.cfg.Store.Breaker.MaxFailures,
		ResetTimeout: a.cfg.Store.Breaker.ResetTimeout,
	}))
	slog.Info("submission store connected", "backend", "postgres")
	return nil
}

func (a *App) initSessions() {
	a.metrics = session.NewMetrics(a.cfg.Session.LatencyWindow)

	lc := a.cfg.Live
	aggr := config.DefaultAggressiveness
	if a.cfg.VAD.Aggressiveness != nil {
		aggr = *a.cfg.VAD.Aggressiveness
	}
	base := session.Config{
		Dialer:     a.dialer,
		Classifier: a.classifier,
		Catalog:    a.catalog,
		Store:      a.store,
		Metrics:    a.metrics,
		Telemetry:  a.telemetry,
		Live: liveclient.Config{
			Session: live.SessionConfig{
				Model:        lc.Model,
				Voice:        lc.Voice,
				Instructions: lc.Instructions,
			},
			HandshakeTimeout: lc.HandshakeTimeout,
			Retry: resilience.RetryPolicy{
				MaxAttempts: lc.Retry.MaxAttempts,
				Backoff:     lc.Retry.Backoff,
				MaxBackoff:  lc.Retry.MaxBackoff,
			},
		},
		Audio: audiostream.Config{
			Config: vad.Config{
				Aggressiveness:  aggr,
				SampleRate:      a.cfg.Audio.SampleRate,
				FrameDurationMs: a.cfg.Audio.FrameDurationMs,
			},
			SilenceThreshold: a.cfg.Audio.SilenceThreshold,
		},
		AudioQueue: a.cfg.Audio.QueueSize,
	}
	a.sessions = NewSessionManager(base, a.cfg.Server.MaxConnections)
	a.gateway = gateway.New(gateway.Config{
		Sessions:       a.sessions,
		Catalog:        a.catalog,
		Metrics:        a.metrics,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	})
}

func (a *App) initHTTP() {
	checkers := []health.Checker{
		health.Capacity("sessions",
			func() int64 { return int64(a.sessions.Count()) },
			a.sessions.Limit),
	}
	if p, ok := a.store.(store.Pinger); ok {
		checkers = append(checkers, health.Ping("store", p))
	}
	if g, ok := a.store.(*store.Guarded); ok {
		checkers = append(checkers, health.BreakerClosed("store_breaker", g.Breaker()))
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	a.gateway.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	a.handler = observe.Middleware(a.telemetry)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// onConfigChange applies hot-reloadable settings from a config reload.
func (a *App) onConfigChange(_, next *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(next.Server.LogLevel.Level())
		slog.Info("log level changed", "level", next.Server.LogLevel)
	}
	if diff.MaxConnectionsChanged {
		a.sessions.SetLimit(diff.NewMaxConnections)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", diff.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled.
// It returns ctx.Err() after a clean stop or the first serve error.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(sctx)
	})

	slog.Info("app running", "addr", ln.Addr().String(), "max_connections", a.sessions.Limit())
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops every voice session, then runs the closers (store, config
// watcher). It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Count(), "closers", len(a.closers))

		if err := a.sessions.CloseAll(ctx); err != nil {
			slog.Warn("session close errors", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, c := range a.closers {
		_ = c()
	}
}
