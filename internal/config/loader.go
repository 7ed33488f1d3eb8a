package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live": {"gemini"},
	"vad":  {"energy"},
}

var (
	validSampleRates     = []int{8000, 16000, 32000, 48000}
	validFrameDurationMs = []int{10, 20, 30}
)

// Load reads the YAML configuration file at path, fills secrets from the
// environment and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.Getenv)
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted. An empty document
// yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills values the file left empty from the environment.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg.Live.APIKey == "" {
		cfg.Live.APIKey = getenv(APIKeyEnv)
	}
}

// ApplyDefaults fills zero fields. Negative values are left for [Validate]
// to report.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.MaxConnections, DefaultMaxConnections)

	setDefault(&cfg.Live.Name, DefaultLiveProvider)
	setDefault(&cfg.Live.HandshakeTimeout, DefaultHandshakeTimeout)

	setDefault(&cfg.VAD.Name, DefaultVADProvider)
	if cfg.VAD.Aggressiveness == nil {
		a := DefaultAggressiveness
		cfg.VAD.Aggressiveness = &a
	}

	setDefault(&cfg.Audio.SampleRate, DefaultSampleRate)
	setDefault(&cfg.Audio.FrameDurationMs, DefaultFrameDurationMs)
	setDefault(&cfg.Audio.SilenceThreshold, DefaultSilenceThreshold)
	setDefault(&cfg.Audio.QueueSize, DefaultAudioQueue)

	setDefault(&cfg.Session.LatencyWindow, DefaultLatencyWindow)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("server.max_connections %d must not be negative", cfg.Server.MaxConnections))
	}

	// Providers
	validateProviderName("live", cfg.Live.Name)
	validateProviderName("vad", cfg.VAD.Name)
	if cfg.Live.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("live.handshake_timeout %s must not be negative", cfg.Live.HandshakeTimeout))
	}
	r := cfg.Live.Retry
	if r.MaxAttempts < 0 || r.Backoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("live.retry values must not be negative"))
	}
	if r.Backoff > 0 && r.MaxBackoff > 0 && r.MaxBackoff < r.Backoff {
		errs = append(errs, fmt.Errorf("live.retry.max_backoff %s is shorter than backoff %s", r.MaxBackoff, r.Backoff))
	}
	if a := cfg.VAD.Aggressiveness; a != nil && (*a < 0 || *a > 3) {
		errs = append(errs, fmt.Errorf("vad.aggressiveness %d is out of range [0, 3]", *a))
	}

	// Audio
	if cfg.Audio.SampleRate != 0 && !slices.Contains(validSampleRates, cfg.Audio.SampleRate) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is invalid; valid values: %v", cfg.Audio.SampleRate, validSampleRates))
	}
	if cfg.Audio.FrameDurationMs != 0 && !slices.Contains(validFrameDurationMs, cfg.Audio.FrameDurationMs) {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d is invalid; valid values: %v", cfg.Audio.FrameDurationMs, validFrameDurationMs))
	}
	if cfg.Audio.SilenceThreshold < 0 {
		errs = append(errs, fmt.Errorf("audio.silence_threshold %s must not be negative", cfg.Audio.SilenceThreshold))
	}
	if cfg.Audio.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("audio.queue_size %d must not be negative", cfg.Audio.QueueSize))
	}

	// Session
	if cfg.Session.LatencyWindow < 0 {
		errs = append(errs, fmt.Errorf("session.latency_window %d must not be negative", cfg.Session.LatencyWindow))
	}

	// Store
	if b := cfg.Store.Breaker; b.MaxFailures < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("store.breaker values must not be negative"))
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; submissions are kept in memory only")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
