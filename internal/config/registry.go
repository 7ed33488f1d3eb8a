package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voiceform/pkg/provider/live"
	"github.com/MrWong99/voiceform/pkg/provider/live/gemini"
	"github.com/MrWong99/voiceform/pkg/provider/vad"
	"github.com/MrWong99/voiceform/pkg/provider/vad/energy"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	live map[string]func(LiveConfig) (live.Dialer, error)
	vad  map[string]func(VADConfig) (vad.Classifier, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live: make(map[string]func(LiveConfig) (live.Dialer, error)),
		vad:  make(map[string]func(VADConfig) (vad.Classifier, error)),
	}
}

// DefaultRegistry returns a [Registry] with the built-in providers:
// "gemini" for the live service and "energy" for voice activity.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterLive("gemini", func(c LiveConfig) (live.Dialer, error) {
		if c.APIKey == "" {
			return nil, fmt.Errorf("config: live provider gemini needs an API key (live.api_key or %s)", APIKeyEnv)
		}
		var opts []gemini.Option
		if c.Model != "" {
			opts = append(opts, gemini.WithModel(c.Model))
		}
		if c.Voice != "" {
			opts = append(opts, gemini.WithVoice(c.Voice))
		}
		if c.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(c.BaseURL))
		}
		return gemini.New(c.APIKey, opts...), nil
	})
	r.RegisterVAD("energy", func(c VADConfig) (vad.Classifier, error) {
		a := DefaultAggressiveness
		if c.Aggressiveness != nil {
			a = *c.Aggressiveness
		}
		return energy.New(a), nil
	})
	return r
}

// RegisterLive registers a live service dialer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(LiveConfig) (live.Dialer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterVAD registers a voice activity classifier factory under name.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Classifier, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateLive instantiates a dialer using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLive(entry LiveConfig) (live.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a classifier using the factory registered under
// entry.Name.
func (r *Registry) CreateVAD(entry VADConfig) (vad.Classifier, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
