// Package store defines persistence for submitted forms.
//
// Implementations live in sub-packages: memory for tests and single-node
// deployments, postgres for production. [Guarded] wraps any implementation
// with a circuit breaker so a failing database fails fast instead of
// stalling every submission.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voiceform/internal/form"
	"github.com/MrWong99/voiceform/internal/resilience"
)

var (
	// ErrNotFound is returned by Get for an unknown record id.
	ErrNotFound = errors.New("store: record not found")

	// ErrDuplicateID is returned by Save when the record id is taken.
	ErrDuplicateID = errors.New("store: duplicate record id")
)

// DefaultListLimit applies when List is called with limit <= 0.
const DefaultListLimit = 100

// Record is a persisted submission.
type Record struct {
	// ID is assigned by Save when empty.
	ID string `json:"id"`

	// SessionID identifies the voice session that submitted the form.
	SessionID string `json:"session_id,omitempty"`

	form.Submission

	// StoredAt is set by Save.
	StoredAt time.Time `json:"stored_at"`
}

// SubmissionStore persists submitted forms. Implementations must be safe for
// concurrent use.
type SubmissionStore interface {
	// Save stores rec and returns it with ID and StoredAt filled in.
	Save(ctx context.Context, rec Record) (Record, error)

	// Get returns the record with id, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// List returns up to limit records, newest first. A non-empty formType
	// filters by form type.
	List(ctx context.Context, formType string, limit int) ([]Record, error)
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Guarded wraps a SubmissionStore with a circuit breaker. ErrNotFound does
// not count as a failure.
type Guarded struct {
	inner   SubmissionStore
	breaker *resilience.Breaker
}

var _ SubmissionStore = (*Guarded)(nil)

// NewGuarded wraps inner with b.
func NewGuarded(inner SubmissionStore, b *resilience.Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: b}
}

// Breaker returns the breaker guarding the store.
func (g *Guarded) Breaker() *resilience.Breaker { return g.breaker }

func (g *Guarded) Save(ctx context.Context, rec Record) (Record, error) {
	var out Record
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.inner.Save(ctx, rec)
		return err
	})
	if err != nil {
		return Record{}, fmt.Errorf("store: save: %w", err)
	}
	return out, nil
}

func (g *Guarded) Get(ctx context.Context, id string) (Record, error) {
	var (
		out      Record
		notFound bool
	)
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.inner.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			notFound = true
			return nil
		}
		return err
	})
	if notFound {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: get: %w", err)
	}
	return out, nil
}

func (g *Guarded) List(ctx context.Context, formType string, limit int) ([]Record, error) {
	var out []Record
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.inner.List(ctx, formType, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

// Ping forwards to the wrapped store when it implements [Pinger]. It bypasses
// the breaker so health checks see the real state.
func (g *Guarded) Ping(ctx context.Context) error {
	if p, ok := g.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
