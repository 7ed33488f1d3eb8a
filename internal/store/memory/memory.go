// Package memory provides an in-memory [store.SubmissionStore].
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voiceform/internal/store"
)

var _ store.SubmissionStore = (*Store)(nil)

// Store is a thread-safe in-memory submission store. The zero value is ready
// to use.
type Store struct {
	mu      sync.RWMutex
	records map[string]store.Record
	now     func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]store.Record)}
}

func (s *Store) Save(_ context.Context, rec store.Record) (store.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	rec.StoredAt = now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = make(map[string]store.Record)
	}
	if _, exists := s.records[rec.ID]; exists {
		return store.Record{}, store.ErrDuplicateID
	}
	s.records[rec.ID] = rec
	return rec, nil
}

func (s *Store) Get(_ context.Context, id string) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *Store) List(_ context.Context, formType string, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	s.mu.RLock()
	out := make([]store.Record, 0, len(s.records))
	for _, rec := range s.records {
		if formType == "" || rec.FormType == formType {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b store.Record) int {
		if c := b.StoredAt.Compare(a.StoredAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
