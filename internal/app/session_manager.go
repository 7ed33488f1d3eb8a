package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voiceform/internal/gateway"
	"github.com/MrWong99/voiceform/internal/session"
)

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// ClientID is the id the browser connected with.
	ClientID string

	// SessionID is the orchestrator's id.
	SessionID string

	// StartedAt is when the live handshake completed.
	StartedAt time.Time
}

type managedSession struct {
	info SessionInfo
	orch *session.Orchestrator
}

// SessionManager owns the voice sessions of all connected clients and
// enforces the connection limit. All exported methods are safe for
// concurrent use.
type SessionManager struct {
	base  session.Config
	limit atomic.Int64

	mu       sync.Mutex
	sessions map[string]*managedSession // nil value: slot reserved, starting
	closed   bool
}

var _ gateway.Sessions = (*SessionManager)(nil)

// NewSessionManager returns a manager that builds every session from base.
// base.ID and base.Sink are set per session. A limit of zero or less means
// unlimited.
func NewSessionManager(base session.Config, limit int) *SessionManager {
	sm := &SessionManager{
		base:     base,
		sessions: make(map[string]*managedSession),
	}
	sm.limit.Store(int64(limit))
	return sm
}

// Limit returns the current connection limit.
func (sm *SessionManager) Limit() int { return int(sm.limit.Load()) }

// SetLimit changes the connection limit. Existing sessions are kept even if
// they exceed the new limit.
func (sm *SessionManager) SetLimit(n int) {
	old := sm.limit.Swap(int64(n))
	if old != int64(n) {
		slog.Info("session limit changed", "old", old, "new", n)
	}
}

// Count returns the number of sessions, including ones still starting.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Active returns the metadata of every running session ordered by start
// time.
func (sm *SessionManager) Active() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		if s != nil {
			out = append(out, s.info)
		}
	}
	sm.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Open reserves a slot for clientID, builds a session that delivers events to
// sink and starts it. The slot is released if the start fails.
func (sm *SessionManager) Open(ctx context.Context, clientID string, sink session.Sink) (*session.Orchestrator, error) {
	if err := sm.reserve(clientID); err != nil {
		return nil, err
	}

	cfg := sm.base
	cfg.ID = ""
	cfg.Sink = sink
	orch, err := session.New(cfg)
	if err != nil {
		sm.release(clientID)
		return nil, fmt.Errorf("app: new session: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		sm.release(clientID)
		_ = orch.Stop(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("app: start session: %w", err)
	}

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		_ = orch.Stop(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("app: start session: %w", session.ErrStopped)
	}
	sm.sessions[clientID] = &managedSession{
		info: SessionInfo{ClientID: clientID, SessionID: orch.ID(), StartedAt: time.Now().UTC()},
		orch: orch,
	}
	sm.mu.Unlock()

	slog.Info("session opened", "client_id", clientID, "session_id", orch.ID())
	return orch, nil
}

func (sm *SessionManager) reserve(clientID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return fmt.Errorf("app: open session: %w", session.ErrStopped)
	}
	if _, ok := sm.sessions[clientID]; ok {
		return gateway.ErrClientConnected
	}
	if limit := sm.Limit(); limit > 0 && len(sm.sessions) >= limit {
		return gateway.ErrAtCapacity
	}
	sm.sessions[clientID] = nil
	return nil
}

func (sm *SessionManager) release(clientID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, clientID)
}

// Close stops and forgets the session of clientID.
func (sm *SessionManager) Close(ctx context.Context, clientID string) error {
	sm.mu.Lock()
	s := sm.sessions[clientID]
	if s == nil {
		sm.mu.Unlock()
		return nil
	}
	delete(sm.sessions, clientID)
	sm.mu.Unlock()

	if err := s.orch.Stop(ctx); err != nil {
		return fmt.Errorf("app: close session %s: %w", s.info.SessionID, err)
	}
	slog.Info("session closed", "client_id", clientID, "session_id", s.info.SessionID,
		"duration", time.Since(s.info.StartedAt).Round(time.Millisecond))
	return nil
}

// CloseAll stops every session and refuses new ones. Errors are joined.
func (sm *SessionManager) CloseAll(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	ids := make([]string, 0, len(sm.sessions))
	for id, s := range sm.sessions {
		if s != nil {
			ids = append(ids, id)
		}
	}
	sm.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := sm.Close(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
