package app_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voiceform/internal/app"
	"github.com/MrWong99/voiceform/internal/gateway"
	"github.com/MrWong99/voiceform/internal/liveclient"
	"github.com/MrWong99/voiceform/internal/resilience"
	"github.com/MrWong99/voiceform/internal/session"
	livemock "github.com/MrWong99/voiceform/pkg/provider/live/mock"
	vadmock "github.com/MrWong99/voiceform/pkg/provider/vad/mock"
)

func newTestSessionManager(t *testing.T, limit int) (*app.SessionManager, *livemock.Dialer, *session.Metrics) {
	t.Helper()
	dialer := &livemock.Dialer{}
	metrics := session.NewMetrics(10)
	sm := app.NewSessionManager(session.Config{
		Dialer:     dialer,
		Classifier: &vadmock.Classifier{},
		Metrics:    metrics,
		Live: liveclient.Config{
			HandshakeTimeout: 100 * time.Millisecond,
			Retry:            resilience.RetryPolicy{MaxAttempts: 1, Backoff: time.Millisecond, MaxBackoff: time.Millisecond},
		},
	}, limit)
	t.Cleanup(func() { _ = sm.CloseAll(context.Background()) })
	return sm, dialer, metrics
}

func TestSessionManager_OpenClose(t *testing.T) {
	t.Parallel()
	sm, _, metrics := newTestSessionManager(t, 0)
	ctx := context.Background()

	orch, err := sm.Open(ctx, "alice", discard)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if sm.Count() != 1 || metrics.ActiveConnections() != 1 {
		t.Fatalf("Count = %d, active = %d, want 1/1", sm.Count(), metrics.ActiveConnections())
	}

	active := sm.Active()
	if len(active) != 1 || active[0].ClientID != "alice" || active[0].SessionID != orch.ID() {
		t.Errorf("Active() = %+v", active)
	}

	if err := sm.Close(ctx, "alice"); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if sm.Count() != 0 || metrics.ActiveConnections() != 0 {
		t.Errorf("after Close: Count = %d, active = %d", sm.Count(), metrics.ActiveConnections())
	}
	select {
	case <-orch.Done():
	default:
		t.Error("orchestrator still running after Close")
	}

	// Unknown ids are ignored.
	if err := sm.Close(ctx, "nobody"); err != nil {
		t.Errorf("Close(unknown) = %v", err)
	}
}

func TestSessionManager_DuplicateClient(t *testing.T) {
	t.Parallel()
	sm, _, _ := newTestSessionManager(t, 0)

	if _, err := sm.Open(context.Background(), "dup", discard); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.Open(context.Background(), "dup", discard); !errors.Is(err, gateway.ErrClientConnected) {
		t.Errorf("second Open() = %v, want ErrClientConnected", err)
	}
}

func TestSessionManager_Limit(t *testing.T) {
	t.Parallel()
	sm, _, _ := newTestSessionManager(t, 1)
	ctx := context.Background()

	if _, err := sm.Open(ctx, "a", discard); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.Open(ctx, "b", discard); !errors.Is(err, gateway.ErrAtCapacity) {
		t.Fatalf("Open over limit = %v, want ErrAtCapacity", err)
	}

	sm.SetLimit(2)
	if _, err := sm.Open(ctx, "b", discard); err != nil {
		t.Errorf("Open after raising limit = %v", err)
	}

	// Lowering the limit keeps existing sessions.
	sm.SetLimit(1)
	if sm.Count() != 2 {
		t.Errorf("Count() = %d, want 2", sm.Count())
	}
}

func TestSessionManager_ConcurrentOpensRespectLimit(t *testing.T) {
	t.Parallel()
	sm, _, _ := newTestSessionManager(t, 3)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, full int
	)
	for i := range 10 {
		wg.Go(func() {
			_, err := sm.Open(context.Background(), fmt.Sprintf("c%d", i), discard)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, gateway.ErrAtCapacity):
				full++
			default:
				t.Errorf("Open: %v", err)
			}
		})
	}
	wg.Wait()
	if ok != 3 || full != 7 {
		t.Errorf("opened = %d, refused = %d, want 3/7", ok, full)
	}
}

func TestSessionManager_StartFailureReleasesSlot(t *testing.T) {
	t.Parallel()
	sm, dialer, metrics := newTestSessionManager(t, 1)
	refused := errors.New("connection refused")
	dialer.FailNext(refused, refused, refused)

	if _, err := sm.Open(context.Background(), "a", discard); err == nil {
		t.Fatal("Open() should fail when the live service is unreachable")
	}
	if sm.Count() != 0 || metrics.ActiveConnections() != 0 {
		t.Errorf("Count = %d, active = %d, want 0/0", sm.Count(), metrics.ActiveConnections())
	}
}

func TestSessionManager_CloseAll(t *testing.T) {
	t.Parallel()
	sm, _, metrics := newTestSessionManager(t, 0)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := sm.Open(ctx, id, discard); err != nil {
			t.Fatal(err)
		}
	}
	if err := sm.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll() = %v", err)
	}
	if sm.Count() != 0 || metrics.ActiveConnections() != 0 {
		t.Errorf("Count = %d, active = %d, want 0/0", sm.Count(), metrics.ActiveConnections())
	}
	if _, err := sm.Open(ctx, "d", discard); !errors.Is(err, session.ErrStopped) {
		t.Errorf("Open after CloseAll = %v, want ErrStopped", err)
	}
}
