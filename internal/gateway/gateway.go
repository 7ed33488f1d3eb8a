// Package gateway exposes voice sessions to browser clients.
//
// Each client connects to /ws/voice/{client_id} and exchanges JSON messages
// with one [session.Orchestrator]. The package also serves the form template
// catalog and aggregate session metrics over plain HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voiceform/internal/form"
	"github.com/MrWong99/voiceform/internal/session"
	"github.com/MrWong99/voiceform/pkg/audio"
)

// ErrAtCapacity is returned by [Sessions.Open] when the connection limit is
// reached.
var ErrAtCapacity = errors.New("gateway: server at capacity")

// ErrClientConnected is returned by [Sessions.Open] when clientID already
// has a live session.
var ErrClientConnected = errors.New("gateway: client already connected")

// Thresholds reported by /api/metrics.
var Thresholds = map[string]float64{
	"voice_to_voice_latency_ms": float64(session.PerformanceTarget / time.Millisecond),
	"connection_setup_ms":       2000,
	"tool_response_ms":          1000,
	"audio_quality_threshold":   0.8,
}

const (
	// maxMessageBytes bounds one client message. Base64 audio of a few
	// seconds fits comfortably.
	maxMessageBytes = 1 << 20

	defaultWriteTimeout = 5 * time.Second
)

// Sessions creates and tears down the voice session behind each client.
type Sessions interface {
	// Open creates and starts a session whose events go to sink.
	Open(ctx context.Context, clientID string, sink session.Sink) (*session.Orchestrator, error)

	// Close stops the session of clientID. Unknown ids are ignored.
	Close(ctx context.Context, clientID string) error
}

// Config holds the dependencies of a [Handler].
type Config struct {
	Sessions Sessions
	Catalog  *form.Catalog

	// Metrics are the counters shared by every session.
	Metrics *session.Metrics

	// AllowedOrigins are host patterns accepted for cross-origin upgrades.
	AllowedOrigins []string

	// WriteTimeout bounds a single message write. Zero means 5 seconds.
	WriteTimeout time.Duration
}

// Handler serves the voice WebSocket and the JSON API.
type Handler struct {
	sessions     Sessions
	catalog      *form.Catalog
	metrics      *session.Metrics
	origins      []string
	writeTimeout time.Duration
	started      time.Time

	mu      sync.Mutex
	clients map[string]*client
}

// New returns a Handler for cfg. A nil catalog uses [form.DefaultCatalog]; a
// nil Metrics gets a fresh set.
func New(cfg Config) *Handler {
	h := &Handler{
		sessions:     cfg.Sessions,
		catalog:      cfg.Catalog,
		metrics:      cfg.Metrics,
		origins:      cfg.AllowedOrigins,
		writeTimeout: cfg.WriteTimeout,
		started:      time.Now(),
		clients:      make(map[string]*client),
	}
	if h.catalog == nil {
		h.catalog = form.DefaultCatalog()
	}
	if h.metrics == nil {
		h.metrics = session.NewMetrics(0)
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = defaultWriteTimeout
	}
	return h
}

// Register mounts the gateway routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/voice", h.serveVoice)
	mux.HandleFunc("GET /ws/voice/{client_id}", h.serveVoice)
	mux.HandleFunc("GET /api/forms/templates", h.Templates)
	mux.HandleFunc("GET /api/metrics", h.Metrics)
}

// Connections returns the number of connected clients.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Templates lists the form templates in catalog order.
func (h *Handler) Templates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"templates":       h.catalog.Types(),
		"total_templates": len(h.catalog.Types()),
		"details":         h.catalog.Templates(),
	})
}

// connectionDetail is the per-client view in /api/metrics.
type connectionDetail struct {
	ConnectedAt      string `json:"connected_at"`
	MessagesSent     int64  `json:"messages_sent"`
	MessagesReceived int64  `json:"messages_received"`
}

// Metrics reports the shared session counters and per-client traffic.
func (h *Handler) Metrics(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	details := make(map[string]connectionDetail, len(h.clients))
	for id, c := range h.clients {
		details[id] = connectionDetail{
			ConnectedAt:      isoTime(c.connectedAt),
			MessagesSent:     c.sent.Load(),
			MessagesReceived: c.received.Load(),
		}
	}
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":   isoTime(time.Now()),
		"voice_agent": h.metrics.Snapshot(),
		"connections": map[string]any{
			"active_connections": len(details),
			"connection_details": details,
		},
		"thresholds": Thresholds,
		"system_info": map[string]any{
			"active_connections": len(details),
			"uptime_hours":       time.Since(h.started).Hours(),
		},
	})
}

// client is one connected WebSocket.
type client struct {
	id           string
	conn         *websocket.Conn
	connectedAt  time.Time
	writeTimeout time.Duration

	// mono converts client audio to the session format.
	mono *audio.ToMono

	sent     atomic.Int64
	received atomic.Int64
}

// send writes msg as one text frame. Writes may come from the read loop and
// from session goroutines at the same time; the connection serialises them.
func (c *client) send(ctx context.Context, msg outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

func (h *Handler) track(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		return false
	}
	h.clients[c.id] = c
	return true
}

func (h *Handler) untrack(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
