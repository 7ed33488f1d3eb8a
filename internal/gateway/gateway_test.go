package gateway_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voiceform/internal/gateway"
	"github.com/MrWong99/voiceform/internal/liveclient"
	"github.com/MrWong99/voiceform/internal/resilience"
	"github.com/MrWong99/voiceform/internal/session"
	"github.com/MrWong99/voiceform/pkg/provider/live"
	livemock "github.com/MrWong99/voiceform/pkg/provider/live/mock"
	vadmock "github.com/MrWong99/voiceform/pkg/provider/vad/mock"
)

// fakeSessions builds real orchestrators on a mock live dialer.
type fakeSessions struct {
	dialer     *livemock.Dialer
	classifier *vadmock.Classifier
	metrics    *session.Metrics
	openErr    error

	mu     sync.Mutex
	open   map[string]*session.Orchestrator
	closed []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		dialer:     &livemock.Dialer{},
		classifier: &vadmock.Classifier{},
		metrics:    session.NewMetrics(10),
		open:       make(map[string]*session.Orchestrator),
	}
}

func (f *fakeSessions) Open(ctx context.Context, clientID string, sink session.Sink) (*session.Orchestrator, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	o, err := session.New(session.Config{
		Dialer:     f.dialer,
		Classifier: f.classifier,
		Sink:       sink,
		Metrics:    f.metrics,
		Live: liveclient.Config{
			Retry: resilience.RetryPolicy{MaxAttempts: 1, Backoff: time.Millisecond, MaxBackoff: time.Millisecond},
		},
	})
	if err != nil {
		return nil, err
	}
	if err := o.Start(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.open[clientID] = o
	f.mu.Unlock()
	return o, nil
}

func (f *fakeSessions) Close(ctx context.Context, clientID string) error {
	f.mu.Lock()
	o := f.open[clientID]
	delete(f.open, clientID)
	f.closed = append(f.closed, clientID)
	f.mu.Unlock()
	if o == nil {
		return nil
	}
	return o.Stop(ctx)
}

func (f *fakeSessions) closedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.closed)
}

type testServer struct {
	*httptest.Server
	sessions *fakeSessions
	handler  *gateway.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	fs := newFakeSessions()
	h := gateway.New(gateway.Config{Sessions: fs, Metrics: fs.metrics})
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, sessions: fs, handler: h}
}

// msg is a decoded server message.
type msg map[string]any

func (m msg) str(key string) string {
	s, _ := m[key].(string)
	return s
}

func dial(t *testing.T, srv *testServer, clientID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/voice/" + clientID
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) msg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m msg
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

// readType skips messages until one of type typ arrives.
func readType(t *testing.T, conn *websocket.Conn, typ string) msg {
	t.Helper()
	for range 50 {
		if m := read(t, conn); m.str("type") == typ {
			return m
		}
	}
	t.Fatalf("no %q message", typ)
	return nil
}

func write(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	writeRaw(t, conn, data)
}

func writeRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// connect dials and consumes the greeting.
func connect(t *testing.T, srv *testServer, clientID string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv, clientID)
	if m := read(t, conn); m.str("type") != "connection_established" {
		t.Fatalf("first message = %v, want connection_established", m)
	}
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestVoice_ConnectionEstablished(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	conn := dial(t, srv, "alice")

	m := read(t, conn)
	if m.str("type") != "connection_established" {
		t.Fatalf("type = %q", m.str("type"))
	}
	if m.str("client_id") != "alice" {
		t.Errorf("client_id = %q, want alice", m.str("client_id"))
	}
	if m.str("session_id") == "" || m.str("timestamp") == "" {
		t.Errorf("missing session_id or timestamp: %v", m)
	}
	if m.str("message") != "Voice agent ready. You can start speaking!" {
		t.Errorf("message = %q", m.str("message"))
	}
	if got := srv.handler.Connections(); got != 1 {
		t.Errorf("Connections() = %d, want 1", got)
	}
}

func TestVoice_GeneratedClientID(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/voice", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if id := read(t, conn).str("client_id"); len(id) != 36 {
		t.Errorf("client_id = %q, want a UUID", id)
	}
}

func TestVoice_Replies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		send        string
		wantType    string
		wantMessage string
	}{
		{
			name:        "start conversation",
			send:        `{"type":"start_conversation"}`,
			wantType:    "conversation_started",
			wantMessage: "Voice conversation started. I'm listening!",
		},
		{
			name:        "interrupt",
			send:        `{"type":"interrupt"}`,
			wantType:    "interruption_handled",
			wantMessage: "Interruption processed",
		},
		{
			name:        "unknown type",
			send:        `{"type":"dance"}`,
			wantType:    "error",
			wantMessage: "Unknown message type: dance",
		},
		{
			name:        "invalid json",
			send:        `{"type":`,
			wantType:    "error",
			wantMessage: "Invalid JSON message format",
		},
		{
			name:        "bad audio",
			send:        `{"type":"audio_data","data":"%%%"}`,
			wantType:    "error",
			wantMessage: "Invalid audio data: expected base64 PCM16",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t)
			conn := connect(t, srv, "c1")
			writeRaw(t, conn, []byte(tt.send))

			m := read(t, conn)
			if m.str("type") != tt.wantType {
				t.Fatalf("type = %q, want %q (%v)", m.str("type"), tt.wantType, m)
			}
			if m.str("message") != tt.wantMessage {
				t.Errorf("message = %q, want %q", m.str("message"), tt.wantMessage)
			}
		})
	}
}

func TestVoice_Ping(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	conn := connect(t, srv, "c1")

	write(t, conn, map[string]any{"type": "ping", "timestamp": 1234})
	m := read(t, conn)
	if m.str("type") != "pong" {
		t.Fatalf("type = %q, want pong", m.str("type"))
	}
	if ts, _ := m["timestamp"].(float64); ts != 1234 {
		t.Errorf("timestamp = %v, want the client's 1234", m["timestamp"])
	}
	if m.str("server_timestamp") == "" {
		t.Error("server_timestamp missing")
	}
}

func TestVoice_FunctionCall(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	conn := connect(t, srv, "c1")

	write(t, conn, map[string]any{
		"type":          "function_call",
		"function_name": "open_form",
		"arguments":     map[string]any{"form_type": "contact"},
	})
	m := read(t, conn)
	if m.str("type") != "function_result" || m.str("function_name") != "open_form" {
		t.Fatalf("reply = %v", m)
	}
	result, _ := m["result"].(map[string]any)
	if ok, _ := result["success"].(bool); !ok {
		t.Errorf("result = %v, want success", result)
	}
}

func TestVoice_AudioReachesLiveService(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	srv.sessions.classifier.Default = true
	conn := connect(t, srv, "c1")

	pcm := make([]byte, 640*3)
	write(t, conn, map[string]any{"type": "audio_data", "data": base64.StdEncoding.EncodeToString(pcm)})

	readType(t, conn, "voice_start")
	waitFor(t, func() bool { return len(srv.sessions.dialer.Last().SentAudio()) == 3 })
}

func TestVoice_AudioConvertedToSessionFormat(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	srv.sessions.classifier.Default = true
	conn := connect(t, srv, "c1")

	// 20 ms of 32 kHz stereo becomes one 640-byte frame at 16 kHz mono.
	pcm := make([]byte, 2560)
	write(t, conn, map[string]any{
		"type":        "audio_data",
		"data":        base64.StdEncoding.EncodeToString(pcm),
		"sample_rate": 32000,
		"channels":    2,
	})
	waitFor(t, func() bool { return len(srv.sessions.dialer.Last().SentAudio()) == 1 })
	if got := len(srv.sessions.dialer.Last().SentAudio()[0]); got != 640 {
		t.Errorf("sent chunk = %d bytes, want 640", got)
	}
}

func TestVoice_BinaryFramesAreAudio(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	srv.sessions.classifier.Default = true
	conn := connect(t, srv, "c1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 640)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(srv.sessions.dialer.Last().SentAudio()) == 1 })
}

func TestVoice_LiveRepliesForwarded(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	conn := connect(t, srv, "c1")
	lc := srv.sessions.dialer.Last()

	lc.Push(live.Message{Kind: live.MessageAudio, Audio: []byte{1, 2, 3, 4}, MIMEType: "audio/pcm;rate=24000"})
	m := readType(t, conn, "audio_response")
	data, _ := m["data"].(map[string]any)
	if data["audio"] != base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}) {
		t.Errorf("audio = %v", data["audio"])
	}
	if data["mime_type"] != "audio/pcm;rate=24000" {
		t.Errorf("mime_type = %v", data["mime_type"])
	}

	lc.Push(live.Message{Kind: live.MessageText, Text: "Which form?"})
	m = readType(t, conn, "text_response")
	if data, _ := m["data"].(map[string]any); data["text"] != "Which form?" {
		t.Errorf("text = %v", m["data"])
	}
}

func TestVoice_DisconnectClosesSession(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	conn := connect(t, srv, "bob")

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return slices.Contains(srv.sessions.closedIDs(), "bob") })
	waitFor(t, func() bool { return srv.handler.Connections() == 0 })
}

func TestVoice_SessionEndClosesSocket(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	conn := connect(t, srv, "c1")

	// The mock dialer hands out fresh connections, so end the session
	// from the server side instead of through a lost connection.
	if err := srv.sessions.Close(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
				t.Errorf("close status = %v, want %v", got, websocket.StatusGoingAway)
			}
			return
		}
	}
}

func TestVoice_DuplicateClientRefused(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	connect(t, srv, "dup")

	second := dial(t, srv, "dup")
	if m := read(t, second); m.str("type") != "error" {
		t.Errorf("type = %q, want error", m.str("type"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want %v", got, websocket.StatusPolicyViolation)
	}
}

func TestVoice_OpenErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		wantMessage string
		wantStatus  websocket.StatusCode
	}{
		{"at capacity", gateway.ErrAtCapacity, "Server at capacity. Please try again later.", websocket.StatusTryAgainLater},
		{"start failure", errors.New("dial: refused"), "Failed to initialize voice agent", websocket.StatusInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t)
			srv.sessions.openErr = tt.err
			conn := dial(t, srv, "c1")

			if m := read(t, conn); m.str("message") != tt.wantMessage {
				t.Errorf("message = %q, want %q", m.str("message"), tt.wantMessage)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _, err := conn.Read(ctx)
			if got := websocket.CloseStatus(err); got != tt.wantStatus {
				t.Errorf("close status = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestTemplates(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/forms/templates")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Templates      []string `json:"templates"`
		TotalTemplates int      `json:"total_templates"`
		Details        []struct {
			Type string `json:"type"`
		} `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	want := []string{"contact", "registration", "feedback", "survey"}
	if !slices.Equal(body.Templates, want) {
		t.Errorf("templates = %v, want %v", body.Templates, want)
	}
	if body.TotalTemplates != 4 || len(body.Details) != 4 {
		t.Errorf("total = %d, details = %d, want 4", body.TotalTemplates, len(body.Details))
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	connect(t, srv, "carol")
	srv.sessions.metrics.RecordLatency(300 * time.Millisecond)

	resp, err := http.Get(srv.URL + "/api/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		VoiceAgent  session.Snapshot `json:"voice_agent"`
		Connections struct {
			Active  int                       `json:"active_connections"`
			Details map[string]map[string]any `json:"connection_details"`
		} `json:"connections"`
		Thresholds map[string]float64 `json:"thresholds"`
		SystemInfo map[string]any     `json:"system_info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Connections.Active != 1 {
		t.Errorf("active_connections = %d, want 1", body.Connections.Active)
	}
	if _, ok := body.Connections.Details["carol"]; !ok {
		t.Errorf("connection_details = %v, want carol", body.Connections.Details)
	}
	if body.VoiceAgent.ActiveConnections != 1 || body.VoiceAgent.AvgLatencyMs != 300 {
		t.Errorf("voice_agent = %+v", body.VoiceAgent)
	}
	if body.Thresholds["voice_to_voice_latency_ms"] != 500 {
		t.Errorf("thresholds = %v", body.Thresholds)
	}
	if _, ok := body.SystemInfo["uptime_hours"]; !ok {
		t.Error("system_info.uptime_hours missing")
	}
}
