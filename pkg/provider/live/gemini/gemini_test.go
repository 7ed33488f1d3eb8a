package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voiceform/pkg/provider/live"
	"github.com/MrWong99/voiceform/pkg/provider/live/gemini"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a WebSocket test server running handler for each
// accepted connection.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readRaw(conn *websocket.Conn) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	return data, err
}

func writeRaw(conn *websocket.Conn, data string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, []byte(data))
}

func dial(t *testing.T, srv *httptest.Server, opts ...gemini.Option) live.Conn {
	t.Helper()
	opts = append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)
	conn, err := gemini.New("test-key", opts...).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// capture runs one read on the server side and returns the decoded frame.
func capture(t *testing.T) (*httptest.Server, <-chan map[string]any, <-chan string) {
	t.Helper()
	frames := make(chan map[string]any, 1)
	queries := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		queries <- r.URL.RawQuery
		data, err := readRaw(conn)
		if err != nil {
			return
		}
		var m map[string]any
		if json.Unmarshal(data, &m) == nil {
			frames <- m
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	return srv, frames, queries
}

func waitFrame(t *testing.T, frames <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

func dig(m map[string]any, path ...string) any {
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[p]
	}
	return cur
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func TestSendSetup(t *testing.T) {
	t.Parallel()

	srv, frames, queries := capture(t)
	conn := dial(t, srv, gemini.WithModel("custom-model"))

	err := conn.SendSetup(context.Background(), live.SessionConfig{
		Tools: []live.ToolDefinition{{
			Name:        "open_form",
			Description: "Open a form",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("SendSetup: %v", err)
	}

	if q := <-queries; q != "key=test-key" {
		t.Errorf("query = %q; want %q", q, "key=test-key")
	}
	f := waitFrame(t, frames)
	if got := dig(f, "setup", "model"); got != "models/custom-model" {
		t.Errorf("model = %v; want models/custom-model", got)
	}
	mods, _ := dig(f, "setup", "generationConfig", "responseModalities").([]any)
	if len(mods) != 1 || mods[0] != "AUDIO" {
		t.Errorf("responseModalities = %v; want [AUDIO]", mods)
	}
	voice := dig(f, "setup", "generationConfig", "speechConfig", "voiceConfig", "prebuiltVoiceConfig", "voiceName")
	if voice != gemini.DefaultVoice {
		t.Errorf("voice = %v; want %s", voice, gemini.DefaultVoice)
	}
	tools, _ := dig(f, "setup", "tools").([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v; want one declaration group", tools)
	}
	decls, _ := tools[0].(map[string]any)["functionDeclarations"].([]any)
	if len(decls) != 1 || decls[0].(map[string]any)["name"] != "open_form" {
		t.Errorf("functionDeclarations = %v", decls)
	}
}

func TestSendAudio(t *testing.T) {
	t.Parallel()

	srv, frames, _ := capture(t)
	conn := dial(t, srv)
	pcm := []byte{1, 2, 3, 4}
	if err := conn.SendAudio(context.Background(), pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	f := waitFrame(t, frames)
	chunks, _ := dig(f, "realtimeInput", "mediaChunks").([]any)
	if len(chunks) != 1 {
		t.Fatalf("mediaChunks = %v", chunks)
	}
	chunk := chunks[0].(map[string]any)
	if chunk["mimeType"] != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %v", chunk["mimeType"])
	}
	if chunk["data"] != base64.StdEncoding.EncodeToString(pcm) {
		t.Errorf("data = %v", chunk["data"])
	}
}

func TestSendText(t *testing.T) {
	t.Parallel()

	srv, frames, _ := capture(t)
	conn := dial(t, srv)
	if err := conn.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	f := waitFrame(t, frames)
	if dig(f, "clientContent", "turnComplete") != true {
		t.Error("turnComplete not set")
	}
	turns, _ := dig(f, "clientContent", "turns").([]any)
	if len(turns) != 1 {
		t.Fatalf("turns = %v", turns)
	}
	parts := turns[0].(map[string]any)["parts"].([]any)
	if parts[0].(map[string]any)["text"] != "hello" {
		t.Errorf("parts = %v", parts)
	}
}

func TestSendToolResponse(t *testing.T) {
	t.Parallel()

	srv, frames, _ := capture(t)
	conn := dial(t, srv)
	err := conn.SendToolResponse(context.Background(), []live.FunctionResponse{{
		ID:       "call-1",
		Name:     "fill_field",
		Response: map[string]any{"success": false},
	}})
	if err != nil {
		t.Fatalf("SendToolResponse: %v", err)
	}

	f := waitFrame(t, frames)
	resps, _ := dig(f, "toolResponse", "functionResponses").([]any)
	if len(resps) != 1 {
		t.Fatalf("functionResponses = %v", resps)
	}
	r := resps[0].(map[string]any)
	if r["id"] != "call-1" || r["name"] != "fill_field" {
		t.Errorf("response = %v", r)
	}
	if dig(r, "response", "success") != false {
		t.Errorf("response body = %v", r["response"])
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestRecvDecodesServerFrames(t *testing.T) {
	t.Parallel()

	audioB64 := base64.StdEncoding.EncodeToString([]byte{9, 8, 7, 6})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeRaw(conn, `{"setupComplete":{}}`)
		writeRaw(conn, `{"serverContent":{"turnComplete":true}}`)
		writeRaw(conn, `{"serverContent":{"modelTurn":{"parts":[`+
			`{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"`+audioB64+`"}},`+
			`{"text":"hi there"}]}}}`)
		writeRaw(conn, `not json`)
		writeRaw(conn, `{"toolCall":{"functionCalls":[{"id":"c1","name":"fill_field","args":{"field_name":"email"}}]}}`)
		writeRaw(conn, `{"toolCallCancellation":{"ids":["c1"]}}`)
		writeRaw(conn, `{"error":{"code":429,"message":"slow down"}}`)
		<-conn.CloseRead(context.Background()).Done()
	})
	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	next := func() live.Message {
		t.Helper()
		m, err := conn.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		return m
	}

	if m := next(); m.Kind != live.MessageSetupComplete {
		t.Errorf("kind = %v; want setup_complete", m.Kind)
	}
	m := next()
	if m.Kind != live.MessageAudio || string(m.Audio) != string([]byte{9, 8, 7, 6}) || m.MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("audio message = %+v", m)
	}
	if m := next(); m.Kind != live.MessageText || m.Text != "hi there" {
		t.Errorf("text message = %+v", m)
	}
	if _, err := conn.Recv(ctx); !errors.Is(err, live.ErrDecode) {
		t.Errorf("malformed frame err = %v; want ErrDecode", err)
	}
	m = next()
	if m.Kind != live.MessageFunctionCall || len(m.Calls) != 1 {
		t.Fatalf("function call message = %+v", m)
	}
	if c := m.Calls[0]; c.ID != "c1" || c.Name != "fill_field" || c.Args["field_name"] != "email" {
		t.Errorf("call = %+v", c)
	}
	if m := next(); m.Kind != live.MessageToolCallCancellation || len(m.CancelledIDs) != 1 || m.CancelledIDs[0] != "c1" {
		t.Errorf("cancellation = %+v", m)
	}
	if m := next(); m.Kind != live.MessageError || m.Text != "slow down" {
		t.Errorf("error message = %+v", m)
	}
}

func TestRecvTransportClosed(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Close(websocket.StatusGoingAway, "bye")
	})
	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := conn.Recv(ctx)
	if err == nil {
		t.Fatal("Recv succeeded on closed transport")
	}
	if errors.Is(err, live.ErrDecode) {
		t.Errorf("transport failure reported as decode error: %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	conn := dial(t, srv)
	_ = conn.Close()
	_ = conn.Close()
	if err := conn.SendText(context.Background(), "late"); err == nil {
		t.Error("SendText after Close succeeded")
	}
}

func TestDialFailure(t *testing.T) {
	t.Parallel()

	p := gemini.New("k", gemini.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Dial(ctx); err == nil {
		t.Fatal("Dial to closed port succeeded")
	}
}
