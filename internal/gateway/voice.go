package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voiceform/internal/observe"
	"github.com/MrWong99/voiceform/internal/session"
	"github.com/MrWong99/voiceform/pkg/audio"
)

const closeTimeout = 5 * time.Second

// serveVoice upgrades the request and bridges the socket to a new voice
// session until either side goes away.
func (h *Handler) serveVoice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("client_id")
	if id == "" {
		id = uuid.NewString()
	}
	log := observe.Logger(r.Context()).With("client_id", id)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageBytes)

	c := &client{id: id, conn: conn, connectedAt: time.Now(), writeTimeout: h.writeTimeout}
	if !h.track(c) {
		_ = c.send(r.Context(), errorMessage("Client id already connected"))
		conn.Close(websocket.StatusPolicyViolation, "duplicate client id")
		return
	}
	defer h.untrack(id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := session.SinkFunc(func(ctx context.Context, ev session.Event) error {
		msg, ok := toWire(ev)
		if !ok {
			return nil
		}
		return c.send(ctx, msg)
	})
	orch, err := h.sessions.Open(ctx, id, sink)
	if err != nil {
		h.refuse(ctx, c, log, err)
		return
	}
	c.mono = &audio.ToMono{TargetRate: orch.SampleRate()}
	ctx = observe.WithSessionID(ctx, orch.ID())
	log = log.With("session_id", orch.ID())
	defer func() {
		stopCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer stop()
		if err := h.sessions.Close(stopCtx, id); err != nil {
			log.Warn("session close failed", "err", err)
		}
	}()

	log.Info("client connected")
	_ = c.send(ctx, outbound{
		Type:      msgConnectionEstablished,
		ClientID:  id,
		SessionID: orch.ID(),
		Timestamp: isoTime(time.Now()),
		Message:   "Voice agent ready. You can start speaking!",
	})

	go func() {
		select {
		case <-orch.Done():
			conn.Close(websocket.StatusGoingAway, "voice session ended")
		case <-ctx.Done():
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Info("client disconnected")
			default:
				if ctx.Err() == nil {
					log.Info("client connection ended", "err", err)
				}
			}
			return
		}
		c.received.Add(1)

		start := time.Now()
		if typ == websocket.MessageBinary {
			h.handleAudio(ctx, c, orch, data, audio.Format{})
		} else {
			var msg inbound
			if err := json.Unmarshal(data, &msg); err != nil {
				_ = c.send(ctx, errorMessage("Invalid JSON message format"))
				continue
			}
			h.dispatch(ctx, c, orch, msg)
		}
		if d := time.Since(start); d > session.PerformanceTarget {
			log.Warn("message processing exceeded latency target", "duration", d)
		}
	}
}

// refuse tells the client why no session could be opened and closes the
// socket with a matching status.
func (h *Handler) refuse(ctx context.Context, c *client, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrAtCapacity):
		log.Warn("connection refused", "err", err)
		_ = c.send(ctx, errorMessage("Server at capacity. Please try again later."))
		c.conn.Close(websocket.StatusTryAgainLater, "at capacity")
	case errors.Is(err, ErrClientConnected):
		_ = c.send(ctx, errorMessage("Client id already connected"))
		c.conn.Close(websocket.StatusPolicyViolation, "duplicate client id")
	default:
		log.Error("voice session start failed", "err", err)
		_ = c.send(ctx, errorMessage("Failed to initialize voice agent"))
		c.conn.Close(websocket.StatusInternalError, "session start failed")
	}
}

func (h *Handler) dispatch(ctx context.Context, c *client, orch *session.Orchestrator, msg inbound) {
	var reply outbound
	switch msg.Type {
	case msgStartConversation:
		reply = outbound{Type: msgConversationStarted, Message: "Voice conversation started. I'm listening!"}

	case msgAudioData:
		if msg.Data == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			reply = errorMessage("Invalid audio data: expected base64 PCM16")
			break
		}
		h.handleAudio(ctx, c, orch, pcm, audio.Format{SampleRate: msg.SampleRate, Channels: msg.Channels})
		return

	case msgTextInput:
		if msg.Text == "" {
			return
		}
		if err := orch.SendText(ctx, msg.Text); err != nil {
			reply = errorMessage(fmt.Sprintf("Text processing error: %v", err))
			break
		}
		return

	case msgInterrupt:
		n := orch.Interrupt(ctx)
		reply = outbound{Type: msgInterruptionHandled, Message: "Interruption processed", Cleared: &n}

	case msgFunctionCall:
		if msg.FunctionName == "" {
			return
		}
		reply = outbound{
			Type:         string(session.EventFunctionResult),
			FunctionName: msg.FunctionName,
			Arguments:    msg.Arguments,
			Result:       orch.CallFunction(ctx, msg.FunctionName, msg.Arguments),
		}

	case msgPing:
		reply = outbound{Type: msgPong, Timestamp: msg.Timestamp, ServerTimestamp: isoTime(time.Now())}

	default:
		reply = errorMessage(fmt.Sprintf("Unknown message type: %s", msg.Type))
	}
	if err := c.send(ctx, reply); err != nil {
		observe.Logger(ctx).Debug("reply not delivered", "type", reply.Type, "err", err)
	}
}

// handleAudio converts pcm from src to the session format and queues it.
// Zero fields in src mean the session's rate and mono.
func (h *Handler) handleAudio(ctx context.Context, c *client, orch *session.Orchestrator, pcm []byte, src audio.Format) {
	if src.SampleRate == 0 {
		src.SampleRate = c.mono.TargetRate
	}
	if pcm = c.mono.Convert(pcm, src); len(pcm) == 0 {
		return
	}
	if err := orch.HandleAudio(ctx, pcm); err != nil && ctx.Err() == nil {
		_ = c.send(ctx, errorMessage(fmt.Sprintf("Audio processing error: %v", err)))
	}
}
