package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/moodchat/internal/identity"
	"github.com/ashureev/moodchat/internal/metrics"
)

const (
	defaultMaxRequestBodySize = 32 << 20
	defaultKeepaliveInterval  = 10 * time.Second
)

// HandlerConfig tunes the SSE endpoints.
type HandlerConfig struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
}

// Handler serves chat turns and mode toggles as server-sent events.
type Handler struct {
	svc     *Service
	cfg     HandlerConfig
	metrics *metrics.Metrics
}

// NewHandler creates a Handler.
func NewHandler(svc *Service, cfg HandlerConfig, m *metrics.Metrics) *Handler {
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	return &Handler{svc: svc, cfg: cfg, metrics: m}
}

// RegisterRoutes registers the streaming chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.HandleChat)
	r.Post("/api/mode/toggle", h.HandleToggle)
}

func sessionKey(r *http.Request) SessionKey {
	return SessionKey{
		UserID:    identity.UserIDFromContext(r.Context()),
		SessionID: identity.SessionIDFromContext(r.Context()),
	}
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return true
	case errors.As(err, &tooLarge):
		http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
	default:
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
	}
	return false
}

// HandleChat handles POST /api/chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	key := sessionKey(r)
	slog.Info("Chat request",
		"user_id", key.UserID,
		"session_id", key.SessionID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
		"files", len(req.Files),
		"recording", req.Recording != nil,
	)
	h.stream(w, r, h.svc.Send(r.Context(), key, req))
}

type toggleRequest struct {
	Conversation string `json:"conversation"`
}

// HandleToggle handles POST /api/mode/toggle.
func (h *Handler) HandleToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.stream(w, r, h.svc.ToggleMode(r.Context(), sessionKey(r), req.Conversation))
}

type sseEvent struct {
	name string
	data string
}

// stream relays updates as SSE events. The sequence is always drained, so a
// turn completes and persists even after the client goes away; writes stop
// at the first failure.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, seq iter.Seq2[Update, error]) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.metrics.SSEOpened()
	defer h.metrics.SSEClosed()

	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		for update, err := range seq {
			if err != nil {
				events <- sseEvent{name: "error", data: errorJSON(err)}
				continue
			}
			data, err := json.Marshal(update)
			if err != nil {
				events <- sseEvent{name: "error", data: errorJSON(fmt.Errorf("encode update: %w", err))}
				continue
			}
			events <- sseEvent{name: "update", data: string(data)}
		}
	}()

	gone := false
	send := func(ev sseEvent) {
		if gone {
			return
		}
		if err := writeSSE(w, ev.name, ev.data); err != nil {
			gone = true
			slog.Info("Client left mid-stream; finishing turn in background",
				"request_id", chiMiddleware.GetReqID(r.Context()), "error", err)
			return
		}
		flusher.Flush()
	}

	ticker := time.NewTicker(h.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				send(sseEvent{name: "done", data: `{}`})
				return
			}
			send(ev)
		case <-ticker.C:
			send(sseEvent{name: "ping", data: `{"status":"alive"}`})
		}
	}
}

func errorJSON(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
