package realtime

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/moodchat/internal/chat"
	"github.com/ashureev/moodchat/internal/identity"
)

const (
	writeTimeout    = 10 * time.Second
	maxMessageBytes = 32 << 20
)

// WebSocketHandler serves chat turns over a WebSocket.
type WebSocketHandler struct {
	svc           *chat.Service
	sm            *SessionManager
	allowedOrigin string
	isDev         bool

	// handlers counts connections still running, including turns that are
	// draining after their socket closed.
	handlers sync.WaitGroup
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(svc *chat.Service, sm *SessionManager, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		svc:           svc,
		sm:            sm,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// clientMessage is a request from the browser.
type clientMessage struct {
	Type string `json:"type"` // chat, toggle, ping
	chat.SendRequest
}

// serverMessage is pushed to the browser.
type serverMessage struct {
	Type   string       `json:"type"` // update, error, done, pong
	Update *chat.Update `json:"update,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handlers.Add(1)
	defer h.handlers.Done()

	key := chat.SessionKey{
		UserID:    identity.UserIDFromContext(r.Context()),
		SessionID: identity.SessionIDFromContext(r.Context()),
	}
	slog.Info("WebSocket connection request", "user_id", key.UserID, "session_id", key.SessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", key.UserID)
		return
	}
	ws.SetReadLimit(maxMessageBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", key.UserID)
		}
	}()

	h.sm.Register(key, ws)
	defer h.sm.Unregister(key, ws)

	h.readLoop(r.Context(), ws, key)
	slog.Info("Realtime session ended", "user_id", key.UserID, "session_id", key.SessionID)
}

// Wait blocks until every connection handler has returned or ctx is done.
// http.Server.Shutdown does not wait for upgraded connections, so call this
// after it and before closing anything the turns write to.
func (h *WebSocketHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// readLoop handles one request at a time; a turn runs to completion before
// the next message is read.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, key chat.SessionKey) {
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "user_id", key.UserID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", key.UserID)
			}
			return
		}

		switch msg.Type {
		case "chat":
			if !h.relay(ctx, ws, h.svc.Send(ctx, key, msg.SendRequest)) {
				return
			}
		case "toggle":
			if !h.relay(ctx, ws, h.svc.ToggleMode(ctx, key, msg.Conversation)) {
				return
			}
		case "ping":
			if err := h.write(ctx, ws, serverMessage{Type: "pong"}); err != nil {
				return
			}
		default:
			if err := h.write(ctx, ws, serverMessage{Type: "error", Error: "unknown message type"}); err != nil {
				return
			}
		}
	}
}

// relay forwards every update to the socket. The sequence is drained even
// after a write failure so the turn still persists; it reports whether the
// socket is still usable.
func (h *WebSocketHandler) relay(ctx context.Context, ws *websocket.Conn, seq iter.Seq2[chat.Update, error]) bool {
	alive := true
	send := func(m serverMessage) {
		if !alive {
			return
		}
		if err := h.write(ctx, ws, m); err != nil {
			alive = false
			slog.Debug("WebSocket write failed; finishing turn in background", "error", err)
		}
	}

	for update, err := range seq {
		if err != nil {
			send(serverMessage{Type: "error", Error: err.Error()})
			continue
		}
		send(serverMessage{Type: "update", Update: &update})
	}
	send(serverMessage{Type: "done"})
	return alive
}

func (h *WebSocketHandler) write(ctx context.Context, ws *websocket.Conn, m serverMessage) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, m)
}
