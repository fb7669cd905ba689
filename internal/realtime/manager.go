// Package realtime carries chat turns over a WebSocket, one live socket per
// browser tab.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/moodchat/internal/chat"
)

// SessionManager tracks the live socket of each tab. A second socket for the
// same tab replaces the first.
type SessionManager struct {
	mu    sync.RWMutex
	conns map[chat.SessionKey]*websocket.Conn
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{conns: make(map[chat.SessionKey]*websocket.Conn)}
}

// Active returns the live socket for key, or nil.
func (m *SessionManager) Active(key chat.SessionKey) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[key]
}

// Register makes conn the live socket for key and closes the one it replaces.
func (m *SessionManager) Register(key chat.SessionKey, conn *websocket.Conn) {
	m.mu.Lock()
	replaced := m.conns[key]
	m.conns[key] = conn
	m.mu.Unlock()

	if replaced != nil && replaced != conn {
		_ = replaced.Close(websocket.StatusPolicyViolation, "session replaced")
	}
	slog.Info("Realtime session registered", "user_id", key.UserID, "session_id", key.SessionID)
}

// Unregister drops conn if it is still the live socket for key.
func (m *SessionManager) Unregister(key chat.SessionKey, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[key] != conn {
		return
	}
	delete(m.conns, key)
	slog.Info("Realtime session unregistered", "user_id", key.UserID, "session_id", key.SessionID)
}

// Count returns the number of live sockets.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// CloseAll closes every socket on shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[chat.SessionKey]*websocket.Conn)
	m.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	if len(conns) > 0 {
		slog.Info("Realtime sessions closed", "count", len(conns))
	}
}
