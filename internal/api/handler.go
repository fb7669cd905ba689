// Package api provides the JSON HTTP handlers for the moodchat UI.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/moodchat/internal/chat"
	"github.com/ashureev/moodchat/internal/credentials"
	"github.com/ashureev/moodchat/internal/identity"
)

const maxJSONBodySize = 1 << 20

// Handler serves conversation, settings and credential routes.
type Handler struct {
	svc   *chat.Service
	creds *credentials.Manager
}

// NewHandler creates a new Handler.
func NewHandler(svc *chat.Service, creds *credentials.Manager) *Handler {
	return &Handler{svc: svc, creds: creds}
}

// RegisterRoutes registers all JSON routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.HandleState)

		r.Get("/conversations", h.HandleListConversations)
		r.Post("/conversations", h.HandleCreateConversation)
		r.Get("/conversations/{name}", h.HandleGetConversation)
		r.Post("/conversations/{name}/clear", h.HandleClearConversation)

		r.Put("/settings/theme", h.HandleSetTheme)

		r.Get("/credentials", h.HandleGetCredentials)
		r.Post("/credentials", h.HandleSaveCredentials)
		r.Post("/credentials/default", h.HandleUseDefaultCredentials)
		r.Get("/credentials/guide", h.HandleGuide)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body. An empty body is accepted and leaves v as is.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return true
	case errors.As(err, &tooLarge):
		Error(w, http.StatusRequestEntityTooLarge, "request body too large")
	default:
		Error(w, http.StatusBadRequest, "invalid request body")
	}
	return false
}

func sessionKey(r *http.Request) chat.SessionKey {
	return chat.SessionKey{
		UserID:    identity.UserIDFromContext(r.Context()),
		SessionID: identity.SessionIDFromContext(r.Context()),
	}
}

type stateResponse struct {
	*chat.SessionView
	Credentials credentialStatus `json:"credentials"`
}

// HandleState handles GET /api/state.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.View(r.Context(), sessionKey(r))
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	JSON(w, http.StatusOK, stateResponse{SessionView: view, Credentials: h.credentialStatus()})
}
