package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/moodchat/internal/domain"
	"github.com/ashureev/moodchat/internal/store"
)

type conversationResponse struct {
	Name       string           `json:"name"`
	Transcript []domain.Message `json:"transcript"`
}

func nameParam(r *http.Request) string {
	raw := chi.URLParam(r, "name")
	if name, err := url.PathUnescape(raw); err == nil {
		return name
	}
	return raw
}

// HandleListConversations handles GET /api/conversations.
func (h *Handler) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	names, err := h.svc.Conversations(r.Context())
	if err != nil {
		slog.Error("Failed to list conversations", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	JSON(w, http.StatusOK, map[string][]string{"conversations": names})
}

type createConversationRequest struct {
	Title string `json:"title"`
}

// HandleCreateConversation handles POST /api/conversations.
func (h *Handler) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !decode(w, r, &req) {
		return
	}
	conv, err := h.svc.NewConversation(r.Context(), sessionKey(r), req.Title)
	if err != nil {
		slog.Error("Failed to create conversation", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	JSON(w, http.StatusCreated, conv)
}

// HandleGetConversation handles GET /api/conversations/{name} and selects it
// for the calling tab.
func (h *Handler) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	name := nameParam(r)
	msgs, err := h.svc.Select(r.Context(), sessionKey(r), name)
	switch {
	case errors.Is(err, store.ErrEmptyName):
		Error(w, http.StatusBadRequest, "conversation name is required")
		return
	case err != nil:
		slog.Error("Failed to load conversation", "conversation", name, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	JSON(w, http.StatusOK, conversationResponse{Name: name, Transcript: msgs})
}

// HandleClearConversation handles POST /api/conversations/{name}/clear.
func (h *Handler) HandleClearConversation(w http.ResponseWriter, r *http.Request) {
	name := nameParam(r)
	msgs, err := h.svc.Clear(r.Context(), name)
	switch {
	case errors.Is(err, store.ErrEmptyName):
		Error(w, http.StatusBadRequest, "conversation name is required")
		return
	case err != nil:
		Error(w, http.StatusInternalServerError, "failed to clear conversation")
		return
	}
	JSON(w, http.StatusOK, conversationResponse{Name: name, Transcript: msgs})
}

type themeRequest struct {
	Theme string `json:"theme"`
}

// HandleSetTheme handles PUT /api/settings/theme.
func (h *Handler) HandleSetTheme(w http.ResponseWriter, r *http.Request) {
	var req themeRequest
	if !decode(w, r, &req) {
		return
	}
	theme := strings.ToLower(strings.TrimSpace(req.Theme))
	if theme != "light" && theme != "dark" {
		Error(w, http.StatusBadRequest, "theme must be light or dark")
		return
	}
	if err := h.svc.SetTheme(r.Context(), theme); err != nil {
		slog.Error("Failed to save theme", "error", err)
		Error(w, http.StatusInternalServerError, "failed to save theme")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"theme": theme})
}
