package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/moodchat/internal/credentials"
	"github.com/ashureev/moodchat/internal/domain"
)

type credentialStatus struct {
	Source     credentials.Source `json:"source"`
	SharedKeys bool               `json:"shared_keys"`
	// CompletionKey is masked; only the last four characters are shown.
	CompletionKey string `json:"completion_key,omitempty"`
}

func (h *Handler) credentialStatus() credentialStatus {
	status := credentialStatus{
		Source:     h.creds.Source(),
		SharedKeys: h.creds.Degraded(),
	}
	if !status.SharedKeys {
		status.CompletionKey = mask(h.creds.CompletionKey())
	}
	return status
}

func mask(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// HandleGetCredentials handles GET /api/credentials.
func (h *Handler) HandleGetCredentials(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.credentialStatus())
}

// HandleSaveCredentials handles POST /api/credentials.
func (h *Handler) HandleSaveCredentials(w http.ResponseWriter, r *http.Request) {
	var set domain.CredentialSet
	if !decode(w, r, &set) {
		return
	}
	err := h.creds.SaveUserKeys(set)
	switch {
	case errors.Is(err, credentials.ErrInvalidKeys):
		Error(w, http.StatusBadRequest, "keys do not match the expected format")
		return
	case err != nil:
		slog.Error("Failed to save credentials", "error", err)
		Error(w, http.StatusInternalServerError, "failed to save credentials")
		return
	}
	slog.Info("User credentials saved", "source", h.creds.Source())
	JSON(w, http.StatusOK, h.credentialStatus())
}

// HandleUseDefaultCredentials handles POST /api/credentials/default.
func (h *Handler) HandleUseDefaultCredentials(w http.ResponseWriter, r *http.Request) {
	if err := h.creds.UseDefault(); err != nil {
		slog.Error("Failed to switch to shared credentials", "error", err)
		Error(w, http.StatusInternalServerError, "failed to switch to shared keys")
		return
	}
	JSON(w, http.StatusOK, h.credentialStatus())
}

// HandleGuide handles GET /api/credentials/guide.
func (h *Handler) HandleGuide(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(h.creds.Guide())); err != nil {
		slog.Debug("Failed to write key guide", "error", err)
	}
}
