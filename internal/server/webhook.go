package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"fils-quiz-bot/pkg/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	secretHeader   = "X-Telegram-Bot-Api-Secret-Token"
	maxUpdateBytes = 1 << 20
)

type webhookHandler struct {
	updates UpdateHandler
	secret  string
	logger  *logger.Logger
}

// ServeHTTP answers 200 once the update is applied (or deliberately ignored)
// and 500 when it must be redelivered.
func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		got := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.logger.Warn("Webhook call with invalid secret", "remote_addr", r.RemoteAddr)
			respondError(w, http.StatusUnauthorized, "invalid secret token")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUpdateBytes)
	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.logger.Warn("Malformed webhook payload", "error", err)
		respondError(w, http.StatusBadRequest, "invalid update payload")
		return
	}

	if err := h.updates.HandleUpdate(r.Context(), update); err != nil {
		h.logger.Error("Failed to handle update", "update_id", update.UpdateID, "error", err)
		respondError(w, http.StatusInternalServerError, "update not processed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
