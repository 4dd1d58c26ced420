package handlers

import (
	"net/http"
	"strconv"
)

// ListModels returns the caller's trained models, newest first.
func (a *App) ListModels(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return
	}
	if a.Models == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "model history is not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	models, err := a.Models.ListByUser(r.Context(), userID, limit)
	if err != nil {
		a.requestLogger(r).Error().Err(err).Msg("models: list failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load models")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"success": true, "models": models})
}
