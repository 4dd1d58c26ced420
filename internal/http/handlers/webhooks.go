package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"retratai/internal/domain"
	"retratai/internal/providers/replicate"
)

const maxWebhookBytes = 1 << 20

// ReplicateWebhook records training status changes pushed by Replicate.
// Deliveries are only accepted when a signing secret is configured.
func (a *App) ReplicateWebhook(w http.ResponseWriter, r *http.Request) {
	logger := a.requestLogger(r)
	if a.Config == nil || a.Config.ReplicateWebhookSecret == "" {
		logger.Warn().Msg("webhooks: delivery without a configured secret")
		a.error(w, http.StatusNotFound, "not_found", "webhooks are not enabled")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if err := replicate.VerifyWebhook(a.Config.ReplicateWebhookSecret, r.Header, body, a.now()); err != nil {
		logger.Warn().Err(err).Msg("webhooks: rejected replicate delivery")
		a.error(w, http.StatusUnauthorized, "invalid_signature", "invalid signature")
		return
	}
	var payload replicate.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.ID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if !payload.Status.Known() {
		a.error(w, http.StatusBadRequest, "bad_request", "unknown status")
		return
	}
	if a.Models == nil {
		a.json(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}
	err = a.Models.UpdateStatusByTrainingID(r.Context(), payload.ID, payload.Status)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		logger.Warn().Str("training_id", payload.ID).Msg("webhooks: unknown training")
		a.json(w, http.StatusOK, map[string]string{"status": "ignored"})
	case err != nil:
		logger.Error().Err(err).Str("training_id", payload.ID).Msg("webhooks: update failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to record status")
	default:
		logger.Info().Str("training_id", payload.ID).Str("status", string(payload.Status)).Msg("webhooks: training status recorded")
		a.json(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}
