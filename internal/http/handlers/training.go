package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"retratai/internal/domain"
)

type trainingRequest struct {
	ModelName           string   `json:"modelName"`
	TriggerWord         string   `json:"triggerWord"`
	ZipURL              string   `json:"zipUrl"`
	Webhook             string   `json:"webhook,omitempty"`
	WebhookEventsFilter []string `json:"webhook_events_filter,omitempty"`
}

type trainingResponse struct {
	Success  bool                `json:"success"`
	Model    *domain.RemoteModel `json:"model"`
	Training *domain.TrainingJob `json:"training"`
}

var webhookEvents = map[string]bool{"start": true, "output": true, "logs": true, "completed": true}

func (req *trainingRequest) validate() error {
	verr := &domain.ValidationError{}
	req.ModelName = strings.TrimSpace(req.ModelName)
	req.TriggerWord = strings.TrimSpace(req.TriggerWord)
	req.ZipURL = strings.TrimSpace(req.ZipURL)
	if req.ModelName == "" {
		verr.Add("modelName", "is required")
	}
	if req.TriggerWord == "" {
		verr.Add("triggerWord", "is required")
	}
	if !isHTTPURL(req.ZipURL) {
		verr.Add("zipUrl", "must be a valid URL")
	}
	if req.Webhook != "" && !isHTTPURL(req.Webhook) {
		verr.Add("webhook", "must be a valid URL")
	}
	for _, ev := range req.WebhookEventsFilter {
		if !webhookEvents[ev] {
			verr.Add("webhook_events_filter", "unknown event "+ev)
		}
	}
	return verr.OrNil()
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// StartTraining creates the destination model and starts a training for an
// archive that is already uploaded.
func (a *App) StartTraining(w http.ResponseWriter, r *http.Request) {
	if a.currentUserID(r) == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
		return
	}
	var req trainingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		a.invalid(w, &domain.ValidationError{Fields: []domain.FieldError{{Field: "body", Message: "invalid JSON"}}})
		return
	}
	if err := req.validate(); err != nil {
		a.invalid(w, err)
		return
	}
	if req.Webhook == "" && a.Config != nil && a.Config.ReplicateWebhookURL != "" {
		req.Webhook = a.Config.ReplicateWebhookURL
		req.WebhookEventsFilter = a.Config.ReplicateWebhookEvents
	}

	logger := a.requestLogger(r)
	model, err := a.Trainer.CreateModel(r.Context(), req.ModelName)
	if err != nil {
		logger.Error().Err(err).Str("model_name", req.ModelName).Msg("training: create model failed")
		a.error(w, http.StatusInternalServerError, "model_creation_failed", "Failed to start training")
		return
	}
	job, err := a.Trainer.StartTraining(r.Context(), domain.TrainingRequest{
		ModelName:           req.ModelName,
		TriggerWord:         req.TriggerWord,
		ZipURL:              req.ZipURL,
		Webhook:             req.Webhook,
		WebhookEventsFilter: req.WebhookEventsFilter,
	})
	if err != nil {
		logger.Error().Err(err).Str("model", model.ID).Msg("training: start failed")
		a.error(w, http.StatusInternalServerError, "training_start_failed", "Failed to start training")
		return
	}
	logger.Info().Str("model", model.ID).Str("training_id", job.ID).Msg("training: started")
	a.json(w, http.StatusOK, trainingResponse{Success: true, Model: model, Training: job})
}
