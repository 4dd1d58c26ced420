package domain

import "time"

// TrainingStatus mirrors the remote training lifecycle.
type TrainingStatus string

const (
	TrainingStarting   TrainingStatus = "starting"
	TrainingProcessing TrainingStatus = "processing"
	TrainingSucceeded  TrainingStatus = "succeeded"
	TrainingFailed     TrainingStatus = "failed"
	TrainingCanceled   TrainingStatus = "canceled"

	// TrainingInProgress is the local record status until a webhook reports
	// the remote outcome.
	TrainingInProgress TrainingStatus = "training"
)

// Known reports whether s is a status the remote service emits.
func (s TrainingStatus) Known() bool {
	switch s {
	case TrainingStarting, TrainingProcessing, TrainingSucceeded, TrainingFailed, TrainingCanceled:
		return true
	}
	return false
}

// RemoteModel is the destination model created on the training service.
type RemoteModel struct {
	ID          string  `json:"id,omitempty"`
	Owner       string  `json:"owner"`
	Name        string  `json:"name"`
	URL         string  `json:"url,omitempty"`
	Visibility  string  `json:"visibility,omitempty"`
	Description *string `json:"description,omitempty"`
	RunCount    int     `json:"run_count,omitempty"`
}

// TrainingRequest starts a fine-tuning job for an existing remote model.
type TrainingRequest struct {
	ModelName           string
	TriggerWord         string
	ZipURL              string
	Webhook             string
	WebhookEventsFilter []string
}

// TrainingJob is the remote job handle returned when training starts.
type TrainingJob struct {
	ID        string            `json:"id"`
	Model     string            `json:"model,omitempty"`
	Version   string            `json:"version,omitempty"`
	Status    TrainingStatus    `json:"status"`
	Error     any               `json:"error,omitempty"`
	URLs      map[string]string `json:"urls,omitempty"`
	CreatedAt string            `json:"created_at,omitempty"`
}

// TrainedModel is the local record linking a user to a remote training.
type TrainedModel struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	ModelName     string         `json:"modelName"`
	RemoteModelID string         `json:"remoteModelId"`
	TrainingID    string         `json:"trainingId"`
	Status        TrainingStatus `json:"status"`
	TriggerWord   string         `json:"triggerWord"`
	Style         string         `json:"style"`
	ZipURL        string         `json:"zipUrl"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}
