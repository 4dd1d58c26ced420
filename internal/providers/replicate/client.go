// Package replicate creates destination models and starts LoRA trainings on
// the Replicate API.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"retratai/internal/domain"
	"retratai/internal/infra"
	"retratai/internal/retry"
)

const (
	defaultBaseURL = "https://api.replicate.com/v1"

	TrainerOwner   = "ostris"
	TrainerModel   = "flux-dev-lora-trainer"
	TrainerVersion = "e440909d3512c31646ee2e0c7d6f6f4923224863a6a10c494606e79fb5844497"

	defaultVisibility = "private"
	defaultHardware   = "gpu-t4"
)

// ErrMissingToken indicates that the client was configured without credentials.
var ErrMissingToken = errors.New("replicate: api token is required")

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("replicate: status %d", e.StatusCode)
	}
	return fmt.Sprintf("replicate: status %d: %s", e.StatusCode, e.Detail)
}

// Options configures the Replicate client.
type Options struct {
	APIToken   string
	Owner      string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
	// CreateModelPolicy and StartTrainingPolicy default to
	// DefaultCreateModelPolicy and DefaultStartTrainingPolicy when zero.
	CreateModelPolicy   retry.Policy
	StartTrainingPolicy retry.Policy
	RetryOptions        []retry.Option
}

// Client performs HTTP calls against the Replicate REST API.
type Client struct {
	token        string
	owner        string
	baseURL      string
	httpClient   *http.Client
	logger       *infra.Logger
	createPolicy retry.Policy
	trainPolicy  retry.Policy
	retryOptions []retry.Option
}

// DefaultCreateModelPolicy retries model creation three times from two seconds.
func DefaultCreateModelPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 3, InitialDelay: 2 * time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2}
}

// DefaultStartTrainingPolicy retries training kickoff twice from three seconds.
func DefaultStartTrainingPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 2, InitialDelay: 3 * time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2}
}

type createModelRequest struct {
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	Visibility string `json:"visibility"`
	Hardware   string `json:"hardware"`
}

type trainingInput struct {
	Steps               int     `json:"steps"`
	LoraRank            int     `json:"lora_rank"`
	Optimizer           string  `json:"optimizer"`
	BatchSize           int     `json:"batch_size"`
	Resolution          string  `json:"resolution"`
	Autocaption         bool    `json:"autocaption"`
	InputImages         string  `json:"input_images"`
	TriggerWord         string  `json:"trigger_word"`
	LearningRate        float64 `json:"learning_rate"`
	WandbProject        string  `json:"wandb_project"`
	WandbSaveInterval   int     `json:"wandb_save_interval"`
	CaptionDropoutRate  float64 `json:"caption_dropout_rate"`
	CacheLatentsToDisk  bool    `json:"cache_latents_to_disk"`
	WandbSampleInterval int     `json:"wandb_sample_interval"`
}

type trainingRequest struct {
	Destination         string        `json:"destination"`
	Input               trainingInput `json:"input"`
	Webhook             string        `json:"webhook,omitempty"`
	WebhookEventsFilter []string      `json:"webhook_events_filter,omitempty"`
}

type errorResponse struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func newTrainingInput(zipURL, triggerWord string) trainingInput {
	return trainingInput{
		Steps:               30,
		LoraRank:            16,
		Optimizer:           "adamw8bit",
		BatchSize:           1,
		Resolution:          "512,768,1024",
		Autocaption:         false,
		InputImages:         zipURL,
		TriggerWord:         triggerWord,
		LearningRate:        0.0004,
		WandbProject:        "flux_train_replicate",
		WandbSaveInterval:   100,
		CaptionDropoutRate:  0.05,
		CacheLatentsToDisk:  false,
		WandbSampleInterval: 100,
	}
}

// NewClient constructs a client with defaults for unset options.
func NewClient(opts Options) (*Client, error) {
	token := strings.TrimSpace(opts.APIToken)
	if token == "" {
		return nil, ErrMissingToken
	}
	owner := strings.TrimSpace(opts.Owner)
	if owner == "" {
		return nil, errors.New("replicate: owner is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		nop := infra.NopLogger()
		logger = &nop
	}
	createPolicy := opts.CreateModelPolicy
	if createPolicy == (retry.Policy{}) {
		createPolicy = DefaultCreateModelPolicy()
	}
	trainPolicy := opts.StartTrainingPolicy
	if trainPolicy == (retry.Policy{}) {
		trainPolicy = DefaultStartTrainingPolicy()
	}
	return &Client{
		token:        token,
		owner:        owner,
		baseURL:      baseURL,
		httpClient:   httpClient,
		logger:       logger,
		createPolicy: createPolicy,
		trainPolicy:  trainPolicy,
		retryOptions: opts.RetryOptions,
	}, nil
}

// Owner returns the account that owns created models.
func (c *Client) Owner() string {
	return c.owner
}

// CreateModel creates the private destination model <owner>/<name>.
func (c *Client) CreateModel(ctx context.Context, name string) (*domain.RemoteModel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("replicate: model name is required")
	}
	payload := createModelRequest{
		Owner:      c.owner,
		Name:       name,
		Visibility: defaultVisibility,
		Hardware:   defaultHardware,
	}
	model, err := retry.Do(ctx, c.createPolicy, func(ctx context.Context) (*domain.RemoteModel, error) {
		var out domain.RemoteModel
		if err := c.post(ctx, "/models", payload, &out); err != nil {
			return nil, err
		}
		if out.Owner == "" || out.Name == "" {
			return nil, errors.New("replicate: model response missing owner or name")
		}
		if out.ID == "" {
			out.ID = out.Owner + "/" + out.Name
		}
		return &out, nil
	}, c.retryOpts("replicate create model")...)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("model", model.ID).Msg("replicate: model created")
	return model, nil
}

// StartTraining launches the LoRA trainer against <owner>/<ModelName>.
func (c *Client) StartTraining(ctx context.Context, req domain.TrainingRequest) (*domain.TrainingJob, error) {
	if strings.TrimSpace(req.ModelName) == "" || strings.TrimSpace(req.TriggerWord) == "" || strings.TrimSpace(req.ZipURL) == "" {
		return nil, errors.New("replicate: model name, trigger word and zip url are required")
	}
	payload := trainingRequest{
		Destination:         c.owner + "/" + strings.TrimSpace(req.ModelName),
		Input:               newTrainingInput(req.ZipURL, req.TriggerWord),
		Webhook:             req.Webhook,
		WebhookEventsFilter: req.WebhookEventsFilter,
	}
	path := fmt.Sprintf("/models/%s/%s/versions/%s/trainings", TrainerOwner, TrainerModel, TrainerVersion)
	job, err := retry.Do(ctx, c.trainPolicy, func(ctx context.Context) (*domain.TrainingJob, error) {
		var out domain.TrainingJob
		if err := c.post(ctx, path, payload, &out); err != nil {
			return nil, err
		}
		if out.ID == "" {
			return nil, errors.New("replicate: training response missing id")
		}
		return &out, nil
	}, c.retryOpts("replicate start training")...)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("training_id", job.ID).Str("status", string(job.Status)).Str("destination", payload.Destination).Msg("replicate: training started")
	return job, nil
}

func (c *Client) retryOpts(op string) []retry.Option {
	opts := []retry.Option{retry.WithOperation(op), retry.WithLogger(c.logger)}
	return append(opts, c.retryOptions...)
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return retry.Permanent(fmt.Errorf("replicate: marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("replicate: create request: %w", err))
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("replicate: invoke %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("replicate: read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(data))}
		var apiErr errorResponse
		if json.Unmarshal(data, &apiErr) == nil && (apiErr.Detail != "" || apiErr.Title != "") {
			statusErr.Detail = strings.TrimPrefix(strings.TrimSpace(apiErr.Title+": "+apiErr.Detail), ": ")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return retry.Permanent(statusErr)
		}
		return statusErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("replicate: decode response: %w", err)
	}
	return nil
}
