// Package pipeline turns a validated submission into a running remote
// training: caption every photo, archive, upload, create the model, start the
// training and record it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"retratai/internal/domain"
	"retratai/internal/infra"
	"retratai/internal/providers/caption"
	"retratai/internal/retry"
	"retratai/internal/storage"
)

// State is a step of a run.
type State string

const (
	StateIdle             State = "idle"
	StateProcessingImages State = "processing_images"
	StateUploadingArchive State = "uploading_archive"
	StateStartingTraining State = "starting_training"
	StateFinishing        State = "finishing"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// RedirectPath is where the user lands once the training has started.
const RedirectPath = "/dashboard/models"

var (
	ErrAlreadyStarted = errors.New("pipeline: run already started")
	ErrCanceled       = fmt.Errorf("pipeline: %w", domain.ErrCanceled)
)

// Trainer creates destination models and starts trainings.
type Trainer interface {
	CreateModel(ctx context.Context, name string) (*domain.RemoteModel, error)
	StartTraining(ctx context.Context, req domain.TrainingRequest) (*domain.TrainingJob, error)
}

// Event reports a state change or captioning progress of one run.
type Event struct {
	SubmissionID string    `json:"submissionId"`
	State        State     `json:"state"`
	At           time.Time `json:"at"`
	Processed    int       `json:"processed,omitempty"`
	Total        int       `json:"total,omitempty"`
	ErrorKind    string    `json:"errorKind,omitempty"`
	Message      string    `json:"message,omitempty"`
	TrainingID   string    `json:"trainingId,omitempty"`
}

// Observer receives run events. Observe must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Result is the outcome of a successful run.
type Result struct {
	SubmissionID   string                `json:"submissionId"`
	TrainingID     string                `json:"trainingId"`
	TrainingStatus domain.TrainingStatus `json:"trainingStatus"`
	ModelID        string                `json:"modelId"`
	ArchiveKey     string                `json:"archiveKey"`
	ZipURL         string                `json:"zipUrl"`
	TriggerWord    string                `json:"triggerWord"`
	Redirect       string                `json:"redirect"`
}

// Options wires the pipeline to its collaborators. Captioner, Uploader and
// Trainer are required; Models may be nil to skip persistence.
type Options struct {
	Captioner caption.Captioner
	Uploader  storage.Uploader
	Trainer   Trainer
	Models    domain.TrainedModelRepository
	Observer  Observer
	Logger    *infra.Logger

	// UploadPolicy and PersistPolicy default to retry.DefaultPolicy when zero.
	UploadPolicy  retry.Policy
	PersistPolicy retry.Policy
	RetryOptions  []retry.Option
	// Notify is called once when an upload or persistence retry loop gives up.
	Notify func(op string, err error)

	// CaptionConcurrency bounds parallel caption calls; 1 keeps strict order.
	CaptionConcurrency int

	Webhook             string
	WebhookEventsFilter []string

	Now func() time.Time
}

// Pipeline builds runs that share the same collaborators.
type Pipeline struct {
	captioner   caption.Captioner
	uploader    storage.Uploader
	trainer     Trainer
	models      domain.TrainedModelRepository
	observer    Observer
	logger      *infra.Logger
	upload      retry.Policy
	persist     retry.Policy
	retryOpts   []retry.Option
	concurrency int
	webhook     string
	webhookEvts []string
	now         func() time.Time
}

// New validates opts and applies defaults.
func New(opts Options) (*Pipeline, error) {
	if opts.Captioner == nil {
		return nil, errors.New("pipeline: captioner is required")
	}
	if opts.Uploader == nil {
		return nil, errors.New("pipeline: uploader is required")
	}
	if opts.Trainer == nil {
		return nil, errors.New("pipeline: trainer is required")
	}
	logger := opts.Logger
	if logger == nil {
		nop := infra.NopLogger()
		logger = &nop
	}
	observer := opts.Observer
	if observer == nil {
		observer = ObserverFunc(func(Event) {})
	}
	upload := opts.UploadPolicy
	if upload == (retry.Policy{}) {
		upload = retry.DefaultPolicy()
	}
	persist := opts.PersistPolicy
	if persist == (retry.Policy{}) {
		persist = retry.DefaultPolicy()
	}
	concurrency := opts.CaptionConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retryOpts := append([]retry.Option{retry.WithLogger(logger)}, opts.RetryOptions...)
	if opts.Notify != nil {
		retryOpts = append(retryOpts, retry.WithNotify(opts.Notify))
	}
	return &Pipeline{
		captioner:   opts.Captioner,
		uploader:    opts.Uploader,
		trainer:     opts.Trainer,
		models:      opts.Models,
		observer:    observer,
		logger:      logger,
		upload:      upload,
		persist:     persist,
		retryOpts:   retryOpts,
		concurrency: concurrency,
		webhook:     opts.Webhook,
		webhookEvts: opts.WebhookEventsFilter,
		now:         now,
	}, nil
}

// NewRun prepares a run for sub in the Idle state.
func (p *Pipeline) NewRun(sub *domain.Submission) *Run {
	return newRun(p, sub)
}
