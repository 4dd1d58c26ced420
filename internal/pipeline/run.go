package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"retratai/internal/domain"
	"retratai/internal/infra"
	"retratai/internal/providers/caption"
	"retratai/internal/retry"
	"retratai/internal/storage"
	"retratai/pkg/zip"
)

// Snapshot is the observable state of a run.
type Snapshot struct {
	Event
	UserID      string  `json:"-"`
	ModelName   string  `json:"modelName"`
	TriggerWord string  `json:"triggerWord"`
	Result      *Result `json:"result,omitempty"`
}

// Run executes one submission. A run executes at most once.
type Run struct {
	p   *Pipeline
	sub *domain.Submission

	started  *atomic.Bool
	canceled *atomic.Bool

	mu        sync.Mutex
	last      Event
	processed int
	result    *Result
	err       error

	done     chan struct{}
	doneOnce sync.Once
}

func newRun(p *Pipeline, sub *domain.Submission) *Run {
	return &Run{
		p:        p,
		sub:      sub,
		started:  atomic.NewBool(false),
		canceled: atomic.NewBool(false),
		last: Event{
			SubmissionID: sub.ID,
			State:        StateIdle,
			At:           p.now(),
			Total:        len(sub.Images),
		},
		done: make(chan struct{}),
	}
}

// ID returns the submission id.
func (r *Run) ID() string { return r.sub.ID }

// UserID returns the owner of the submission.
func (r *Run) UserID() string { return r.sub.UserID }

// State returns the current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last.State
}

// Snapshot returns the latest event together with the result once done.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Event:       r.last,
		UserID:      r.sub.UserID,
		ModelName:   r.sub.ModelName,
		TriggerWord: r.sub.TriggerWord,
		Result:      r.result,
	}
}

// Done is closed when Execute returns.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err returns the error Execute finished with, if any.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Cancel stops the run after the in-flight call returns. It reports whether
// the run was moved to Failed.
func (r *Run) Cancel() bool {
	if !r.canceled.CompareAndSwap(false, true) {
		return false
	}
	ok := r.transition(StateFailed, Event{
		ErrorKind: domain.ErrorKind(ErrCanceled),
		Message:   domain.UserMessage(ErrCanceled, r.sub.Locale),
	})
	if ok {
		r.p.logger.Info().Str("submission_id", r.sub.ID).Msg("pipeline: run canceled")
	}
	return ok
}

// Execute runs every step in order. It returns ErrAlreadyStarted when called
// twice and ErrCanceled when Cancel interrupted the run.
func (r *Run) Execute(ctx context.Context) (*Result, error) {
	if !r.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	defer r.doneOnce.Do(func() { close(r.done) })

	res, err := r.execute(ctx)
	r.mu.Lock()
	r.result, r.err = res, err
	r.mu.Unlock()
	return res, err
}

func (r *Run) execute(ctx context.Context) (*Result, error) {
	sub := r.sub
	logger := r.p.logger.With().
		Str("submission_id", sub.ID).
		Str("user_id", sub.UserID).
		Str("model_name", sub.ModelName).
		Logger()

	if !r.transition(StateProcessingImages, Event{}) {
		return nil, ErrCanceled
	}
	captions, err := r.captionAll(ctx)
	if err != nil {
		return nil, r.fail(&logger, err)
	}

	if !r.transition(StateUploadingArchive, Event{}) {
		return nil, ErrCanceled
	}
	archive, err := buildArchive(sub.Images, captions)
	if err != nil {
		return nil, r.fail(&logger, fmt.Errorf("%w: %w", domain.ErrUploadFailed, err))
	}
	key := storage.ArchiveKey(sub.ModelName)
	err = retry.DoErr(ctx, r.p.upload, func(ctx context.Context) error {
		err := r.p.uploader.Upload(ctx, key, archive, storage.ArchiveContentType)
		if errors.Is(err, storage.ErrObjectExists) {
			return retry.Permanent(err)
		}
		return err
	}, r.retryOpts("upload archive")...)
	if err != nil {
		return nil, r.fail(&logger, fmt.Errorf("%w: %w", domain.ErrUploadFailed, err))
	}
	zipURL := r.p.uploader.PublicURL(key)
	logger.Info().Str("archive_key", key).Int("bytes", len(archive)).Msg("pipeline: archive uploaded")

	if !r.transition(StateStartingTraining, Event{}) {
		logger.Warn().Str("archive_key", key).Msg("pipeline: canceled after upload, archive left in storage")
		return nil, ErrCanceled
	}
	model, err := r.p.trainer.CreateModel(ctx, sub.ModelName)
	if err != nil {
		logger.Warn().Str("archive_key", key).Msg("pipeline: archive left in storage")
		return nil, r.fail(&logger, fmt.Errorf("%w: %w", domain.ErrModelCreationFailed, err))
	}
	if r.canceled.Load() {
		logger.Warn().Str("archive_key", key).Str("model_id", model.ID).Msg("pipeline: canceled after model creation")
		return nil, ErrCanceled
	}
	job, err := r.p.trainer.StartTraining(ctx, domain.TrainingRequest{
		ModelName:           sub.ModelName,
		TriggerWord:         sub.TriggerWord,
		ZipURL:              zipURL,
		Webhook:             r.p.webhook,
		WebhookEventsFilter: r.p.webhookEvts,
	})
	if err != nil {
		logger.Warn().Str("archive_key", key).Str("model_id", model.ID).Msg("pipeline: archive left in storage")
		return nil, r.fail(&logger, fmt.Errorf("%w: %w", domain.ErrTrainingStartFailed, err))
	}
	logger = logger.With().Str("training_id", job.ID).Logger()

	if !r.transition(StateFinishing, Event{TrainingID: job.ID}) {
		logger.Warn().Msg("pipeline: canceled after training start, training not recorded")
		return nil, ErrCanceled
	}
	if r.p.models != nil {
		now := r.p.now().UTC()
		record := &domain.TrainedModel{
			ID:            uuid.NewString(),
			UserID:        sub.UserID,
			ModelName:     sub.ModelName,
			RemoteModelID: model.ID,
			TrainingID:    job.ID,
			Status:        domain.TrainingInProgress,
			TriggerWord:   sub.TriggerWord,
			Style:         sub.Style,
			ZipURL:        zipURL,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		err := retry.DoErr(ctx, r.p.persist, func(ctx context.Context) error {
			return r.p.models.Insert(ctx, record)
		}, r.retryOpts("insert trained model")...)
		if err != nil {
			logger.Error().Msg("pipeline: remote training running without a local record")
			return nil, r.fail(&logger, fmt.Errorf("%w: %w", domain.ErrPersistenceInsertFailed, err))
		}
	}

	status := job.Status
	if status == "" {
		status = domain.TrainingStarting
	}
	result := &Result{
		SubmissionID:   sub.ID,
		TrainingID:     job.ID,
		TrainingStatus: status,
		ModelID:        model.ID,
		ArchiveKey:     key,
		ZipURL:         zipURL,
		TriggerWord:    sub.TriggerWord,
		Redirect:       RedirectPath,
	}
	r.mu.Lock()
	r.result = result
	r.mu.Unlock()
	if !r.transition(StateDone, Event{TrainingID: job.ID}) {
		return nil, ErrCanceled
	}
	logger.Info().Str("status", string(status)).Msg("pipeline: training started")
	return result, nil
}

func (r *Run) captionAll(ctx context.Context) ([]string, error) {
	images := r.sub.Images
	subject := caption.Subject{TriggerWord: r.sub.TriggerWord, Gender: r.sub.Gender}
	captions := make([]string, len(images))

	describe := func(ctx context.Context, i int) error {
		if r.canceled.Load() {
			return ErrCanceled
		}
		text, err := r.p.captioner.Caption(ctx, images[i], subject)
		if err != nil {
			return fmt.Errorf("%w: image %d: %w", domain.ErrCaptionGenerationFailed, i+1, err)
		}
		captions[i] = text
		r.progress()
		return nil
	}

	if r.p.concurrency <= 1 {
		for i := range images {
			if err := describe(ctx, i); err != nil {
				return nil, err
			}
		}
		return captions, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.p.concurrency)
	for i := range images {
		g.Go(func() error { return describe(gctx, i) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return captions, nil
}

func buildArchive(images []domain.Image, captions []string) ([]byte, error) {
	b := zip.NewBuilder()
	for i, img := range images {
		if err := b.AddImage(i, img.Extension(), img.Data, captions[i]); err != nil {
			return nil, err
		}
	}
	return b.Finalize()
}

func (r *Run) retryOpts(op string) []retry.Option {
	return append([]retry.Option{retry.WithOperation(op)}, r.p.retryOpts...)
}

// transition moves the run to next and publishes the event. Terminal states
// are never left, and a canceled run only accepts Failed.
func (r *Run) transition(next State, ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last.State.Terminal() {
		return false
	}
	if next != StateFailed && r.canceled.Load() {
		return false
	}
	ev.SubmissionID = r.sub.ID
	ev.State = next
	ev.At = r.p.now()
	ev.Processed = r.processed
	ev.Total = len(r.sub.Images)
	r.last = ev
	r.p.observer.Observe(ev)
	return true
}

func (r *Run) progress() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed++
	if r.last.State != StateProcessingImages {
		return
	}
	ev := r.last
	ev.Processed = r.processed
	ev.At = r.p.now()
	r.last = ev
	r.p.observer.Observe(ev)
}

func (r *Run) fail(logger *infra.Logger, err error) error {
	if r.canceled.Load() {
		return ErrCanceled
	}
	kind := domain.ErrorKind(err)
	r.transition(StateFailed, Event{
		ErrorKind: kind,
		Message:   domain.UserMessage(err, r.sub.Locale),
	})
	logger.Error().Err(err).Str("error_kind", kind).Msg("pipeline: run failed")
	return err
}
