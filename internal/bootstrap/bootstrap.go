// Package bootstrap builds the external service clients from configuration
// for the API server and the submit command.
package bootstrap

import (
	"context"
	"fmt"

	"retratai/internal/adapter/repo"
	"retratai/internal/domain"
	"retratai/internal/guard"
	"retratai/internal/infra"
	"retratai/internal/providers/caption"
	"retratai/internal/providers/replicate"
	"retratai/internal/storage"
)

// NewCaptioner returns the configured captioning provider wrapped in the
// caption retry policy.
func NewCaptioner(cfg *infra.Config, logger *infra.Logger) (caption.Captioner, error) {
	var (
		c   caption.Captioner
		err error
	)
	switch cfg.CaptionProvider {
	case infra.CaptionProviderOpenAI:
		c, err = caption.NewOpenAICaptioner(caption.OpenAIOptions{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Logger:  logger,
		})
	default:
		c, err = caption.NewGeminiCaptioner(caption.GeminiOptions{
			APIKey:  cfg.GeminiAPIKey,
			BaseURL: cfg.GeminiBaseURL,
			Model:   cfg.GeminiModel,
			Logger:  logger,
		})
	}
	if err != nil {
		return nil, err
	}
	return caption.WithRetry(c, caption.DefaultPolicy(), logger), nil
}

// NewUploader returns the configured archive store and a function that
// releases its resources.
func NewUploader(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (storage.Uploader, func() error, error) {
	noop := func() error { return nil }
	switch cfg.StorageBackend {
	case infra.StorageBackendFilesystem:
		store, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case infra.StorageBackendGCS:
		client, err := storage.NewGCSClient(ctx)
		if err != nil {
			return nil, noop, err
		}
		store, err := storage.NewGCSStore(client, cfg.GCSBucket, logger)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return store, client.Close, nil
	default:
		store, err := storage.NewSupabaseStore(storage.SupabaseOptions{
			BaseURL: cfg.SupabaseURL,
			APIKey:  cfg.SupabaseAnonKey,
			Bucket:  cfg.StorageBucket,
			Logger:  logger,
		})
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	}
}

func NewTrainer(cfg *infra.Config, logger *infra.Logger) (*replicate.Client, error) {
	return replicate.NewClient(replicate.Options{
		APIToken: cfg.ReplicateAPIToken,
		Owner:    cfg.ReplicateUsername,
		BaseURL:  cfg.ReplicateBaseURL,
		Logger:   logger,
	})
}

// NewModels connects to Postgres and prepares the trained_models table. It
// returns a nil repository when DATABASE_URL is unset.
func NewModels(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (domain.TrainedModelRepository, func(), error) {
	if cfg.DatabaseURL == "" {
		return nil, func() {}, nil
	}
	if logger == nil {
		nop := infra.NopLogger()
		logger = &nop
	}
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return nil, func() {}, err
	}
	models := repo.NewTrainedModelRepository(infra.NewSQLRunner(pool, *logger))
	if err := models.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, func() {}, err
	}
	return models, pool.Close, nil
}

// NewGuard uses Redis when REDIS_URL is set and process memory otherwise.
func NewGuard(ctx context.Context, cfg *infra.Config) (guard.Guard, func() error, error) {
	if cfg.RedisURL == "" {
		return guard.NewMemoryGuard(), func() error { return nil }, nil
	}
	g, err := guard.NewRedisGuard(ctx, cfg.RedisURL)
	if err != nil {
		return nil, func() error { return nil }, fmt.Errorf("bootstrap: %w", err)
	}
	return g, g.Close, nil
}
