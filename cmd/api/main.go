package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"retratai/internal/bootstrap"
	"retratai/internal/catalog"
	"retratai/internal/http/handlers"
	httpapi "retratai/internal/http/httpapi"
	"retratai/internal/infra"
	"retratai/internal/infra/geoip"
	"retratai/internal/pipeline"
	"retratai/internal/progress"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel)
	if err := cfg.RequireSessionSecret(); err != nil {
		logger.Fatal().Err(err).Msg("api: invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	captioner, err := bootstrap.NewCaptioner(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: captioner")
	}
	uploader, closeUploader, err := bootstrap.NewUploader(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: uploader")
	}
	defer closeUploader()
	trainer, err := bootstrap.NewTrainer(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: trainer")
	}
	models, closeModels, err := bootstrap.NewModels(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: database")
	}
	defer closeModels()
	if models == nil {
		logger.Warn().Msg("api: DATABASE_URL not set, trained models are not recorded")
	}
	idem, closeGuard, err := bootstrap.NewGuard(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: idempotency guard")
	}
	defer closeGuard()
	countries, err := geoip.Open(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("api: geoip disabled")
	}
	defer countries.Close()

	broker := progress.NewBroker(0, &logger)
	p, err := pipeline.New(pipeline.Options{
		Captioner:           captioner,
		Uploader:            uploader,
		Trainer:             trainer,
		Models:              models,
		Observer:            broker,
		Logger:              &logger,
		CaptionConcurrency:  cfg.CaptionConcurrency,
		Webhook:             cfg.ReplicateWebhookURL,
		WebhookEventsFilter: cfg.WebhookEventsFilter(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: pipeline")
	}
	runs := pipeline.NewRegistry(ctx, p, cfg.SubmissionRetention)
	go evictLoop(ctx, runs)

	app := &handlers.App{
		Config:  cfg,
		Logger:  logger,
		Trainer: trainer,
		Runs:    runs,
		Events:  broker,
		Models:  models,
		Guard:   idem,
		Styles:  catalog.Default(),
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		AllowedOrigins:  cfg.AllowedOrigins,
		DefaultLocale:   cfg.DefaultLocale,
		CountryLookup:   countries.Lookup(),
		SessionSecret:   cfg.SupabaseJWTSecret,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})
	server := infra.NewHTTPServer(ctx, cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Str("storage", cfg.StorageBackend).Str("captions", cfg.CaptionProvider).Msg("api: listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("api: http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: shutdown failed")
	}
	if err := runs.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api: runs still in flight at exit")
	}
	logger.Info().Msg("api: stopped")
}

func evictLoop(ctx context.Context, runs *pipeline.Registry) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runs.Evict()
		}
	}
}
