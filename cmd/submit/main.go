// Command submit runs one training submission from a local folder of photos
// and prints the outcome as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"retratai/internal/bootstrap"
	"retratai/internal/catalog"
	"retratai/internal/domain"
	"retratai/internal/infra"
	"retratai/internal/pipeline"
)

func main() {
	var (
		nameFlag   string
		genderFlag string
		styleFlag  string
		dirFlag    string
		userFlag   string
		localeFlag string
	)

	flag.StringVar(&nameFlag, "name", "", "name of the person to train")
	flag.StringVar(&genderFlag, "gender", "", "man or woman")
	flag.StringVar(&styleFlag, "style", "professional", "portrait style")
	flag.StringVar(&dirFlag, "dir", "", "folder with 10 to 15 png or jpg photos")
	flag.StringVar(&userFlag, "user", "", "owner UUID recorded with the trained model (random when empty)")
	flag.StringVar(&localeFlag, "locale", "es", "language for error messages (es or en)")
	flag.Parse()

	_ = godotenv.Load()

	if strings.TrimSpace(dirFlag) == "" {
		exitWithError(errors.New("-dir is required"))
	}
	if !catalog.Default().Available(styleFlag) {
		exitWithError(fmt.Errorf("style %q is not available", styleFlag))
	}
	userID, err := parseUserID(userFlag)
	if err != nil {
		exitWithError(err)
	}
	images, err := loadImages(dirFlag)
	if err != nil {
		exitWithError(err)
	}
	sub, err := domain.NewSubmission(domain.SubmissionInput{
		UserID:    userID,
		ModelName: nameFlag,
		Gender:    genderFlag,
		Style:     styleFlag,
		Locale:    domain.MatchLocale(localeFlag),
		Images:    images,
	}, nil)
	if err != nil {
		exitWithError(err)
	}

	cfg, err := infra.LoadConfig()
	if err != nil {
		exitWithError(err)
	}
	logger := infra.NewLogger("cli", cfg.LogLevel).With().Str("cmd", "submit").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	captioner, err := bootstrap.NewCaptioner(cfg, &logger)
	if err != nil {
		exitWithError(err)
	}
	uploader, closeUploader, err := bootstrap.NewUploader(ctx, cfg, &logger)
	if err != nil {
		exitWithError(err)
	}
	defer closeUploader()
	trainer, err := bootstrap.NewTrainer(cfg, &logger)
	if err != nil {
		exitWithError(err)
	}
	models, closeModels, err := bootstrap.NewModels(ctx, cfg, &logger)
	if err != nil {
		exitWithError(err)
	}
	defer closeModels()

	p, err := pipeline.New(pipeline.Options{
		Captioner:           captioner,
		Uploader:            uploader,
		Trainer:             trainer,
		Models:              models,
		Logger:              &logger,
		CaptionConcurrency:  cfg.CaptionConcurrency,
		Webhook:             cfg.ReplicateWebhookURL,
		WebhookEventsFilter: cfg.WebhookEventsFilter(),
		Observer: pipeline.ObserverFunc(func(ev pipeline.Event) {
			if ev.State == pipeline.StateProcessingImages && ev.Total > 0 {
				fmt.Fprintf(os.Stderr, "%s %d/%d\n", ev.State, ev.Processed, ev.Total)
				return
			}
			fmt.Fprintln(os.Stderr, ev.State)
		}),
		Notify: func(op string, err error) {
			fmt.Fprintf(os.Stderr, "%s gave up: %v\n", op, err)
		},
	})
	if err != nil {
		exitWithError(err)
	}

	fmt.Fprintf(os.Stderr, "user: %s\ntrigger word: %s\n", sub.UserID, sub.TriggerWord)
	res, err := p.NewRun(sub).Execute(ctx)
	if err != nil {
		exitWithError(errors.New(domain.UserMessage(err, sub.Locale)))
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		exitWithError(err)
	}
}

// parseUserID returns the canonical form of raw, or a fresh UUID when raw is
// empty. trained_models.user_id is a uuid column.
func parseUserID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.NewString(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("-user must be a UUID: %w", err)
	}
	return id.String(), nil
}

// loadImages reads the png and jpg files of dir in name order.
func loadImages(dir string) ([]domain.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read photos: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	images := make([]domain.Image, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		images = append(images, domain.Image{Filename: name, Data: data})
	}
	return images, nil
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
