package infra

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SUPABASE_URL", "https://project.supabase.co/")
	t.Setenv("SUPABASE_ANON_KEY", "anon")
	t.Setenv("REPLICATE_API_TOKEN", "r8_token")
	t.Setenv("REPLICATE_USERNAME", "retratai")
	t.Setenv("GEMINI_API_KEY", "gemini")
	t.Setenv("CAPTION_PROVIDER", "")
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("SUPABASE_JWT_SECRET", "")
	t.Setenv("CAPTION_CONCURRENCY", "")
	t.Setenv("REPLICATE_WEBHOOK_EVENTS", "")
	t.Setenv("SUBMISSION_RETENTION", "")
	t.Setenv("REPLICATE_WEBHOOK_URL", "")
	t.Setenv("REPLICATE_WEBHOOK_SECRET", "")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "")
	t.Setenv("ALLOWED_ORIGINS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.SupabaseURL != "https://project.supabase.co" {
		t.Fatalf("SupabaseURL = %q", cfg.SupabaseURL)
	}
	if cfg.CaptionProvider != CaptionProviderGemini || cfg.StorageBackend != StorageBackendSupabase {
		t.Fatalf("provider/backend = %q/%q", cfg.CaptionProvider, cfg.StorageBackend)
	}
	if cfg.StorageBucket != "zip" || cfg.Port != "8080" {
		t.Fatalf("bucket/port = %q/%q", cfg.StorageBucket, cfg.Port)
	}
	if cfg.CaptionConcurrency != 1 {
		t.Fatalf("CaptionConcurrency = %d", cfg.CaptionConcurrency)
	}
	if len(cfg.ReplicateWebhookEvents) != 1 || cfg.ReplicateWebhookEvents[0] != "completed" {
		t.Fatalf("ReplicateWebhookEvents = %#v", cfg.ReplicateWebhookEvents)
	}
	if cfg.SubmissionRetention != time.Hour {
		t.Fatalf("SubmissionRetention = %s", cfg.SubmissionRetention)
	}
	if err := cfg.RequireSessionSecret(); err == nil {
		t.Fatal("expected missing session secret error")
	}
}

func TestLoadConfigRequiredVariables(t *testing.T) {
	for _, name := range []string{"SUPABASE_URL", "SUPABASE_ANON_KEY", "REPLICATE_API_TOKEN", "REPLICATE_USERNAME", "GEMINI_API_KEY"} {
		t.Run(name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(name, "")
			_, err := LoadConfig()
			if err == nil || !strings.Contains(err.Error(), name) {
				t.Fatalf("expected error naming %s, got %v", name, err)
			}
		})
	}
}

func TestLoadConfigOpenAIProvider(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("CAPTION_PROVIDER", "OpenAI")
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := LoadConfig(); err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Fatalf("expected OPENAI_API_KEY error, got %v", err)
	}

	t.Setenv("OPENAI_API_KEY", "sk")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.CaptionProvider != CaptionProviderOpenAI {
		t.Fatalf("CaptionProvider = %q", cfg.CaptionProvider)
	}
}

func TestLoadConfigStorageBackends(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STORAGE_BACKEND", "gcs")
	t.Setenv("GCS_BUCKET", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected GCS_BUCKET error")
	}
	t.Setenv("STORAGE_BACKEND", "ftp")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected unsupported backend error")
	}
	t.Setenv("STORAGE_BACKEND", "filesystem")
	if _, err := LoadConfig(); err != nil {
		t.Fatalf("filesystem backend: %v", err)
	}
}

func TestLoadConfigLists(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ALLOWED_ORIGINS", " https://retratai.app , ,http://localhost:3000")
	t.Setenv("CAPTION_CONCURRENCY", "0")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	want := []string{"https://retratai.app", "http://localhost:3000"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %#v", cfg.AllowedOrigins)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
	if cfg.CaptionConcurrency != 1 {
		t.Fatalf("CaptionConcurrency = %d", cfg.CaptionConcurrency)
	}
}

func TestLoadConfigWebhookNeedsSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REPLICATE_WEBHOOK_URL", "https://api.retratai.app/api/webhooks/replicate")
	if _, err := LoadConfig(); err == nil || !strings.Contains(err.Error(), "REPLICATE_WEBHOOK_SECRET") {
		t.Fatalf("expected REPLICATE_WEBHOOK_SECRET error, got %v", err)
	}

	t.Setenv("REPLICATE_WEBHOOK_SECRET", "whsec_c2VjcmV0")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if got := cfg.WebhookEventsFilter(); len(got) != 1 || got[0] != "completed" {
		t.Fatalf("WebhookEventsFilter = %#v", got)
	}
}

func TestWebhookEventsFilterWithoutWebhook(t *testing.T) {
	cfg := &Config{ReplicateWebhookEvents: []string{"completed"}}
	if got := cfg.WebhookEventsFilter(); got != nil {
		t.Fatalf("WebhookEventsFilter = %#v, want nil", got)
	}
}
