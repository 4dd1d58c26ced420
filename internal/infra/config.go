package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	CaptionProviderGemini = "gemini"
	CaptionProviderOpenAI = "openai"

	StorageBackendSupabase   = "supabase"
	StorageBackendGCS        = "gcs"
	StorageBackendFilesystem = "filesystem"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv   string
	Port     string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	SupabaseURL       string
	SupabaseAnonKey   string
	SupabaseJWTSecret string
	StorageBackend    string
	StorageBucket     string
	StoragePath       string
	StorageBaseURL    string
	GCSBucket         string

	ReplicateAPIToken      string
	ReplicateUsername      string
	ReplicateBaseURL       string
	ReplicateWebhookURL    string
	ReplicateWebhookSecret string
	ReplicateWebhookEvents []string

	CaptionProvider    string
	CaptionConcurrency int
	GeminiAPIKey       string
	GeminiModel        string
	GeminiBaseURL      string
	OpenAIAPIKey       string
	OpenAIModel        string
	OpenAIBaseURL      string

	GeoIPDBPath         string
	DefaultLocale       string
	AllowedOrigins      []string
	HTTPReadTimeout     time.Duration
	HTTPWriteTimeout    time.Duration
	HTTPIdleTimeout     time.Duration
	RateLimitPerMin     int
	MaxUploadBytes      int64
	SubmissionRetention time.Duration
	IdempotencyTTL      time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		Port:     getEnv("PORT", "8080"),
		LogLevel: os.Getenv("LOG_LEVEL"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		SupabaseURL:       strings.TrimRight(os.Getenv("SUPABASE_URL"), "/"),
		SupabaseAnonKey:   os.Getenv("SUPABASE_ANON_KEY"),
		SupabaseJWTSecret: os.Getenv("SUPABASE_JWT_SECRET"),
		StorageBackend:    strings.ToLower(getEnv("STORAGE_BACKEND", StorageBackendSupabase)),
		StorageBucket:     getEnv("STORAGE_BUCKET", "zip"),
		StoragePath:       getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:    getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		GCSBucket:         os.Getenv("GCS_BUCKET"),

		ReplicateAPIToken:      os.Getenv("REPLICATE_API_TOKEN"),
		ReplicateUsername:      os.Getenv("REPLICATE_USERNAME"),
		ReplicateBaseURL:       getEnv("REPLICATE_BASE_URL", "https://api.replicate.com/v1"),
		ReplicateWebhookURL:    os.Getenv("REPLICATE_WEBHOOK_URL"),
		ReplicateWebhookSecret: os.Getenv("REPLICATE_WEBHOOK_SECRET"),
		ReplicateWebhookEvents: getEnvList("REPLICATE_WEBHOOK_EVENTS", []string{"completed"}),

		CaptionProvider:    strings.ToLower(getEnv("CAPTION_PROVIDER", CaptionProviderGemini)),
		CaptionConcurrency: getEnvInt("CAPTION_CONCURRENCY", 1),
		GeminiAPIKey:       os.Getenv("GEMINI_API_KEY"),
		GeminiModel:        getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		GeminiBaseURL:      getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),

		GeoIPDBPath:         os.Getenv("GEOIP_DB_PATH"),
		DefaultLocale:       getEnv("DEFAULT_LOCALE", "es"),
		AllowedOrigins:      getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		HTTPReadTimeout:     time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 60)),
		HTTPWriteTimeout:    time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 60)),
		HTTPIdleTimeout:     time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 120)),
		RateLimitPerMin:     getEnvInt("RATE_LIMIT_PER_MINUTE", 10),
		MaxUploadBytes:      int64(getEnvInt("MAX_UPLOAD_MB", 100)) << 20,
		SubmissionRetention: getEnvDuration("SUBMISSION_RETENTION", time.Hour),
		IdempotencyTTL:      getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
	}

	required := []struct {
		name  string
		value string
	}{
		{"SUPABASE_URL", cfg.SupabaseURL},
		{"SUPABASE_ANON_KEY", cfg.SupabaseAnonKey},
		{"REPLICATE_API_TOKEN", cfg.ReplicateAPIToken},
		{"REPLICATE_USERNAME", cfg.ReplicateUsername},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return nil, fmt.Errorf("%s is required", r.name)
		}
	}

	switch cfg.CaptionProvider {
	case CaptionProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required")
		}
	case CaptionProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when CAPTION_PROVIDER=openai")
		}
	default:
		return nil, fmt.Errorf("unsupported CAPTION_PROVIDER %q", cfg.CaptionProvider)
	}

	switch cfg.StorageBackend {
	case StorageBackendSupabase, StorageBackendFilesystem:
	case StorageBackendGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCS_BUCKET is required when STORAGE_BACKEND=gcs")
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	if cfg.ReplicateWebhookURL != "" && strings.TrimSpace(cfg.ReplicateWebhookSecret) == "" {
		return nil, fmt.Errorf("REPLICATE_WEBHOOK_SECRET is required when REPLICATE_WEBHOOK_URL is set")
	}

	if cfg.CaptionConcurrency < 1 {
		cfg.CaptionConcurrency = 1
	}

	return cfg, nil
}

// WebhookEventsFilter returns the Replicate events to subscribe to, or nil
// when no webhook is configured.
func (c *Config) WebhookEventsFilter() []string {
	if c.ReplicateWebhookURL == "" {
		return nil
	}
	return c.ReplicateWebhookEvents
}

// RequireSessionSecret reports whether the API can verify user sessions.
func (c *Config) RequireSessionSecret() error {
	if c.SupabaseJWTSecret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
