package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"retratai/internal/infra"
)

const (
	// DefaultBucket holds the training archives.
	DefaultBucket   = "zip"
	supabaseTimeout = 2 * time.Minute
)

// SupabaseOptions configures the Supabase Storage REST client.
type SupabaseOptions struct {
	BaseURL    string
	APIKey     string
	Bucket     string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// SupabaseStore uploads objects through the Supabase Storage REST API with
// upsert disabled.
type SupabaseStore struct {
	baseURL    string
	apiKey     string
	bucket     string
	httpClient *http.Client
	logger     *infra.Logger
}

type supabaseError struct {
	StatusCode string `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func NewSupabaseStore(opts SupabaseOptions) (*SupabaseStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("storage: supabase url is required")
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("storage: supabase api key is required")
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		bucket = DefaultBucket
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: supabaseTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		nop := infra.NopLogger()
		logger = &nop
	}
	return &SupabaseStore{
		baseURL:    baseURL,
		apiKey:     opts.APIKey,
		bucket:     bucket,
		httpClient: client,
		logger:     logger,
	}, nil
}

func (s *SupabaseStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, escapeKey(cleanKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("storage: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Cache-Control", "max-age=3600")
	req.Header.Set("x-upsert", "false")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("storage: upload %s: %w", cleanKey, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		s.logger.Info().Str("bucket", s.bucket).Str("key", cleanKey).Int("bytes", len(data)).Msg("storage: object uploaded")
		return nil
	}

	var apiErr supabaseError
	_ = json.Unmarshal(body, &apiErr)
	if resp.StatusCode == http.StatusConflict || apiErr.StatusCode == "409" || strings.EqualFold(apiErr.Error, "Duplicate") {
		return fmt.Errorf("%w: %s", ErrObjectExists, cleanKey)
	}
	msg := firstNonEmpty(apiErr.Message, apiErr.Error, strings.TrimSpace(string(body)))
	return fmt.Errorf("storage: supabase status %d: %s", resp.StatusCode, msg)
}

// PublicURL returns <base>/storage/v1/object/public/<bucket>/<key>.
func (s *SupabaseStore) PublicURL(key string) string {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		cleanKey = key
	}
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, escapeKey(cleanKey))
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
