package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"retratai/internal/infra"
)

// GCSStore writes archives to a Google Cloud Storage bucket. Objects are
// created with a DoesNotExist precondition.
type GCSStore struct {
	client *gcs.Client
	bucket string
	logger *infra.Logger
}

// NewGCSClient builds a client from application default credentials.
func NewGCSClient(ctx context.Context) (*gcs.Client, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: gcs client: %w", err)
	}
	return client, nil
}

func NewGCSStore(client *gcs.Client, bucket string, logger *infra.Logger) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("storage: gcs client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: gcs bucket is required")
	}
	if logger == nil {
		nop := infra.NopLogger()
		logger = &nop
	}
	return &GCSStore{client: client, bucket: bucket, logger: logger}, nil
}

func (s *GCSStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	obj := s.client.Bucket(s.bucket).Object(cleanKey).If(gcs.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=3600"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: gcs write %s: %w", cleanKey, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%w: %s", ErrObjectExists, cleanKey)
		}
		return fmt.Errorf("storage: gcs close %s: %w", cleanKey, err)
	}
	s.logger.Info().Str("bucket", s.bucket).Str("key", cleanKey).Int("bytes", len(data)).Msg("storage: object uploaded")
	return nil
}

func (s *GCSStore) PublicURL(key string) string {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		cleanKey = key
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, escapeKey(cleanKey))
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
