package replicate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"retratai/internal/domain"
)

// WebhookTolerance bounds the age of an accepted webhook timestamp.
const WebhookTolerance = 5 * time.Minute

var ErrInvalidSignature = errors.New("replicate: invalid webhook signature")

// WebhookPayload is the training object Replicate posts on status changes.
type WebhookPayload struct {
	ID          string                `json:"id"`
	Model       string                `json:"model,omitempty"`
	Version     string                `json:"version,omitempty"`
	Status      domain.TrainingStatus `json:"status"`
	Error       any                   `json:"error,omitempty"`
	Output      any                   `json:"output,omitempty"`
	CompletedAt string                `json:"completed_at,omitempty"`
}

// VerifyWebhook checks the webhook-id, webhook-timestamp and
// webhook-signature headers against secret ("whsec_" followed by base64).
func VerifyWebhook(secret string, header http.Header, body []byte, now time.Time) error {
	key, err := decodeWebhookSecret(secret)
	if err != nil {
		return err
	}
	id := header.Get("webhook-id")
	ts := header.Get("webhook-timestamp")
	sigs := header.Get("webhook-signature")
	if id == "" || ts == "" || sigs == "" {
		return fmt.Errorf("%w: missing headers", ErrInvalidSignature)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	sent := time.Unix(unix, 0)
	if now.Sub(sent) > WebhookTolerance || sent.Sub(now) > WebhookTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := SignWebhook(key, id, ts, body)
	for _, candidate := range strings.Fields(sigs) {
		_, sig, ok := strings.Cut(candidate, ",")
		if !ok {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignWebhook returns the base64 HMAC-SHA256 of "<id>.<timestamp>.<body>".
func SignWebhook(key []byte, id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func decodeWebhookSecret(secret string) ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(secret), "whsec_")
	if raw == "" {
		return nil, errors.New("replicate: webhook secret is empty")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("replicate: decode webhook secret: %w", err)
	}
	return key, nil
}
