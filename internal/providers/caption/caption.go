// Package caption produces training captions for portrait photos.
package caption

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"retratai/internal/domain"
	"retratai/internal/infra"
	"retratai/internal/retry"
)

// Subject identifies who the caption is about.
type Subject struct {
	TriggerWord string
	Gender      domain.Gender
}

// Captioner describes one image for LoRA training.
type Captioner interface {
	Caption(ctx context.Context, image domain.Image, subject Subject) (string, error)
}

var ErrEmptyCaption = errors.New("caption: empty model output")

const userInstruction = "Generate a caption for this image"

// SystemInstruction is the fixed captioning brief for subject.
func SystemInstruction(subject Subject) string {
	var b strings.Builder
	b.WriteString("You are an expert at writing detailed captions for headshot photos.\n\n")
	fmt.Fprintf(&b, "Always start the caption with: a photo of a ohwx %s %s\n\n", subject.Gender, subject.TriggerWord)
	b.WriteString("Rules:\n")
	b.WriteString("- Reply with the caption only.\n")
	b.WriteString("- Never describe the face, the body or any physical trait that identifies the person.\n")
	b.WriteString("- Describe the clothing, the setting, the landscape and the lighting.\n")
	b.WriteString("- You may describe the facial expression, for example smiling, serious or surprised.\n")
	return b.String()
}

// encodeImage returns the MIME type and base64 payload of image. Data that
// already holds a data URI is unwrapped instead of being encoded twice.
func encodeImage(image domain.Image) (string, string) {
	mime := image.ContentType()
	if bytes.HasPrefix(image.Data, []byte("data:")) {
		header, payload, ok := strings.Cut(string(image.Data), ",")
		if ok {
			if m, _, found := strings.Cut(strings.TrimPrefix(header, "data:"), ";"); found && m != "" {
				mime = m
			}
			return mime, payload
		}
	}
	return mime, base64.StdEncoding.EncodeToString(image.Data)
}

// DefaultPolicy is the caption retry budget: three retries one, two and
// three seconds apart.
func DefaultPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Linear:       true,
	}
}

type retrying struct {
	next   Captioner
	policy retry.Policy
	logger *infra.Logger
	opts   []retry.Option
}

// WithRetry wraps c so every Caption call runs under policy.
func WithRetry(c Captioner, policy retry.Policy, logger *infra.Logger, opts ...retry.Option) Captioner {
	if logger == nil {
		nop := infra.NopLogger()
		logger = &nop
	}
	return &retrying{next: c, policy: policy, logger: logger, opts: opts}
}

func (r *retrying) Caption(ctx context.Context, image domain.Image, subject Subject) (string, error) {
	opts := append([]retry.Option{
		retry.WithLogger(r.logger),
		retry.WithOperation("caption " + image.Filename),
	}, r.opts...)
	return retry.Do(ctx, r.policy, func(ctx context.Context) (string, error) {
		return r.next.Caption(ctx, image, subject)
	}, opts...)
}

func cleanCaption(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyCaption
	}
	return text, nil
}
