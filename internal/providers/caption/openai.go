package caption

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"retratai/internal/domain"
	"retratai/internal/infra"
	"retratai/internal/retry"
)

const (
	defaultOpenAIModel   = openai.GPT4oMini
	openAITimeout        = 60 * time.Second
	openAIMaxTokens      = 1024
	openAIProviderPrefix = "caption: openai"
)

// OpenAIOptions configures the OpenAI captioner. BaseURL allows any
// OpenAI compatible endpoint.
type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// OpenAICaptioner sends the image as a data URI part of a chat completion.
type OpenAICaptioner struct {
	client *openai.Client
	model  string
	logger *infra.Logger
}

func NewOpenAICaptioner(opts OpenAIOptions) (*OpenAICaptioner, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("caption: openai api key is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if base := strings.TrimRight(opts.BaseURL, "/"); base != "" {
		cfg.BaseURL = base
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	} else {
		cfg.HTTPClient = &http.Client{Timeout: openAITimeout}
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	logger := opts.Logger
	if logger == nil {
		nop := infra.NopLogger()
		logger = &nop
	}
	return &OpenAICaptioner{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger,
	}, nil
}

func (c *OpenAICaptioner) Caption(ctx context.Context, image domain.Image, subject Subject) (string, error) {
	mime, data := encodeImage(image)
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		TopP:        0.95,
		MaxTokens:   openAIMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemInstruction(subject)},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: userInstruction},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    "data:" + mime + ";base64," + data,
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && permanentStatus(apiErr.HTTPStatusCode) {
			return "", retry.Permanent(fmt.Errorf("%s status %d: %w", openAIProviderPrefix, apiErr.HTTPStatusCode, err))
		}
		return "", fmt.Errorf("%s: %w", openAIProviderPrefix, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCaption
	}
	caption, err := cleanCaption(resp.Choices[0].Message.Content)
	if err != nil {
		return "", err
	}
	c.logger.Debug().Str("image", image.Filename).Str("model", c.model).Msg("caption: openai caption generated")
	return caption, nil
}
