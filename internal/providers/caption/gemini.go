package caption

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"retratai/internal/domain"
	"retratai/internal/infra"
	"retratai/internal/retry"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-1.5-flash"
	geminiTimeout        = 60 * time.Second
)

// GeminiOptions configures the Gemini captioner.
type GeminiOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// GeminiCaptioner calls generateContent once per image.
type GeminiCaptioner struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

// NewGeminiCaptioner validates opts and applies defaults.
func NewGeminiCaptioner(opts GeminiOptions) (*GeminiCaptioner, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("caption: gemini api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultGeminiModel
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: geminiTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		nop := infra.NopLogger()
		logger = &nop
	}
	return &GeminiCaptioner{
		apiKey:     opts.APIKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
		logger:     logger,
	}, nil
}

func (g *GeminiCaptioner) Caption(ctx context.Context, image domain.Image, subject Subject) (string, error) {
	mime, data := encodeImage(image)
	payload := geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: SystemInstruction(subject)}}},
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: userInstruction},
				{InlineData: &geminiInlineData{MimeType: mime, Data: data}},
			},
		}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     0,
			TopP:            0.95,
			TopK:            40,
			MaxOutputTokens: 8192,
		},
	}

	var out geminiResponse
	if err := g.invoke(ctx, "/models/"+g.model+":generateContent", payload, &out); err != nil {
		return "", err
	}
	var text strings.Builder
	for _, cand := range out.Candidates {
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
		}
		if text.Len() > 0 {
			break
		}
	}
	caption, err := cleanCaption(text.String())
	if err != nil {
		return "", err
	}
	g.logger.Debug().Str("image", image.Filename).Int("chars", len(caption)).Msg("caption: gemini caption generated")
	return caption, nil
}

func (g *GeminiCaptioner) invoke(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("caption: marshal gemini request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("caption: create gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("caption: invoke gemini: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("caption: read gemini response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg := strings.TrimSpace(string(data))
		var apiErr geminiErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		err := fmt.Errorf("caption: gemini status %d: %s", resp.StatusCode, msg)
		if permanentStatus(resp.StatusCode) {
			return retry.Permanent(err)
		}
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("caption: decode gemini response: %w", err)
	}
	return nil
}

// permanentStatus reports client errors that a retry cannot fix.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}
