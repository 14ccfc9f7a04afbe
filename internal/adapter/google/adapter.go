// Package google implements the adapter for the Gemini generateContent
// API. The provider is called unary-only; streaming callers get a
// synthesized stream from the manager.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/domain"
	"github.com/modelgate/modelgate/internal/upstream"
)

// ProviderType is the configuration tag for this adapter.
const ProviderType = "google"

// Register binds the adapter constructor into the registry.
func Register(r *adapter.Registry) {
	r.Register(ProviderType, func(cfg config.ProviderConfig) adapter.Adapter {
		return New(cfg)
	})
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`

	// model is consumed by the URL path, never serialized.
	model string
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type generateResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

// Adapter is the Gemini adapter.
type Adapter struct {
	cfg    config.ProviderConfig
	client *upstream.Client
	logger *slog.Logger
}

// Option configures the adapter.
type Option func(*Adapter)

// WithHTTPClient sets a custom HTTP client (used by tests).
func WithHTTPClient(httpClient *http.Client) Option {
	return func(a *Adapter) {
		a.client = upstream.NewClient(a.cfg.BaseURL, a.cfg.APIKey, upstream.AuthQueryKey,
			upstream.WithHTTPClient(httpClient),
			upstream.WithTimeout(a.cfg.Timeout),
			upstream.WithDefaultHeaders(a.cfg.DefaultHeaders),
		)
	}
}

// New creates a Gemini adapter from provider configuration.
func New(cfg config.ProviderConfig, opts ...Option) *Adapter {
	a := &Adapter{
		cfg: cfg,
		client: upstream.NewClient(cfg.BaseURL, cfg.APIKey, upstream.AuthQueryKey,
			upstream.WithTimeout(cfg.Timeout),
			upstream.WithDefaultHeaders(cfg.DefaultHeaders),
		),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return ProviderType }

func (a *Adapter) SupportedEndpoints() []string {
	return []string{adapter.EndpointChatCompletions}
}

func (a *Adapter) ValidateConfig() error {
	if a.cfg.APIKey == "" {
		return domain.ErrConfiguration("api_key is required")
	}
	if a.cfg.BaseURL == "" {
		return domain.ErrConfiguration("base_url is required")
	}
	return nil
}

func (a *Adapter) ModelInfo() domain.ModelInfo {
	return domain.ModelInfo{
		Platform:                ProviderType,
		Enabled:                 a.cfg.Enabled,
		ActualName:              a.cfg.ActualModelName,
		DisplayName:             a.cfg.DisplayName,
		Description:             a.cfg.Description,
		MaxTokens:               a.cfg.MaxTokens,
		SupportsStreaming:       false,
		SupportsFunctionCalling: false,
	}
}

// TransformRequest maps messages onto Gemini contents. The assistant
// role becomes "model"; system messages ride along as user turns since
// generateContent has no dedicated system slot in this API surface.
func (a *Adapter) TransformRequest(endpoint string, req *domain.ChatCompletionRequest) (any, error) {
	out := &generateRequest{model: req.Model}
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		out.Contents = append(out.Contents, content{
			Role:  role,
			Parts: []part{{Text: msg.Content}},
		})
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	return out, nil
}

// TransformResponse maps the first candidate into the OpenAI shape.
func (a *Adapter) TransformResponse(endpoint string, env *upstream.Envelope) (*domain.ChatCompletionResponse, error) {
	var resp generateResponse
	if env.JSON == nil || json.Unmarshal(env.JSON, &resp) != nil ||
		len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		a.logger.Warn("unexpected google response shape", slog.Int("status", env.StatusCode))
		return adapter.FallbackResponse("", a.cfg.ActualModelName, time.Now().Unix()), nil
	}

	cand := resp.Candidates[0]
	finish := "stop"
	if cand.FinishReason != "" {
		finish = strings.ToLower(cand.FinishReason)
	}

	return &domain.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   a.cfg.ActualModelName,
		Choices: []domain.ChatChoice{
			{
				Index: 0,
				Message: domain.ChatMessage{
					Role:    "assistant",
					Content: cand.Content.Parts[0].Text,
				},
				FinishReason: finish,
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

// MakeRequest posts to /models/{model}:generateContent. The API key
// travels as a query parameter rather than a header.
func (a *Adapter) MakeRequest(ctx context.Context, endpoint string, headers http.Header, payload any) (*upstream.Envelope, error) {
	model := a.cfg.ActualModelName
	if req, ok := payload.(*generateRequest); ok && req.model != "" {
		model = req.model
	}
	path := fmt.Sprintf("/models/%s:generateContent", model)
	return a.client.Do(ctx, http.MethodPost, path, headers, payload, nil)
}
