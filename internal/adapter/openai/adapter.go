// Package openai implements the pass-through adapter for OpenAI and
// OpenAI-compatible upstreams. The wire format already matches, so the
// transforms are identity and non-chat endpoints proxy untranslated.
package openai

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/domain"
	"github.com/modelgate/modelgate/internal/sse"
	"github.com/modelgate/modelgate/internal/upstream"
)

// ProviderType is the configuration tag for this adapter.
const ProviderType = "openai"

// Register binds the adapter constructor into the registry, along with
// the configuration aliases that share the OpenAI wire format.
func Register(r *adapter.Registry) {
	r.Register(ProviderType, func(cfg config.ProviderConfig) adapter.Adapter {
		return New(cfg)
	})
	r.Alias("azure_openai", ProviderType)
	r.Alias("custom", ProviderType)
}

// Adapter is the OpenAI pass-through adapter.
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
		a.client = upstream.NewClient(a.cfg.BaseURL, a.cfg.APIKey, upstream.AuthBearer,
			upstream.WithHTTPClient(httpClient),
			upstream.WithTimeout(a.cfg.Timeout),
			upstream.WithDefaultHeaders(a.cfg.DefaultHeaders),
		)
	}
}

// New creates an OpenAI adapter from provider configuration.
func New(cfg config.ProviderConfig, opts ...Option) *Adapter {
	a := &Adapter{
		cfg: cfg,
		client: upstream.NewClient(cfg.BaseURL, cfg.APIKey, upstream.AuthBearer,
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
	return []string{
		adapter.EndpointChatCompletions,
		adapter.EndpointCompletions,
		adapter.EndpointEmbeddings,
	}
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
		SupportsStreaming:       true,
		SupportsFunctionCalling: true,
	}
}

// TransformRequest is the identity transform.
func (a *Adapter) TransformRequest(endpoint string, req *domain.ChatCompletionRequest) (any, error) {
	return req, nil
}

// TransformResponse is the identity transform, degraded to the fallback
// response when the upstream body has no recognizable shape.
func (a *Adapter) TransformResponse(endpoint string, env *upstream.Envelope) (*domain.ChatCompletionResponse, error) {
	var resp domain.ChatCompletionResponse
	if env.JSON == nil || json.Unmarshal(env.JSON, &resp) != nil || len(resp.Choices) == 0 {
		a.logger.Warn("unexpected openai response shape", slog.Int("status", env.StatusCode))
		return adapter.FallbackResponse("", a.cfg.ActualModelName, time.Now().Unix()), nil
	}
	return &resp, nil
}

func (a *Adapter) MakeRequest(ctx context.Context, endpoint string, headers http.Header, payload any) (*upstream.Envelope, error) {
	return a.client.Do(ctx, http.MethodPost, endpoint, headers, payload, nil)
}

// ProxyRequest forwards a non-chat endpoint untranslated.
func (a *Adapter) ProxyRequest(ctx context.Context, method, endpoint string, headers http.Header, body json.RawMessage) (*upstream.Envelope, error) {
	return a.client.Do(ctx, method, endpoint, headers, body, nil)
}

// MakeStreamRequest opens a native streaming session and re-frames the
// upstream chunk records. OpenAI chunks are already in the normalized
// shape, so records pass through after parsing.
func (a *Adapter) MakeStreamRequest(ctx context.Context, endpoint string, headers http.Header, req *domain.ChatCompletionRequest) (<-chan domain.StreamEvent, error) {
	req.Stream = true

	fragments, err := a.client.Stream(ctx, http.MethodPost, endpoint, headers, req, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.StreamEvent)
	go func() {
		defer close(out)

		var scanner sse.Scanner
		for frag := range fragments {
			if frag.Err != nil {
				out <- domain.StreamEvent{Err: domain.AsAPIError(frag.Err)}
				return
			}
			for _, rec := range scanner.Push(frag.Text) {
				if rec.Data == "[DONE]" {
					return
				}
				var chunk domain.StreamChunk
				if err := json.Unmarshal([]byte(rec.Data), &chunk); err != nil {
					a.logger.Warn("dropping malformed stream record", slog.String("error", err.Error()))
					continue
				}
				select {
				case out <- domain.StreamEvent{Chunk: &chunk}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
