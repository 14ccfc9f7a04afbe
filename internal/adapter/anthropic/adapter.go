// Package anthropic implements the adapter for the Anthropic Messages
// API: system messages are split into the dedicated system field,
// max_tokens is mandatory upstream, and streaming events are re-framed
// into chat.completion.chunk records.
package anthropic

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/domain"
	"github.com/modelgate/modelgate/internal/sse"
	"github.com/modelgate/modelgate/internal/upstream"
)

// ProviderType is the configuration tag for this adapter.
const ProviderType = "anthropic"

// defaultMaxTokens is applied when the inbound request omits max_tokens;
// the Messages API rejects requests without it.
const defaultMaxTokens = 4096

// endpointMessages is the upstream path serving chat completions.
const endpointMessages = "/messages"

// Register binds the adapter constructor into the registry.
func Register(r *adapter.Registry) {
	r.Register(ProviderType, func(cfg config.ProviderConfig) adapter.Adapter {
		return New(cfg)
	})
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

// Adapter is the Anthropic Messages adapter.
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
		a.client = upstream.NewClient(a.cfg.BaseURL, a.cfg.APIKey, upstream.AuthAnthropicKey,
			upstream.WithHTTPClient(httpClient),
			upstream.WithTimeout(a.cfg.Timeout),
			upstream.WithDefaultHeaders(a.cfg.DefaultHeaders),
		)
	}
}

// New creates an Anthropic adapter from provider configuration.
func New(cfg config.ProviderConfig, opts ...Option) *Adapter {
	a := &Adapter{
		cfg: cfg,
		client: upstream.NewClient(cfg.BaseURL, cfg.APIKey, upstream.AuthAnthropicKey,
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
		SupportsStreaming:       true,
		SupportsFunctionCalling: false,
	}
}

// TransformRequest splits system messages into the system field, keeps
// the conversation, and defaults max_tokens.
func (a *Adapter) TransformRequest(endpoint string, req *domain.ChatCompletionRequest) (any, error) {
	out := &messagesRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			out.System = msg.Content
			continue
		}
		out.Messages = append(out.Messages, message{Role: msg.Role, Content: msg.Content})
	}
	return out, nil
}

// TransformResponse maps content[0].text, stop_reason, and token usage
// into the OpenAI shape.
func (a *Adapter) TransformResponse(endpoint string, env *upstream.Envelope) (*domain.ChatCompletionResponse, error) {
	var resp messagesResponse
	if env.JSON == nil || json.Unmarshal(env.JSON, &resp) != nil || len(resp.Content) == 0 {
		a.logger.Warn("unexpected anthropic response shape", slog.Int("status", env.StatusCode))
		return adapter.FallbackResponse("", a.cfg.ActualModelName, time.Now().Unix()), nil
	}

	return &domain.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []domain.ChatChoice{
			{
				Index: 0,
				Message: domain.ChatMessage{
					Role:    "assistant",
					Content: resp.Content[0].Text,
				},
				FinishReason: finishReason(resp.StopReason),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// finishReason maps Anthropic stop reasons onto OpenAI finish reasons.
func finishReason(stopReason string) string {
	switch stopReason {
	case "", "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return stopReason
	}
}

func (a *Adapter) MakeRequest(ctx context.Context, endpoint string, headers http.Header, payload any) (*upstream.Envelope, error) {
	return a.client.Do(ctx, http.MethodPost, endpointMessages, headers, payload, nil)
}

// Streaming event payloads. Only the fields the normalizer needs.
type streamEvent struct {
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
}

// MakeStreamRequest opens a native streaming session against the
// Messages API and normalizes its event framing: message_start announces
// the role, content_block_delta carries text, message_stop finishes.
func (a *Adapter) MakeStreamRequest(ctx context.Context, endpoint string, headers http.Header, req *domain.ChatCompletionRequest) (<-chan domain.StreamEvent, error) {
	req.Stream = true
	payload, err := a.TransformRequest(endpoint, req)
	if err != nil {
		return nil, err
	}

	fragments, err := a.client.Stream(ctx, http.MethodPost, endpointMessages, headers, payload, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.StreamEvent)
	go func() {
		defer close(out)

		emitter := sse.NewEmitter("chatcmpl-"+uuid.New().String(), req.Model, time.Now().Unix())
		finish := "stop"

		send := func(chunks []*domain.StreamChunk) bool {
			for _, chunk := range chunks {
				select {
				case out <- domain.StreamEvent{Chunk: chunk}:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		var scanner sse.Scanner
		for frag := range fragments {
			if frag.Err != nil {
				out <- domain.StreamEvent{Err: domain.AsAPIError(frag.Err)}
				return
			}
			for _, rec := range scanner.Push(frag.Text) {
				var event streamEvent
				if err := json.Unmarshal([]byte(rec.Data), &event); err != nil {
					a.logger.Warn("dropping malformed stream record", slog.String("error", err.Error()))
					continue
				}

				switch rec.Event {
				case "message_start":
					if event.Message.ID != "" {
						emitter.SetID("chatcmpl-" + event.Message.ID)
					}
					if start := emitter.Start(); start != nil && !send([]*domain.StreamChunk{start}) {
						return
					}
				case "content_block_delta":
					if event.Delta.Type == "text_delta" && !send(emitter.Content(event.Delta.Text)) {
						return
					}
				case "message_delta":
					if event.Delta.StopReason != "" {
						finish = finishReason(event.Delta.StopReason)
					}
				case "message_stop":
					send(emitter.Stop(finish))
					return
				}
			}
		}
		// Upstream closed without message_stop; finish the session anyway.
		send(emitter.Stop(finish))
	}()
	return out, nil
}
