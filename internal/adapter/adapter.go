// Package adapter defines the provider adapter contract, the registry of
// adapter constructors, and the manager that routes OpenAI-format calls
// through transform, transport, and back.
package adapter

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/domain"
	"github.com/modelgate/modelgate/internal/upstream"
)

// Endpoint path constants for the OpenAI-compatible surface.
const (
	EndpointChatCompletions = "/chat/completions"
	EndpointCompletions     = "/completions"
	EndpointEmbeddings      = "/embeddings"
)

// Adapter translates between the OpenAI schema and one provider's native
// schema and executes the resulting calls. TransformRequest and
// TransformResponse are pure; transport happens only in MakeRequest.
type Adapter interface {
	Name() string

	// SupportedEndpoints lists the OpenAI-surface endpoints this
	// provider can serve.
	SupportedEndpoints() []string

	// ValidateConfig reports whether the adapter has everything it
	// needs to reach its upstream.
	ValidateConfig() error

	// ModelInfo describes the capability flags of the configured model.
	ModelInfo() domain.ModelInfo

	// TransformRequest converts an OpenAI chat request to the
	// provider's native payload. No I/O.
	TransformRequest(endpoint string, req *domain.ChatCompletionRequest) (any, error)

	// TransformResponse converts a provider response envelope into an
	// OpenAI chat response. Unrecognized shapes degrade to a fallback
	// response rather than failing. No I/O.
	TransformResponse(endpoint string, env *upstream.Envelope) (*domain.ChatCompletionResponse, error)

	// MakeRequest executes the transformed payload against the
	// provider and returns the raw envelope.
	MakeRequest(ctx context.Context, endpoint string, headers http.Header, payload any) (*upstream.Envelope, error)
}

// Streamer is implemented by adapters with native streaming support.
// The returned channel is closed by the adapter when the session ends;
// a terminal error is delivered as the final event.
type Streamer interface {
	MakeStreamRequest(ctx context.Context, endpoint string, headers http.Header, req *domain.ChatCompletionRequest) (<-chan domain.StreamEvent, error)
}

// RawProxy is implemented by adapters whose upstream already speaks the
// OpenAI wire format, allowing non-chat endpoints to pass through
// untranslated.
type RawProxy interface {
	ProxyRequest(ctx context.Context, method, endpoint string, headers http.Header, body json.RawMessage) (*upstream.Envelope, error)
}

// Constructor builds an adapter from a provider configuration.
type Constructor func(cfg config.ProviderConfig) Adapter

// FallbackResponse builds the degraded response returned when a provider
// answer has no recognizable shape. The client-facing contract is that a
// chat completion always yields exactly one choice with a stop finish.
func FallbackResponse(id, model string, created int64) *domain.ChatCompletionResponse {
	if id == "" {
		id = "chatcmpl-fallback"
	}
	return &domain.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []domain.ChatChoice{
			{
				Index: 0,
				Message: domain.ChatMessage{
					Role:    "assistant",
					Content: "Sorry, I encountered an error processing your request.",
				},
				FinishReason: "stop",
			},
		},
	}
}
