package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/domain"
	"github.com/modelgate/modelgate/internal/sse"
)

// RequestModelKeeper is implemented by adapters that derive routing
// information from the inbound model field (Coze's bot id) and must see
// it unmodified instead of the configured actual_model_name.
type RequestModelKeeper interface {
	KeepsRequestModel() bool
}

// Manager holds the single active adapter and is the entry point the
// HTTP layer uses. Initialization and reload replace the adapter
// wholesale; requests in flight keep the instance they started with.
type Manager struct {
	registry *Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	adapter Adapter
	cfg     config.ProviderConfig
}

// NewManager creates a manager over the given registry.
func NewManager(registry *Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{registry: registry, logger: logger}
}

// Initialize instantiates and validates an adapter for the provider
// type, replacing any previously active one.
func (m *Manager) Initialize(providerType string, cfg config.ProviderConfig) error {
	a, err := m.registry.Create(providerType, cfg)
	if err != nil {
		return domain.ErrConfiguration(err.Error())
	}

	m.mu.Lock()
	m.adapter = a
	m.cfg = cfg
	m.mu.Unlock()

	m.logger.Info("adapter initialized",
		slog.String("provider", a.Name()),
		slog.Bool("enabled", cfg.Enabled),
	)
	return nil
}

// Reload re-initializes from fresh configuration. Requests straddling a
// reload see either the old or the new adapter, never a mix.
func (m *Manager) Reload(cfg config.ProviderConfig) error {
	return m.Initialize(cfg.Type, cfg)
}

func (m *Manager) active() (Adapter, config.ProviderConfig, *domain.APIError) {
	m.mu.RLock()
	a, cfg := m.adapter, m.cfg
	m.mu.RUnlock()

	if a == nil {
		return nil, cfg, domain.ErrConfiguration("no adapter initialized")
	}
	if !cfg.Enabled {
		return nil, cfg, domain.ErrConfiguration(fmt.Sprintf("provider %s is disabled", a.Name()))
	}
	return a, cfg, nil
}

// ModelInfo returns the active adapter's model metadata.
func (m *Manager) ModelInfo() (domain.ModelInfo, error) {
	a, _, apiErr := m.active()
	if apiErr != nil {
		return domain.ModelInfo{}, apiErr
	}
	return a.ModelInfo(), nil
}

// Models lists the configured model as an OpenAI model catalog.
func (m *Manager) Models() (*domain.ModelList, error) {
	info, err := m.ModelInfo()
	if err != nil {
		return nil, err
	}
	id := info.DisplayName
	if id == "" {
		id = info.ActualName
	}
	return &domain.ModelList{
		Object: "list",
		Data: []domain.Model{
			{ID: id, Object: "model", Created: time.Now().Unix(), OwnedBy: info.Platform},
		},
	}, nil
}

func endpointSupported(a Adapter, endpoint string) bool {
	return slices.Contains(a.SupportedEndpoints(), endpoint)
}

// resolveModel applies the configured actual_model_name mapping unless
// the adapter needs the inbound model untouched.
func resolveModel(a Adapter, cfg config.ProviderConfig, model string) string {
	if keeper, ok := a.(RequestModelKeeper); ok && keeper.KeepsRequestModel() {
		return model
	}
	if cfg.ActualModelName != "" {
		return cfg.ActualModelName
	}
	return model
}

// ProcessRequest runs transform, transport, and the inverse transform
// for a non-streaming chat completion. It never returns a raw error to
// the caller: every failure is converted to an OpenAI error payload with
// an HTTP status.
func (m *Manager) ProcessRequest(ctx context.Context, endpoint string, headers http.Header, req *domain.ChatCompletionRequest) (json.RawMessage, int) {
	a, cfg, apiErr := m.active()
	if apiErr != nil {
		return errorBody(apiErr)
	}
	if !endpointSupported(a, endpoint) {
		return errorBody(domain.ErrInvalidRequest(
			fmt.Sprintf("endpoint %s is not supported by provider %s", endpoint, a.Name())))
	}

	req.Model = resolveModel(a, cfg, req.Model)

	payload, err := a.TransformRequest(endpoint, req)
	if err != nil {
		return errorBody(domain.AsAPIError(err))
	}

	env, err := a.MakeRequest(ctx, endpoint, headers, payload)
	if err != nil {
		return errorBody(domain.AsAPIError(err))
	}

	if env.StatusCode >= 400 {
		m.logger.Error("platform API error",
			slog.String("provider", a.Name()),
			slog.Int("status_code", env.StatusCode),
		)
		return errorBody(domain.ErrPlatform(env.StatusCode,
			fmt.Sprintf("Platform API error: %d", env.StatusCode)))
	}

	resp, err := a.TransformResponse(endpoint, env)
	if err != nil {
		return errorBody(domain.AsAPIError(err))
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return errorBody(domain.ErrInternal(err.Error()))
	}
	return body, http.StatusOK
}

// ProcessRawRequest proxies a non-chat endpoint (completions,
// embeddings) untranslated for providers whose upstream already speaks
// the OpenAI wire format.
func (m *Manager) ProcessRawRequest(ctx context.Context, method, endpoint string, headers http.Header, body json.RawMessage) (json.RawMessage, int) {
	a, _, apiErr := m.active()
	if apiErr != nil {
		return errorBody(apiErr)
	}
	if !endpointSupported(a, endpoint) {
		return errorBody(domain.ErrInvalidRequest(
			fmt.Sprintf("endpoint %s is not supported by provider %s", endpoint, a.Name())))
	}
	proxy, ok := a.(RawProxy)
	if !ok {
		return errorBody(domain.ErrInvalidRequest(
			fmt.Sprintf("endpoint %s is not supported by provider %s", endpoint, a.Name())))
	}

	env, err := proxy.ProxyRequest(ctx, method, endpoint, headers, body)
	if err != nil {
		return errorBody(domain.AsAPIError(err))
	}
	if env.StatusCode >= 400 {
		return errorBody(domain.ErrPlatform(env.StatusCode,
			fmt.Sprintf("Platform API error: %d", env.StatusCode)))
	}
	if env.JSON == nil {
		return errorBody(domain.ErrInternal("invalid response from platform"))
	}
	return env.JSON, env.StatusCode
}

// ProcessStreamRequest starts a streaming chat completion. Providers
// without native streaming are served by a synthesized three-chunk
// stream over one unary call, so the streaming contract holds uniformly.
func (m *Manager) ProcessStreamRequest(ctx context.Context, endpoint string, headers http.Header, req *domain.ChatCompletionRequest) (<-chan domain.StreamEvent, error) {
	a, cfg, apiErr := m.active()
	if apiErr != nil {
		return nil, apiErr
	}
	if !endpointSupported(a, endpoint) {
		return nil, domain.ErrInvalidRequest(
			fmt.Sprintf("endpoint %s is not supported by provider %s", endpoint, a.Name()))
	}

	req.Model = resolveModel(a, cfg, req.Model)

	if streamer, ok := a.(Streamer); ok {
		return streamer.MakeStreamRequest(ctx, endpoint, headers, req)
	}
	return m.synthesizeStream(ctx, a, endpoint, headers, req), nil
}

// synthesizeStream makes one full request and replays it as a
// start/content/stop chunk sequence.
func (m *Manager) synthesizeStream(ctx context.Context, a Adapter, endpoint string, headers http.Header, req *domain.ChatCompletionRequest) <-chan domain.StreamEvent {
	out := make(chan domain.StreamEvent)
	go func() {
		defer close(out)

		payload, err := a.TransformRequest(endpoint, req)
		if err != nil {
			out <- domain.StreamEvent{Err: domain.AsAPIError(err)}
			return
		}

		env, err := a.MakeRequest(ctx, endpoint, headers, payload)
		if err != nil {
			out <- domain.StreamEvent{Err: domain.AsAPIError(err)}
			return
		}
		if env.StatusCode >= 400 {
			out <- domain.StreamEvent{Err: domain.ErrPlatform(env.StatusCode,
				fmt.Sprintf("Platform API error: %d", env.StatusCode))}
			return
		}

		resp, err := a.TransformResponse(endpoint, env)
		if err != nil {
			out <- domain.StreamEvent{Err: domain.AsAPIError(err)}
			return
		}

		var content string
		if len(resp.Choices) > 0 {
			content = resp.Choices[0].Message.Content
		}

		emitter := sse.NewEmitter("chatcmpl-"+uuid.New().String(), resp.Model, time.Now().Unix())
		if resp.ID != "" {
			emitter.SetID(resp.ID)
		}
		for _, chunk := range emitter.Content(content) {
			select {
			case out <- domain.StreamEvent{Chunk: chunk}:
			case <-ctx.Done():
				return
			}
		}
		for _, chunk := range emitter.Stop("stop") {
			select {
			case out <- domain.StreamEvent{Chunk: chunk}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func errorBody(apiErr *domain.APIError) (json.RawMessage, int) {
	body, err := json.Marshal(apiErr.Payload())
	if err != nil {
		body = []byte(`{"error":{"message":"internal error","type":"internal_error"}}`)
	}
	return body, apiErr.HTTPStatusCode()
}
