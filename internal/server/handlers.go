package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/audit"
	"github.com/modelgate/modelgate/internal/domain"
	"github.com/modelgate/modelgate/internal/tokens"
)

// Handlers serves the OpenAI-compatible endpoints, delegating all
// translation work to the adapter manager.
type Handlers struct {
	manager *adapter.Manager
	audits  *audit.Store
	logger  *slog.Logger
}

// NewHandlers wires the manager and the audit sink into the HTTP layer.
// The audit store may be nil.
func NewHandlers(manager *adapter.Manager, audits *audit.Store, logger *slog.Logger) *Handlers {
	return &Handlers{manager: manager, audits: audits, logger: logger}
}

// Register mounts the OpenAI-compatible surface under /v1.
func (h *Handlers) Register(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", h.ChatCompletions)
		r.Post("/completions", h.Completions)
		r.Post("/embeddings", h.Embeddings)
		r.Get("/models", h.Models)
	})
}

// ChatCompletions handles POST /v1/chat/completions for both unary and
// streaming callers.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req domain.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("invalid request body: "+err.Error()))
		return
	}
	if req.Model == "" {
		h.writeError(w, r, domain.ErrInvalidRequest("model is required").WithParam("model"))
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, r, domain.ErrInvalidRequest("messages must not be empty").WithParam("messages"))
		return
	}

	AddLogField(r.Context(), "model", req.Model)

	if req.Stream {
		h.streamChatCompletion(w, r, &req)
		return
	}

	start := time.Now()
	body, status := h.manager.ProcessRequest(r.Context(), adapter.EndpointChatCompletions, r.Header, &req)
	h.writeJSON(w, status, body)
	h.recordChat(r, &req, body, status, time.Since(start), false)
}

// streamChatCompletion writes normalized chunks as SSE records and
// always closes the stream with a [DONE] terminator, except after an
// error event.
func (h *Handlers) streamChatCompletion(w http.ResponseWriter, r *http.Request, req *domain.ChatCompletionRequest) {
	start := time.Now()

	events, err := h.manager.ProcessStreamRequest(r.Context(), adapter.EndpointChatCompletions, r.Header, req)
	if err != nil {
		h.writeError(w, r, domain.AsAPIError(err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, domain.ErrInternal("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var content string
	failed := false
	for event := range events {
		if event.Err != nil {
			AddError(r.Context(), event.Err)
			payload, _ := json.Marshal(event.Err.Payload())
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			failed = true
			break
		}
		for _, choice := range event.Chunk.Choices {
			content += choice.Delta.Content
		}
		payload, err := json.Marshal(event.Chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	if !failed {
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	status := http.StatusOK
	if failed {
		status = http.StatusBadGateway
	}
	h.audits.Record(r.Context(), audit.Entry{
		RequestID:        GetRequestID(r.Context()),
		Endpoint:         adapter.EndpointChatCompletions,
		Model:            req.Model,
		Stream:           true,
		StatusCode:       status,
		PromptTokens:     tokens.EstimateMessages(req.Messages),
		CompletionTokens: tokens.EstimateText(content),
		Duration:         time.Since(start),
	})
}

// Completions handles POST /v1/completions as a raw passthrough. The
// body is decoded only to validate the model field; upstream receives
// the original bytes.
func (h *Handlers) Completions(w http.ResponseWriter, r *http.Request) {
	var req domain.CompletionRequest
	h.rawProxy(w, r, adapter.EndpointCompletions, &req, &req.Model)
}

// Embeddings handles POST /v1/embeddings as a raw passthrough.
func (h *Handlers) Embeddings(w http.ResponseWriter, r *http.Request) {
	var req domain.EmbeddingRequest
	h.rawProxy(w, r, adapter.EndpointEmbeddings, &req, &req.Model)
}

func (h *Handlers) rawProxy(w http.ResponseWriter, r *http.Request, endpoint string, req any, model *string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("unable to read request body"))
		return
	}
	if err := json.Unmarshal(body, req); err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("invalid request body: "+err.Error()))
		return
	}
	if *model == "" {
		h.writeError(w, r, domain.ErrInvalidRequest("model is required").WithParam("model"))
		return
	}
	AddLogField(r.Context(), "model", *model)

	start := time.Now()
	resp, status := h.manager.ProcessRawRequest(r.Context(), r.Method, endpoint, r.Header, body)
	h.writeJSON(w, status, resp)

	h.audits.Record(r.Context(), audit.Entry{
		RequestID:  GetRequestID(r.Context()),
		Endpoint:   endpoint,
		Model:      *model,
		StatusCode: status,
		Duration:   time.Since(start),
	})
}

// Models handles GET /v1/models with the single-entry catalog for the
// active provider.
func (h *Handlers) Models(w http.ResponseWriter, r *http.Request) {
	list, err := h.manager.Models()
	if err != nil {
		h.writeError(w, r, domain.AsAPIError(err))
		return
	}
	body, err := json.Marshal(list)
	if err != nil {
		h.writeError(w, r, domain.ErrInternal("unable to encode model list"))
		return
	}
	h.writeJSON(w, http.StatusOK, body)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, apiErr *domain.APIError) {
	AddError(r.Context(), apiErr)
	body, _ := json.Marshal(apiErr.Payload())
	h.writeJSON(w, apiErr.HTTPStatusCode(), body)
}

// recordChat audits one unary chat call. Upstream usage is preferred;
// providers that report zero usage get a local tokenizer estimate.
func (h *Handlers) recordChat(r *http.Request, req *domain.ChatCompletionRequest, body json.RawMessage, status int, duration time.Duration, stream bool) {
	entry := audit.Entry{
		RequestID:  GetRequestID(r.Context()),
		Endpoint:   adapter.EndpointChatCompletions,
		Model:      req.Model,
		Stream:     stream,
		StatusCode: status,
		Duration:   duration,
	}

	var resp domain.ChatCompletionResponse
	if status < 400 && json.Unmarshal(body, &resp) == nil {
		entry.PromptTokens = resp.Usage.PromptTokens
		entry.CompletionTokens = resp.Usage.CompletionTokens
		if resp.Usage.TotalTokens == 0 {
			entry.PromptTokens = tokens.EstimateMessages(req.Messages)
			if len(resp.Choices) > 0 {
				entry.CompletionTokens = tokens.EstimateText(resp.Choices[0].Message.Content)
			}
		}
	}
	h.audits.Record(r.Context(), entry)
}
