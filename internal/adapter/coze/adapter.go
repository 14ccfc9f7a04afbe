// Package coze implements the adapter for the Coze v3 chat API. The bot
// to talk to is addressed through the inbound model field, the last
// message becomes the live query, and streaming answers that never
// arrive inline are recovered with a follow-up message-list fetch.
package coze

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/domain"
	"github.com/modelgate/modelgate/internal/sse"
	"github.com/modelgate/modelgate/internal/upstream"
)

// ProviderType is the configuration tag for this adapter.
const ProviderType = "coze"

// botPrefix marks bot-addressed models; "bot-7412345" targets bot 7412345.
const botPrefix = "bot-"

const (
	endpointChat = "/v3/chat"

	// Message recovery endpoints, tried in order after a stream that
	// delivered no inline answer text.
	endpointMessageListV3 = "/v3/chat/message/list"
	endpointMessageListV1 = "/v1/conversation/message/list"
)

// Register binds the adapter constructor into the registry.
func Register(r *adapter.Registry) {
	r.Register(ProviderType, func(cfg config.ProviderConfig) adapter.Adapter {
		return New(cfg)
	})
}

type chatMessage struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type chatRequest struct {
	BotID              string        `json:"bot_id"`
	UserID             string        `json:"user_id"`
	AdditionalMessages []chatMessage `json:"additional_messages"`
	Stream             bool          `json:"stream"`
	AutoSaveHistory    bool          `json:"auto_save_history"`
}

type responseMessage struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []responseMessage `json:"messages"`
}

// Adapter is the Coze v3 chat adapter.
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

// New creates a Coze adapter from provider configuration.
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

// KeepsRequestModel tells the manager not to rewrite the model field:
// the bot id rides on it.
func (a *Adapter) KeepsRequestModel() bool { return true }

func (a *Adapter) ModelInfo() domain.ModelInfo {
	return domain.ModelInfo{
		Platform:          ProviderType,
		Enabled:           a.cfg.Enabled,
		ActualName:        a.cfg.ActualModelName,
		DisplayName:       a.cfg.DisplayName,
		Description:       a.cfg.Description,
		MaxTokens:         a.cfg.MaxTokens,
		SupportsStreaming: true,
		// The Coze message format has no slot for tool calls.
		SupportsFunctionCalling: false,
		BotID:                   a.cfg.BotID,
	}
}

// botID derives the target bot from the model field, stripping the
// bot- prefix when present. A configured bot_id serves as the default
// when the request carries no model.
func (a *Adapter) botID(model string) (string, error) {
	id := strings.TrimPrefix(model, botPrefix)
	if id == "" {
		id = a.cfg.BotID
	}
	if id == "" {
		return "", domain.ErrInvalidRequest("no bot id could be derived from the model field").WithParam("model")
	}
	return id, nil
}

// TransformRequest builds the v3 chat payload: every earlier message
// becomes chat history, the last message is re-sent as the live user
// query.
func (a *Adapter) TransformRequest(endpoint string, req *domain.ChatCompletionRequest) (any, error) {
	botID, err := a.botID(req.Model)
	if err != nil {
		return nil, err
	}

	last := req.LastMessage()
	if last == nil {
		return nil, domain.ErrInvalidRequest("messages must not be empty").WithParam("messages")
	}

	userID := req.User
	if userID == "" {
		userID = "default_user"
	}

	out := &chatRequest{
		BotID:           botID,
		UserID:          userID,
		Stream:          req.Stream,
		AutoSaveHistory: true,
	}
	for _, msg := range req.Messages[:len(req.Messages)-1] {
		out.AdditionalMessages = append(out.AdditionalMessages, chatMessage{
			Role:        msg.Role,
			Content:     msg.Content,
			ContentType: "text",
		})
	}
	out.AdditionalMessages = append(out.AdditionalMessages, chatMessage{
		Role:        "user",
		Content:     last.Content,
		ContentType: "text",
	})
	return out, nil
}

// TransformResponse scans the message list for the answer entry. Coze
// reports no token counts, so usage stays zero.
func (a *Adapter) TransformResponse(endpoint string, env *upstream.Envelope) (*domain.ChatCompletionResponse, error) {
	var resp chatResponse
	if env.JSON == nil || json.Unmarshal(env.JSON, &resp) != nil {
		a.logger.Warn("unexpected coze response shape", slog.Int("status", env.StatusCode))
		return adapter.FallbackResponse("", a.cfg.ActualModelName, time.Now().Unix()), nil
	}

	content := answerContent(resp.Messages)
	return &domain.ChatCompletionResponse{
		ID:      "chatcmpl-" + resp.ConversationID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   a.cfg.ActualModelName,
		Choices: []domain.ChatChoice{
			{
				Index: 0,
				Message: domain.ChatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
	}, nil
}

func answerContent(messages []responseMessage) string {
	for _, msg := range messages {
		if msg.Type == "answer" {
			return msg.Content
		}
	}
	return ""
}

func (a *Adapter) MakeRequest(ctx context.Context, endpoint string, headers http.Header, payload any) (*upstream.Envelope, error) {
	return a.client.Do(ctx, http.MethodPost, endpointChat, headers, payload, nil)
}

// streamRecord is one parsed data: payload from the v3 chat stream.
type streamRecord struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id"`
	ChatID         string `json:"chat_id"`
	ID             string `json:"id"`
	Message        struct {
		Content        string `json:"content"`
		ConversationID string `json:"conversation_id"`
		ChatID         string `json:"chat_id"`
	} `json:"message"`
	LastError struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"last_error"`
}

// MakeStreamRequest opens a v3 chat stream and normalizes its status
// semantics: in_progress keeps the connection alive with empty deltas,
// completed finishes the session, failed surfaces an error event. When
// the stream closes without having delivered any inline answer text,
// the final answer is recovered through the message-list endpoints.
func (a *Adapter) MakeStreamRequest(ctx context.Context, endpoint string, headers http.Header, req *domain.ChatCompletionRequest) (<-chan domain.StreamEvent, error) {
	req.Stream = true
	payload, err := a.TransformRequest(endpoint, req)
	if err != nil {
		return nil, err
	}

	fragments, err := a.client.Stream(ctx, http.MethodPost, endpointChat, headers, payload, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.StreamEvent)
	go func() {
		defer close(out)

		emitter := sse.NewEmitter("chatcmpl-"+fmt.Sprint(time.Now().UnixNano()), req.Model, time.Now().Unix())
		var (
			conversationID string
			chatID         string
			contentSeen    bool
			stopped        bool
		)

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
				if rec.Data == "[DONE]" {
					continue
				}
				var record streamRecord
				if err := json.Unmarshal([]byte(rec.Data), &record); err != nil {
					a.logger.Warn("dropping malformed stream record", slog.String("error", err.Error()))
					continue
				}

				if id := record.conversation(); id != "" && conversationID == "" {
					conversationID = id
					emitter.SetID("chatcmpl-" + conversationID)
				}
				if id := record.chat(); id != "" && chatID == "" {
					chatID = id
				}

				switch record.Status {
				case "in_progress":
					if !send(emitter.Empty()) {
						return
					}
				case "completed":
					if !send(emitter.Stop("stop")) {
						return
					}
					stopped = true
				case "failed":
					apiErr := domain.ErrPlatform(http.StatusBadGateway, "upstream chat failed")
					if record.LastError.Msg != "" {
						apiErr = domain.ErrPlatform(http.StatusBadGateway, record.LastError.Msg)
						apiErr.Code = record.LastError.Code
					}
					out <- domain.StreamEvent{Err: apiErr}
					return
				default:
					if record.Message.Content != "" {
						contentSeen = true
						if !send(emitter.Content(record.Message.Content)) {
							return
						}
					}
				}
			}
		}

		// Stream is over. The v3 protocol often withholds the answer
		// text from the stream itself; fetch it when nothing arrived
		// inline.
		if !contentSeen && conversationID != "" && chatID != "" {
			if answer := a.recoverAnswer(ctx, conversationID, chatID); answer != "" {
				if !send(emitter.Content(answer)) {
					return
				}
			}
		}
		if !stopped {
			send(emitter.Stop("stop"))
		}
	}()
	return out, nil
}

func (r *streamRecord) conversation() string {
	if r.ConversationID != "" {
		return r.ConversationID
	}
	return r.Message.ConversationID
}

func (r *streamRecord) chat() string {
	if r.ChatID != "" {
		return r.ChatID
	}
	return r.Message.ChatID
}

// recoverAnswer fetches the final assistant text through the known
// message-list endpoints, newest API first. Recovery failure is
// non-fatal: it is logged and the session ends without the text.
func (a *Adapter) recoverAnswer(ctx context.Context, conversationID, chatID string) string {
	query := url.Values{
		"conversation_id": {conversationID},
		"chat_id":         {chatID},
	}
	for _, path := range []string{endpointMessageListV3, endpointMessageListV1} {
		env, err := a.client.Do(ctx, http.MethodGet, path, nil, nil, query)
		if err != nil || env.StatusCode >= 400 || env.JSON == nil {
			continue
		}
		if answer := parseMessageList(env.JSON); answer != "" {
			return answer
		}
	}
	a.logger.Warn("answer recovery failed",
		slog.String("conversation_id", conversationID),
		slog.String("chat_id", chatID))
	return ""
}

// parseMessageList tolerates both message-list response shapes: data as
// a bare message array, or data.messages nesting.
func parseMessageList(raw json.RawMessage) string {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if json.Unmarshal(raw, &envelope) != nil || envelope.Data == nil {
		return ""
	}

	var messages []responseMessage
	if json.Unmarshal(envelope.Data, &messages) == nil {
		return answerContent(messages)
	}

	var nested struct {
		Messages []responseMessage `json:"messages"`
	}
	if json.Unmarshal(envelope.Data, &nested) == nil {
		return answerContent(nested.Messages)
	}
	return ""
}
