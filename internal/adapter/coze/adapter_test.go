package coze

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/domain"
	"github.com/modelgate/modelgate/internal/upstream"
)

func testConfig(baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		Type:    ProviderType,
		APIKey:  "test-key",
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
		Enabled: true,
	}
}

func TestBotIDDerivation(t *testing.T) {
	a := New(testConfig("https://api.coze.com"))

	id, err := a.botID("bot-abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	id, err = a.botID("abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	_, err = a.botID("")
	require.Error(t, err)
	apiErr := domain.AsAPIError(err)
	assert.Equal(t, domain.ErrorTypeInvalidRequest, apiErr.Type)
}

func TestBotIDConfigDefault(t *testing.T) {
	cfg := testConfig("https://api.coze.com")
	cfg.BotID = "fallback-bot"
	a := New(cfg)

	id, err := a.botID("")
	require.NoError(t, err)
	assert.Equal(t, "fallback-bot", id)
}

func TestTransformRequest(t *testing.T) {
	a := New(testConfig("https://api.coze.com"))

	out, err := a.TransformRequest(adapter.EndpointChatCompletions, &domain.ChatCompletionRequest{
		Model: "bot-742",
		User:  "alice",
		Messages: []domain.ChatMessage{
			{Role: "assistant", Content: "earlier answer"},
			{Role: "user", Content: "what now?"},
		},
	})
	require.NoError(t, err)
	cr := out.(*chatRequest)

	assert.Equal(t, "742", cr.BotID)
	assert.Equal(t, "alice", cr.UserID)
	require.Len(t, cr.AdditionalMessages, 2)
	assert.Equal(t, "assistant", cr.AdditionalMessages[0].Role)
	assert.Equal(t, "earlier answer", cr.AdditionalMessages[0].Content)

	// The last message always rides as the live user query.
	last := cr.AdditionalMessages[1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "what now?", last.Content)
	assert.Equal(t, "text", last.ContentType)
}

func TestTransformRequestDefaultUser(t *testing.T) {
	a := New(testConfig("https://api.coze.com"))

	out, err := a.TransformRequest(adapter.EndpointChatCompletions, &domain.ChatCompletionRequest{
		Model:    "bot-742",
		Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "default_user", out.(*chatRequest).UserID)
}

func TestTransformRequestEmptyMessages(t *testing.T) {
	a := New(testConfig("https://api.coze.com"))

	_, err := a.TransformRequest(adapter.EndpointChatCompletions, &domain.ChatCompletionRequest{Model: "bot-742"})
	require.Error(t, err)
	assert.Equal(t, domain.ErrorTypeInvalidRequest, domain.AsAPIError(err).Type)
}

func TestTransformResponse(t *testing.T) {
	a := New(testConfig("https://api.coze.com"))

	body := []byte(`{
		"conversation_id": "conv-9",
		"messages": [
			{"type": "verbose", "role": "assistant", "content": "{}"},
			{"type": "answer", "role": "assistant", "content": "the answer"}
		]
	}`)
	resp, err := a.TransformResponse(adapter.EndpointChatCompletions, &upstream.Envelope{StatusCode: 200, Body: body, JSON: body})
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-conv-9", resp.ID)
	assert.Equal(t, "the answer", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Zero(t, resp.Usage.TotalTokens, "token usage is never reported")
}

func TestTransformResponseNoAnswerMessage(t *testing.T) {
	a := New(testConfig("https://api.coze.com"))

	body := []byte(`{"conversation_id": "conv-9", "messages": [{"type": "verbose", "content": "x"}]}`)
	resp, err := a.TransformResponse(adapter.EndpointChatCompletions, &upstream.Envelope{StatusCode: 200, Body: body, JSON: body})
	require.NoError(t, err)

	require.Len(t, resp.Choices, 1)
	assert.Empty(t, resp.Choices[0].Message.Content)
}

func TestModelInfoCapabilities(t *testing.T) {
	info := New(testConfig("https://api.coze.com")).ModelInfo()
	assert.True(t, info.SupportsStreaming)
	assert.False(t, info.SupportsFunctionCalling)
}

func TestKeepsRequestModel(t *testing.T) {
	assert.True(t, New(testConfig("https://api.coze.com")).KeepsRequestModel())
}

func streamHandler(records []string, messageList string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == endpointMessageListV3 || r.URL.Path == endpointMessageListV1 {
			if messageList == "" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, messageList)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, record := range records {
			fmt.Fprintf(w, "%s\n\n", record)
			flusher.Flush()
		}
	}
}

func collectChunks(t *testing.T, events <-chan domain.StreamEvent) []*domain.StreamChunk {
	t.Helper()
	var chunks []*domain.StreamChunk
	for event := range events {
		require.Nil(t, event.Err, "unexpected stream error")
		chunks = append(chunks, event.Chunk)
	}
	return chunks
}

func TestStreamStatusOnlySession(t *testing.T) {
	ts := httptest.NewServer(streamHandler([]string{
		`data: {"status":"in_progress","conversation_id":"conv-1"}`,
		`data: {"status":"in_progress"}`,
		`data: {"status":"completed"}`,
	}, ""))
	defer ts.Close()

	a := New(testConfig(ts.URL))
	events, err := a.MakeStreamRequest(context.Background(), adapter.EndpointChatCompletions, nil, &domain.ChatCompletionRequest{
		Model:    "bot-742",
		Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	chunks := collectChunks(t, events)
	require.Len(t, chunks, 4, "start, empty, empty, stop")

	assert.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)
	assert.Empty(t, chunks[1].Choices[0].Delta.Content)
	assert.Empty(t, chunks[2].Choices[0].Delta.Content)
	require.NotNil(t, chunks[3].Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunks[3].Choices[0].FinishReason)
	assert.Equal(t, "chatcmpl-conv-1", chunks[0].ID)
}

func TestStreamInlineContent(t *testing.T) {
	ts := httptest.NewServer(streamHandler([]string{
		`data: {"conversation_id":"conv-2","chat_id":"chat-2","message":{"content":"partial "}}`,
		`data: {"message":{"content":"answer"}}`,
		`data: {"status":"completed"}`,
	}, ""))
	defer ts.Close()

	a := New(testConfig(ts.URL))
	events, err := a.MakeStreamRequest(context.Background(), adapter.EndpointChatCompletions, nil, &domain.ChatCompletionRequest{
		Model:    "bot-742",
		Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	chunks := collectChunks(t, events)
	require.Len(t, chunks, 4, "start, 2 content, stop — no recovery fetch when content arrived inline")

	got := chunks[1].Choices[0].Delta.Content + chunks[2].Choices[0].Delta.Content
	assert.Equal(t, "partial answer", got)
}

func TestStreamAnswerRecovery(t *testing.T) {
	ts := httptest.NewServer(streamHandler(
		[]string{
			`data: {"status":"in_progress","conversation_id":"conv-3","chat_id":"chat-3"}`,
		},
		`{"data": [{"type": "answer", "role": "assistant", "content": "recovered text"}]}`,
	))
	defer ts.Close()

	a := New(testConfig(ts.URL))
	events, err := a.MakeStreamRequest(context.Background(), adapter.EndpointChatCompletions, nil, &domain.ChatCompletionRequest{
		Model:    "bot-742",
		Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	chunks := collectChunks(t, events)
	require.Len(t, chunks, 4, "start, empty, recovered content, stop")
	assert.Equal(t, "recovered text", chunks[2].Choices[0].Delta.Content)
	require.NotNil(t, chunks[3].Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunks[3].Choices[0].FinishReason)
}

func TestStreamFailedStatus(t *testing.T) {
	ts := httptest.NewServer(streamHandler([]string{
		`data: {"status":"failed","last_error":{"code":4013,"msg":"bot not published"}}`,
	}, ""))
	defer ts.Close()

	a := New(testConfig(ts.URL))
	events, err := a.MakeStreamRequest(context.Background(), adapter.EndpointChatCompletions, nil, &domain.ChatCompletionRequest{
		Model:    "bot-742",
		Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	var streamErr *domain.APIError
	for event := range events {
		if event.Err != nil {
			streamErr = event.Err
		}
	}
	require.NotNil(t, streamErr)
	assert.Equal(t, domain.ErrorTypePlatform, streamErr.Type)
	assert.Equal(t, "bot not published", streamErr.Message)
}

func TestParseMessageListShapes(t *testing.T) {
	flat := []byte(`{"data": [{"type": "answer", "content": "flat"}]}`)
	assert.Equal(t, "flat", parseMessageList(flat))

	nested := []byte(`{"data": {"messages": [{"type": "answer", "content": "nested"}]}}`)
	assert.Equal(t, "nested", parseMessageList(nested))

	assert.Empty(t, parseMessageList([]byte(`{"code": 4000}`)))
}
