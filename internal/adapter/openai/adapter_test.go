package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/domain"
	"github.com/modelgate/modelgate/internal/upstream"
)

func testConfig(baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		Type:            ProviderType,
		APIKey:          "test-key",
		BaseURL:         baseURL,
		Timeout:         5 * time.Second,
		Enabled:         true,
		ActualModelName: "gpt-4o",
	}
}

func TestTransformRequestIsIdentity(t *testing.T) {
	a := New(testConfig("https://api.openai.com/v1"))

	req := &domain.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []domain.ChatMessage{{Role: "user", Content: "Hi"}},
	}
	out, err := a.TransformRequest(adapter.EndpointChatCompletions, req)
	if err != nil {
		t.Fatal(err)
	}
	if out != req {
		t.Error("transform should pass the request through unchanged")
	}
}

func TestTransformResponsePassthrough(t *testing.T) {
	a := New(testConfig("https://api.openai.com/v1"))

	body := []byte(`{
		"id": "chatcmpl-123",
		"object": "chat.completion",
		"created": 1700000000,
		"model": "gpt-4o",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
	}`)
	resp, err := a.TransformResponse(adapter.EndpointChatCompletions, &upstream.Envelope{StatusCode: 200, Body: body, JSON: body})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "chatcmpl-123" || resp.Choices[0].Message.Content != "Hello" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestTransformResponseFallback(t *testing.T) {
	a := New(testConfig("https://api.openai.com/v1"))

	body := []byte(`{"not": "a completion"}`)
	resp, err := a.TransformResponse(adapter.EndpointChatCompletions, &upstream.Envelope{StatusCode: 200, Body: body, JSON: body})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].FinishReason != "stop" {
		t.Errorf("fallback shape wrong: %+v", resp.Choices)
	}
}

func TestSupportedEndpointsIncludeProxies(t *testing.T) {
	endpoints := New(testConfig("https://api.openai.com/v1")).SupportedEndpoints()
	want := map[string]bool{
		adapter.EndpointChatCompletions: false,
		adapter.EndpointCompletions:     false,
		adapter.EndpointEmbeddings:      false,
	}
	for _, ep := range endpoints {
		want[ep] = true
	}
	for ep, seen := range want {
		if !seen {
			t.Errorf("endpoint %s not supported", ep)
		}
	}
}

func TestProxyRequestForwardsBody(t *testing.T) {
	var gotPath, gotBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object": "list", "data": []}`)
	}))
	defer ts.Close()

	a := New(testConfig(ts.URL))
	body := json.RawMessage(`{"model":"text-embedding-3-small","input":"hello"}`)
	env, err := a.ProxyRequest(context.Background(), http.MethodPost, adapter.EndpointEmbeddings, nil, body)
	if err != nil {
		t.Fatal(err)
	}
	if env.StatusCode != http.StatusOK {
		t.Errorf("status = %d", env.StatusCode)
	}
	if gotPath != "/embeddings" {
		t.Errorf("path = %q, want /embeddings", gotPath)
	}
	if gotBody != string(body) {
		t.Errorf("body = %q, want passthrough", gotBody)
	}
}

func TestMakeStreamRequestPassthrough(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req domain.ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("upstream request should have stream=true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, data := range []string{
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":null}]}`,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`[DONE]`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}))
	defer ts.Close()

	a := New(testConfig(ts.URL))
	events, err := a.MakeStreamRequest(context.Background(), adapter.EndpointChatCompletions, nil, &domain.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []domain.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var chunks []*domain.StreamChunk
	for event := range events {
		if event.Err != nil {
			t.Fatalf("unexpected stream error: %v", event.Err)
		}
		chunks = append(chunks, event.Chunk)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[1].Choices[0].Delta.Content != "Hi" {
		t.Errorf("content = %q, want Hi", chunks[1].Choices[0].Delta.Content)
	}
}

func TestStreamOpenFailureIsPlatformError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	a := New(testConfig(ts.URL))
	_, err := a.MakeStreamRequest(context.Background(), adapter.EndpointChatCompletions, nil, &domain.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []domain.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected an error at stream open")
	}
	apiErr := domain.AsAPIError(err)
	if apiErr.Type != domain.ErrorTypePlatform {
		t.Errorf("type = %q, want platform_error", apiErr.Type)
	}
	if apiErr.HTTPStatusCode() != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", apiErr.HTTPStatusCode())
	}
}
