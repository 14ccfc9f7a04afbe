package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelgate/modelgate/internal/domain"
)

func TestSanitizeHeadersStripsHopHeaders(t *testing.T) {
	in := http.Header{
		"Authorization":  {"Bearer caller"},
		"Host":           {"evil.example"},
		"Content-Length": {"999"},
		"X-Custom":       {"keep-me"},
	}
	out := SanitizeHeaders(in)

	for _, h := range []string{"Authorization", "Host", "Content-Length"} {
		if out.Get(h) != "" {
			t.Errorf("%s should be stripped", h)
		}
	}
	if out.Get("X-Custom") != "keep-me" {
		t.Error("benign headers should survive")
	}
	// Input must not be mutated.
	if in.Get("Authorization") == "" {
		t.Error("SanitizeHeaders must not mutate its input")
	}
}

func TestDoBearerAuth(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "secret", AuthBearer)
	env, err := c.Do(context.Background(), http.MethodPost, "/chat/completions", nil, map[string]string{"a": "b"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if env.JSON == nil {
		t.Error("valid JSON body should populate the envelope")
	}
}

func TestDoNon2xxInsideEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "k", AuthBearer)
	env, err := c.Do(context.Background(), http.MethodGet, "/x", nil, nil, nil)
	if err != nil {
		t.Fatalf("non-2xx must not be a transport error: %v", err)
	}
	if env.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d", env.StatusCode)
	}
}

func TestDoTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "k", AuthBearer, WithTimeout(20*time.Millisecond))
	_, err := c.Do(context.Background(), http.MethodGet, "/slow", nil, nil, nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if domain.AsAPIError(err).Type != domain.ErrorTypeTimeout {
		t.Errorf("type = %q, want timeout_error", domain.AsAPIError(err).Type)
	}
}

func TestDefaultHeaders(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Extra")
		fmt.Fprint(w, `{}`)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "k", AuthBearer, WithDefaultHeaders(map[string]string{"X-Extra": "v"}))
	if _, err := c.Do(context.Background(), http.MethodGet, "/", nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if got != "v" {
		t.Errorf("X-Extra = %q", got)
	}
}

func TestStreamDeliversFragments(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: one\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: two\n\n")
		flusher.Flush()
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "k", AuthBearer)
	fragments, err := c.Stream(context.Background(), http.MethodGet, "/", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	var all strings.Builder
	for frag := range fragments {
		if frag.Err != nil {
			t.Fatalf("fragment error: %v", frag.Err)
		}
		all.WriteString(frag.Text)
	}
	if got := all.String(); got != "data: one\n\ndata: two\n\n" {
		t.Errorf("stream text = %q", got)
	}
}

func TestStreamOpenFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "k", AuthBearer)
	_, err := c.Stream(context.Background(), http.MethodGet, "/", nil, nil, nil)
	if err == nil {
		t.Fatal("expected an error at stream open")
	}
	apiErr := domain.AsAPIError(err)
	if apiErr.Type != domain.ErrorTypePlatform {
		t.Errorf("type = %q", apiErr.Type)
	}
	if apiErr.HTTPStatusCode() != http.StatusTooManyRequests {
		t.Errorf("status = %d", apiErr.HTTPStatusCode())
	}
}

func TestStreamCancellationCloses(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: first\n\n")
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(ts.URL, "k", AuthBearer)
	fragments, err := c.Stream(ctx, http.MethodGet, "/", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	<-fragments
	cancel()

	// The channel must close promptly after cancellation.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-fragments:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("fragment channel did not close after cancellation")
		}
	}
}
