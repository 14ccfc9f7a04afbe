// Package upstream executes HTTP calls against provider APIs. It injects
// provider-appropriate authentication, sanitizes caller-supplied headers,
// and exposes streaming responses as a lazy channel of text fragments.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modelgate/modelgate/internal/domain"
)

// DefaultTimeout bounds a single upstream call, streaming included.
const DefaultTimeout = 300 * time.Second

// AuthStyle selects how the API key is attached to outbound requests.
type AuthStyle int

const (
	// AuthBearer sends "Authorization: Bearer <key>" (OpenAI, Coze).
	AuthBearer AuthStyle = iota
	// AuthAnthropicKey sends "x-api-key" plus "anthropic-version".
	AuthAnthropicKey
	// AuthQueryKey appends the key as a "?key=" query parameter (Google).
	AuthQueryKey
)

// anthropicVersion is the API version header Anthropic requires.
const anthropicVersion = "2023-06-01"

// Envelope is the normalized result of a non-streaming upstream call.
type Envelope struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// JSON is the parsed body, or nil when the body was not valid JSON.
	JSON json.RawMessage
}

// Fragment is one unit of a streaming response body.
type Fragment struct {
	Text string
	Err  error
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client (used by tests with VCR).
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithDefaultHeaders sets headers applied to every outbound request
// before auth injection.
func WithDefaultHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		c.defaultHeaders = headers
	}
}

// Client is an HTTP client bound to one provider's base URL and auth.
type Client struct {
	baseURL        string
	apiKey         string
	style          AuthStyle
	timeout        time.Duration
	defaultHeaders map[string]string
	httpClient     *http.Client
}

// NewClient creates a client for a provider endpoint.
func NewClient(baseURL, apiKey string, style AuthStyle, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		style:      style,
		timeout:    DefaultTimeout,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SanitizeHeaders copies caller-supplied headers, dropping those that
// would conflict with provider auth or transport framing.
func SanitizeHeaders(headers http.Header) http.Header {
	out := make(http.Header, len(headers))
	for k, vals := range headers {
		switch strings.ToLower(k) {
		case "authorization", "host", "content-length":
			continue
		}
		for _, v := range vals {
			out.Add(k, v)
		}
	}
	return out
}

func (c *Client) newRequest(ctx context.Context, method, path string, headers http.Header, body any, query url.Values) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, v := range c.defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, vals := range SanitizeHeaders(headers) {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	q := req.URL.Query()
	for k, vals := range query {
		for _, v := range vals {
			q.Add(k, v)
		}
	}

	switch c.style {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	case AuthAnthropicKey:
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", anthropicVersion)
	case AuthQueryKey:
		q.Set("key", c.apiKey)
	}
	req.URL.RawQuery = q.Encode()

	return req, nil
}

// Do executes a single request/response call and normalizes the result.
// Non-2xx statuses are returned inside the envelope, not as errors; only
// transport-level failures produce an error.
func (c *Client) Do(ctx context.Context, method, path string, headers http.Header, body any, query url.Values) (*Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, headers, body, query)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransportError(err)
	}

	env := &Envelope{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       raw,
	}
	if json.Valid(raw) {
		env.JSON = json.RawMessage(raw)
	}
	return env, nil
}

// Stream opens a streaming call and returns a lazy, single-pass channel
// of body fragments. The reader goroutine owns the response body and
// closes it when the channel drains, errors, or ctx is canceled, so no
// socket outlives its consumer. A non-2xx status at open time is
// surfaced as a platform error before any fragment is produced.
func (c *Client) Stream(ctx context.Context, method, path string, headers http.Header, body any, query url.Values) (<-chan Fragment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	req, err := c.newRequest(ctx, method, path, headers, body, query)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, wrapTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, domain.ErrPlatform(resp.StatusCode, upstreamMessage(resp.StatusCode, raw))
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()

		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				select {
				case out <- Fragment{Text: string(buf[:n])}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case out <- Fragment{Err: wrapTransportError(err)}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()
	return out, nil
}

func upstreamMessage(status int, body []byte) string {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Sprintf("upstream returned status %d", status)
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return fmt.Sprintf("upstream returned status %d: %s", status, msg)
}

func wrapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrTimeout("upstream request timed out")
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrTimeout("upstream request timed out")
	}
	return fmt.Errorf("upstream request failed: %w", err)
}
