package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds every non-streaming request
const DefaultTimeout = 30 * time.Second

// BaseClient is a small JSON-over-HTTP client with shared headers
type BaseClient struct {
	baseURL string
	client  *http.Client
	// stream has no overall timeout; streamed bodies are bounded by ctx only
	stream *http.Client

	mu      sync.RWMutex
	headers map[string]string
}

func NewBaseClient(baseURL string) *BaseClient {
	transport := http.DefaultTransport
	return &BaseClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: transport,
		},
		stream:  &http.Client{Transport: transport},
		headers: make(map[string]string),
	}
}

// BaseURL returns the server root the client talks to
func (c *BaseClient) BaseURL() string {
	return c.baseURL
}

// WebSocketURL maps a path onto the server root with a ws or wss scheme
func (c *BaseClient) WebSocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (c *BaseClient) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[key] = value
}

func (c *BaseClient) DeleteHeader(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.headers, key)
}

func (c *BaseClient) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

// SetHTTPClient swaps the transport used for both plain and streamed requests
func (c *BaseClient) SetHTTPClient(hc *http.Client) {
	c.client = hc
	c.stream = &http.Client{Transport: hc.Transport, Jar: hc.Jar}
}

func (c *BaseClient) newRequest(ctx context.Context, method, endpoint string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.mu.RLock()
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	c.mu.RUnlock()

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

// MakeRequest sends a JSON payload and returns the raw response body. Non-2xx
// responses come back as *HTTPError.
func (c *BaseClient) MakeRequest(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	req, err := c.newRequest(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("endpoint", endpoint).
		Str("request_id", req.Header.Get("X-Request-ID")).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Request completed")

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newHTTPError(resp.StatusCode, responseBody)
	}
	return responseBody, nil
}

// Do sends payload and decodes the JSON response into out when out is non-nil
func (c *BaseClient) Do(ctx context.Context, method, endpoint string, payload, out any) error {
	body, err := c.MakeRequest(ctx, method, endpoint, payload)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// OpenStream sends a request and hands back the live response for incremental
// reads. The caller closes the body.
func (c *BaseClient) OpenStream(ctx context.Context, method, endpoint string, payload any) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, newHTTPError(resp.StatusCode, body)
	}
	return resp, nil
}

func (c *BaseClient) Get(ctx context.Context, endpoint string, out any) error {
	return c.Do(ctx, http.MethodGet, endpoint, nil, out)
}

func (c *BaseClient) Post(ctx context.Context, endpoint string, payload, out any) error {
	return c.Do(ctx, http.MethodPost, endpoint, payload, out)
}
