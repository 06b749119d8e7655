package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clearportx/amm-gateway/internal/logging"
)

// TokenSource supplies a bearer credential for a single outbound call.
// Credentials are never cached by the client.
type TokenSource func(ctx context.Context) (string, error)

// =============================================================================
// Service Client
// =============================================================================

// ServiceClient is an authenticated JSON HTTP client for external collaborators
// (the token registry, auxiliary services). It attaches a bearer credential and
// the correlation id to every request.
type ServiceClient struct {
	httpClient  *http.Client
	tokenSource TokenSource
	baseURL     string
	maxRetries  int
}

// ServiceClientConfig configures the service client.
type ServiceClientConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	TokenSource TokenSource
}

// NewServiceClient creates a new service client.
func NewServiceClient(cfg ServiceClientConfig) *ServiceClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}

	return &ServiceClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tokenSource: cfg.TokenSource,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		maxRetries:  maxRetries,
	}
}

// Do executes an HTTP request with bearer auth and correlation propagation.
func (c *ServiceClient) Do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	return c.doWithRetry(ctx, method, path, body, 0)
}

// doWithRetry executes a request, retrying transient upstream failures.
func (c *ServiceClient) doWithRetry(ctx context.Context, method, path string, body interface{}, attempt int) (*http.Response, error) {
	url := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Bearer credential is fetched per call, never cached here.
	if c.tokenSource != nil {
		token, tokenErr := c.tokenSource(ctx)
		if tokenErr != nil {
			return nil, fmt.Errorf("obtain bearer credential: %w", tokenErr)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if id := logging.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if (resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable) && attempt < c.maxRetries {
		resp.Body.Close()
		return c.doWithRetry(ctx, method, path, body, attempt+1)
	}

	return resp, nil
}

// Get performs a GET request.
func (c *ServiceClient) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post performs a POST request with JSON body.
func (c *ServiceClient) Post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// DecodeResponse decodes a JSON response into the target struct.
func DecodeResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, truncated, err := ReadAllWithLimit(resp.Body, 64<<10)
		if err != nil {
			return fmt.Errorf("read error response body: %w", err)
		}
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, msg)
	}

	if target == nil {
		if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<20)); err != nil {
			return fmt.Errorf("discard response body: %w", err)
		}
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
