package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clearportx/amm-gateway/internal/auth"
	"github.com/clearportx/amm-gateway/internal/logging"
)

// Client talks to the participant node's JSON API. A bearer credential is
// fetched from the token provider per call and attached to the request; it is
// never cached inside the client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.TokenProvider
	log        *logging.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Tokens  auth.TokenProvider
	Logger  *logging.Logger
}

// NewClient creates a new ledger client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ledger base URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tokens: cfg.Tokens,
		log:    log,
	}, nil
}

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// Core HTTP plumbing
// =============================================================================

// do executes a JSON API call and decodes the response into out (which may be nil).
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("obtain bearer credential: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr APIError
		if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.Code != "" {
			return &apiErr
		}
		// Map bare HTTP failures onto the status taxonomy so callers classify uniformly.
		code := CodeInternal
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			code = CodeUnauthenticated
		case http.StatusForbidden:
			code = CodePermissionDenied
		case http.StatusBadRequest:
			code = CodeInvalidArgument
		case http.StatusConflict:
			code = CodeAlreadyExists
		case http.StatusTooManyRequests:
			code = CodeResourceExhausted
		case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
			code = CodeUnavailable
		}
		return &APIError{Code: code, Message: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// =============================================================================
// Command Submission
// =============================================================================

// SubmitAsync submits a command for asynchronous processing. The terminal
// result arrives on the completion stream, correlated by command id.
func (c *Client) SubmitAsync(ctx context.Context, req SubmitRequest) error {
	if req.CommandID == "" {
		return fmt.Errorf("command id required")
	}
	if len(req.ActAs) == 0 {
		return fmt.Errorf("actAs required")
	}

	c.log.Debug(ctx, "Submitting command", map[string]interface{}{
		"command_id": req.CommandID,
		"act_as":     req.ActAs,
		"commands":   len(req.Commands),
	})

	return c.do(ctx, http.MethodPost, "/v2/commands/async/submit", req, nil)
}

// =============================================================================
// Active Contract Set
// =============================================================================

// acsRequest is the active-contract-set query body.
type acsRequest struct {
	Parties     []string `json:"parties"`
	TemplateIDs []string `json:"templateIds,omitempty"`
}

// acsResponse wraps the returned entries.
type acsResponse struct {
	Contracts []RawContract `json:"contracts"`
}

// ActiveContracts fetches the full active contract set visible to party for
// the given template. An empty templateID fetches all templates.
func (c *Client) ActiveContracts(ctx context.Context, party, templateID string) ([]RawContract, error) {
	req := acsRequest{Parties: []string{party}}
	if templateID != "" {
		req.TemplateIDs = []string{templateID}
	}

	var resp acsResponse
	if err := c.do(ctx, http.MethodPost, "/v2/state/active-contracts", req, &resp); err != nil {
		return nil, fmt.Errorf("query active contracts: %w", err)
	}

	c.log.Debug(ctx, "Fetched active contract set", map[string]interface{}{
		"party":    party,
		"template": templateID,
		"count":    len(resp.Contracts),
	})
	return resp.Contracts, nil
}
