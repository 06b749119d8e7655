// Package registry proxies the token registry's metadata and allocation
// endpoints for callers that need transfer context off-ledger.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/clearportx/amm-gateway/internal/httputil"
	"github.com/clearportx/amm-gateway/internal/logging"
)

// =============================================================================
// Types
// =============================================================================

// ChoiceContext carries the extra arguments and disclosed contracts a
// registry-mediated choice needs at exercise time.
type ChoiceContext struct {
	ChoiceContextData  json.RawMessage     `json:"choiceContextData"`
	DisclosedContracts []DisclosedContract `json:"disclosedContracts"`
}

// DisclosedContract is a contract the registry discloses for a choice.
type DisclosedContract struct {
	TemplateID       string `json:"templateId"`
	ContractID       string `json:"contractId"`
	CreatedEventBlob string `json:"createdEventBlob"`
	SynchronizerID   string `json:"synchronizerId,omitempty"`
}

// registryInfoResponse is the metadata endpoint's response body.
type registryInfoResponse struct {
	AdminID string `json:"adminId"`
}

// Config configures the registry proxy.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Tokens  httputil.TokenSource
}

// Proxy is the typed client for the token registry's OpenAPI surface.
type Proxy struct {
	client *httputil.ServiceClient
	log    *logging.Logger
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a registry Proxy.
func New(cfg Config, log *logging.Logger) (*Proxy, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("registry base url is required")
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Proxy{
		client: httputil.NewServiceClient(httputil.ServiceClientConfig{
			BaseURL:     cfg.BaseURL,
			Timeout:     cfg.Timeout,
			TokenSource: cfg.Tokens,
		}),
		log: log,
	}, nil
}

// =============================================================================
// Operations
// =============================================================================

// RegistryAdminID returns the registry operator's party identifier.
func (p *Proxy) RegistryAdminID(ctx context.Context) (string, error) {
	resp, err := p.client.Get(ctx, "/registry/metadata/v1/info")
	if err != nil {
		return "", fmt.Errorf("fetch registry info: %w", err)
	}

	var info registryInfoResponse
	if err := httputil.DecodeResponse(resp, &info); err != nil {
		return "", fmt.Errorf("fetch registry info: %w", err)
	}
	if info.AdminID == "" {
		return "", fmt.Errorf("registry info response has no admin id")
	}
	return info.AdminID, nil
}

// AllocationTransferContext fetches the choice context needed to execute a
// transfer of the given allocation. A nil context with nil error means the
// registry knows no such allocation.
func (p *Proxy) AllocationTransferContext(ctx context.Context, allocationID string) (*ChoiceContext, error) {
	if allocationID == "" {
		return nil, fmt.Errorf("allocation id is required")
	}

	path := fmt.Sprintf("/registry/allocations/v1/%s/choice-contexts/transfer", url.PathEscape(allocationID))
	resp, err := p.client.Post(ctx, path, map[string]interface{}{})
	if err != nil {
		return nil, fmt.Errorf("fetch transfer context: %w", err)
	}

	if resp.StatusCode == 404 {
		resp.Body.Close()
		p.log.Debug(ctx, "Allocation unknown to registry", map[string]interface{}{
			"allocation_id": allocationID,
		})
		return nil, nil
	}

	var choice ChoiceContext
	if err := httputil.DecodeResponse(resp, &choice); err != nil {
		return nil, fmt.Errorf("fetch transfer context: %w", err)
	}
	return &choice, nil
}
