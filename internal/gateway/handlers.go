package gateway

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/clearportx/amm-gateway/internal/amm"
	"github.com/clearportx/amm-gateway/internal/command"
	"github.com/clearportx/amm-gateway/internal/httputil"
	"github.com/clearportx/amm-gateway/internal/ledger"
	"github.com/clearportx/amm-gateway/internal/registry"
)

// =============================================================================
// Handler
// =============================================================================

// Handler exposes the façade over HTTP.
type Handler struct {
	service  *Service
	registry *registry.Proxy
}

// NewHandler creates the HTTP handler set.
func NewHandler(service *Service, registryProxy *registry.Proxy) *Handler {
	return &Handler{service: service, registry: registryProxy}
}

// Register mounts all routes on the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/commands", h.submitCommand).Methods(http.MethodPost)
	r.HandleFunc("/api/debug/mint-tokens", h.mintTokens).Methods(http.MethodPost)
	r.HandleFunc("/api/debug/create-pool-direct", h.createPoolDirect).Methods(http.MethodPost)
	r.HandleFunc("/api/test/swap-test", h.swapTest).Methods(http.MethodGet)
	r.HandleFunc("/api/pools", h.pools).Methods(http.MethodGet)
	r.HandleFunc("/api/commands/{id}", h.commandStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/registry/admin", h.registryAdmin).Methods(http.MethodGet)
	r.HandleFunc("/api/registry/allocations/{id}/transfer-context", h.allocationTransferContext).Methods(http.MethodGet)
}

// writeResult renders an execution result: 200 for terminal outcomes, 202
// while the submission is still being resolved.
func writeResult(w http.ResponseWriter, result ExecutionResult) {
	status := http.StatusOK
	if !result.Outcome.Terminal() {
		status = http.StatusAccepted
	}
	httputil.WriteJSON(w, status, result)
}

func writeExecuteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAlreadyInFlight):
		httputil.WriteError(w, http.StatusConflict, "in_flight", err.Error())
	case errors.Is(err, ErrRateLimited):
		httputil.WriteError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, command.ErrInvalidAuthorizerSet):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalError(w, err.Error())
	}
}

// =============================================================================
// Command Submission
// =============================================================================

type submitCommandRequest struct {
	CommandID string           `json:"commandId,omitempty"`
	ActAs     []string         `json:"actAs"`
	ReadAs    []string         `json:"readAs,omitempty"`
	Commands  []ledger.Command `json:"commands"`
}

// submitCommand runs a raw command envelope through the pipeline. The
// commandId doubles as the caller's idempotency key; resubmitting a
// completed id replays the stored outcome.
func (h *Handler) submitCommand(w http.ResponseWriter, r *http.Request) {
	var req submitCommandRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if len(req.Commands) == 0 {
		httputil.BadRequest(w, "commands must not be empty")
		return
	}

	var fingerprint string
	if c := req.Commands[0].Create; c != nil {
		fingerprint = command.Fingerprint(c.TemplateID, c.CreateArguments)
	}

	result, err := h.service.Execute(r.Context(), req.CommandID, req.Commands, req.ActAs, req.ReadAs, fingerprint)
	if err != nil {
		writeExecuteError(w, err)
		return
	}
	writeResult(w, result)
}

// =============================================================================
// Debug: Minting and Pool Creation
// =============================================================================

type mintTokensRequest struct {
	IssuerParty string `json:"issuerParty"`
	OwnerParty  string `json:"ownerParty"`
	SymbolA     string `json:"symbolA"`
	AmountA     string `json:"amountA"`
	SymbolB     string `json:"symbolB"`
	AmountB     string `json:"amountB"`
}

// mintTokens mints two token contracts for one owner in sequence, reporting
// each step so a failing mint is easy to place.
func (h *Handler) mintTokens(w http.ResponseWriter, r *http.Request) {
	var req mintTokensRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.IssuerParty == "" || req.OwnerParty == "" {
		httputil.BadRequest(w, "issuerParty and ownerParty are required")
		return
	}

	steps := []string{"Minting tokens for " + req.OwnerParty}
	result := map[string]interface{}{}

	fail := func(err error) {
		result["success"] = false
		result["error"] = err.Error()
		result["steps"] = steps
		httputil.WriteJSON(w, http.StatusInternalServerError, result)
	}

	resA, err := h.service.MintToken(r.Context(), req.IssuerParty, req.OwnerParty, req.SymbolA, req.AmountA)
	if err != nil {
		fail(err)
		return
	}
	result["tokenACid"] = resA.Outcome.ContractID
	result["tokenACommandId"] = resA.CommandID

	resB, err := h.service.MintToken(r.Context(), req.IssuerParty, req.OwnerParty, req.SymbolB, req.AmountB)
	if err != nil {
		fail(err)
		return
	}
	result["tokenBCid"] = resB.Outcome.ContractID
	result["tokenBCommandId"] = resB.CommandID

	result["success"] = true
	result["steps"] = steps
	result["message"] = "Tokens minted successfully!"
	httputil.WriteJSON(w, http.StatusOK, result)
}

type createPoolRequest struct {
	OperatorParty string `json:"operatorParty"`
	PoolParty     string `json:"poolParty"`
	EthIssuer     string `json:"ethIssuer"`
	UsdcIssuer    string `json:"usdcIssuer"`
	LpIssuer      string `json:"lpIssuer"`
	FeeReceiver   string `json:"feeReceiver"`
}

// createPoolDirect mints the two seed tokens, creates the pool contract, and
// verifies the pool is visible, carrying a step log through the response.
func (h *Handler) createPoolDirect(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.OperatorParty == "" || req.PoolParty == "" {
		httputil.BadRequest(w, "operatorParty and poolParty are required")
		return
	}

	result := map[string]interface{}{}
	var steps []string

	fail := func(err error) {
		failedAt := "unknown"
		if len(steps) > 0 {
			failedAt = steps[len(steps)-1]
		}
		result["success"] = false
		result["error"] = err.Error()
		result["failedAt"] = failedAt
		result["steps"] = steps
		httputil.WriteJSON(w, http.StatusInternalServerError, result)
	}

	steps = append(steps, "Using provided party IDs")
	result["parties"] = map[string]string{
		"operator":    req.OperatorParty,
		"poolParty":   req.PoolParty,
		"ethIssuer":   req.EthIssuer,
		"usdcIssuer":  req.UsdcIssuer,
		"lpIssuer":    req.LpIssuer,
		"feeReceiver": req.FeeReceiver,
	}

	steps = append(steps, "Creating ETH token")
	ethRes, err := h.service.MintToken(r.Context(), req.EthIssuer, req.PoolParty, "ETH", "100.0")
	if err != nil {
		fail(err)
		return
	}
	result["ethTokenCid"] = ethRes.Outcome.ContractID

	steps = append(steps, "Creating USDC token")
	usdcRes, err := h.service.MintToken(r.Context(), req.UsdcIssuer, req.PoolParty, "USDC", "200000.0")
	if err != nil {
		fail(err)
		return
	}
	result["usdcTokenCid"] = usdcRes.Outcome.ContractID

	steps = append(steps, "Creating Pool contract")
	poolRes, err := h.service.CreatePool(r.Context(), amm.Pool{
		Operator:      req.OperatorParty,
		PoolParty:     req.PoolParty,
		LPIssuer:      req.LpIssuer,
		IssuerA:       req.EthIssuer,
		IssuerB:       req.UsdcIssuer,
		SymbolA:       "ETH",
		SymbolB:       "USDC",
		FeeBps:        30,
		PoolID:        "eth-usdc-direct",
		MaxTTLMicros:  86400000000,
		ReserveA:      "0.0",
		ReserveB:      "0.0",
		TotalLPSupply: "0.0",
		FeeReceiver:   req.FeeReceiver,
		MaxPriceBps:   10000,
		MinLiquidity:  5000,
	})
	if err != nil {
		fail(err)
		return
	}
	result["poolCid"] = poolRes.Outcome.ContractID

	steps = append(steps, "Verifying pool visibility")
	pools, err := h.service.Pools(r.Context())
	if err != nil {
		fail(err)
		return
	}
	result["poolCount"] = len(pools)

	result["success"] = true
	result["steps"] = steps
	result["message"] = "Pool created successfully!"
	httputil.WriteJSON(w, http.StatusOK, result)
}

// =============================================================================
// Test: Swap Smoke Check
// =============================================================================

// swapTest mints one ETH for the configured test party and reports the first
// visible pool's reserves.
func (h *Handler) swapTest(w http.ResponseWriter, r *http.Request) {
	result := map[string]interface{}{}

	testParty := h.service.cfg.TestParty
	if testParty == "" {
		testParty = h.service.cfg.OperatorParty
	}
	if testParty == "" {
		httputil.InternalError(w, "no test party configured")
		return
	}

	mintRes, err := h.service.MintToken(r.Context(), testParty, testParty, "ETH", "1.0")
	if err != nil {
		result["error"] = err.Error()
		httputil.WriteJSON(w, http.StatusInternalServerError, result)
		return
	}
	result["ethTokenCid"] = mintRes.Outcome.ContractID

	pools, err := h.service.Pools(r.Context())
	if err != nil {
		result["error"] = err.Error()
		httputil.WriteJSON(w, http.StatusInternalServerError, result)
		return
	}
	if len(pools) == 0 {
		result["error"] = "No pools found"
		httputil.WriteJSON(w, http.StatusOK, result)
		return
	}

	pool := pools[0]
	result["poolId"] = pool.Pool.PoolID
	result["reserveA_before"] = pool.Pool.ReserveA
	result["reserveB_before"] = pool.Pool.ReserveB
	result["status"] = "Test complete - ETH minted, pool found"
	httputil.WriteJSON(w, http.StatusOK, result)
}

// =============================================================================
// Reads
// =============================================================================

func (h *Handler) pools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.service.Pools(r.Context())
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"pools": pools,
		"count": len(pools),
	})
}

// commandStatus polls a submission by its idempotency key.
func (h *Handler) commandStatus(w http.ResponseWriter, r *http.Request) {
	commandID := mux.Vars(r)["id"]

	rec, ok, err := h.service.Status(r.Context(), commandID)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "unknown_command", "no record for command id "+commandID)
		return
	}

	status := http.StatusOK
	if !rec.Outcome.Terminal() {
		status = http.StatusAccepted
	}
	httputil.WriteJSON(w, status, rec)
}

// =============================================================================
// Registry Passthrough
// =============================================================================

func (h *Handler) registryAdmin(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "registry_disabled", "registry proxy is not configured")
		return
	}

	admin, err := h.registry.RegistryAdminID(r.Context())
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"adminId": admin})
}

func (h *Handler) allocationTransferContext(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "registry_disabled", "registry proxy is not configured")
		return
	}

	allocationID := mux.Vars(r)["id"]
	choice, err := h.registry.AllocationTransferContext(r.Context(), allocationID)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	if choice == nil {
		httputil.WriteError(w, http.StatusNotFound, "unknown_allocation", "no transfer context for allocation "+allocationID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, choice)
}
