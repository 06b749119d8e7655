// Package gateway is the caller-facing façade. It ties envelope building,
// idempotency registration, submission, and reconciliation together behind a
// synchronous-looking Execute call, and carries the AMM convenience
// operations the HTTP surface exposes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clearportx/amm-gateway/internal/amm"
	"github.com/clearportx/amm-gateway/internal/command"
	"github.com/clearportx/amm-gateway/internal/ledger"
	"github.com/clearportx/amm-gateway/internal/logging"
	"github.com/clearportx/amm-gateway/internal/metrics"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrAlreadyInFlight means another caller holds the submission right
	// for this command id and has not completed yet.
	ErrAlreadyInFlight = errors.New("command is already in flight")
	// ErrRateLimited means the acting party exceeded its submission rate.
	ErrRateLimited = errors.New("submission rate exceeded for party")
)

// =============================================================================
// Types
// =============================================================================

// SubmissionRunner drives one envelope to a terminal or timed-out outcome.
type SubmissionRunner interface {
	Submit(ctx context.Context, env command.CommandEnvelope) command.SubmissionOutcome
}

// ContractCache serves reconciled active-contract snapshots.
type ContractCache interface {
	Cached(templateID string) []ledger.RawContract
	Run(ctx context.Context) error
}

// ExecutionResult is what Execute hands back to the HTTP layer.
type ExecutionResult struct {
	CommandID string                    `json:"commandId"`
	Outcome   command.SubmissionOutcome `json:"outcome"`
	// Replayed is true when the outcome was served from the idempotency
	// tracker without a new submission.
	Replayed bool `json:"replayed,omitempty"`
}

// PoolReference pairs an on-ledger pool contract with its payload.
type PoolReference struct {
	ContractID string   `json:"contractId"`
	Pool       amm.Pool `json:"pool"`
}

// Config configures the façade.
type Config struct {
	// RequestTimeout bounds how long Execute waits for a result. The
	// submission itself is not bounded by it.
	RequestTimeout time.Duration
	// RatePerParty and RateBurst shape the per-party submission limiter.
	RatePerParty float64
	RateBurst    int
	// OperatorParty acts on pool creation and reconciliation reads.
	OperatorParty string
	// TestParty receives the swap-test mint.
	TestParty string
}

// Service orchestrates the submission pipeline per request.
type Service struct {
	executor SubmissionRunner
	tracker  command.Tracker
	cache    ContractCache
	cfg      Config
	log      *logging.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// =============================================================================
// Constructor
// =============================================================================

// New creates the façade Service.
func New(executor SubmissionRunner, tracker command.Tracker, cache ContractCache, cfg Config, log *logging.Logger) (*Service, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RatePerParty <= 0 {
		cfg.RatePerParty = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Service{
		executor: executor,
		tracker:  tracker,
		cache:    cache,
		cfg:      cfg,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// =============================================================================
// Execute
// =============================================================================

// Execute runs a command through the full pipeline: envelope validation,
// duplicate detection, rate limiting, idempotency registration, submission,
// and outcome persistence.
//
// The submission runs on a context detached from the caller's: abandoning
// the request cancels only the wait, never the in-flight ledger work. An
// outcome that is still ambiguous when the wait expires comes back Pending;
// the reconciler settles it and callers poll Status with the command id.
func (s *Service) Execute(ctx context.Context, commandID string, payload []ledger.Command, actAs, readAs []string, fingerprint string) (ExecutionResult, error) {
	env, err := command.NewEnvelope(commandID, payload, actAs, readAs)
	if err != nil {
		return ExecutionResult{}, err
	}

	// Duplicates resolve before the limiter: a replay costs no ledger
	// work, so it must never burn a token or surface a 429.
	if rec, found, err := s.tracker.Get(ctx, env.CommandID); err == nil && found {
		if rec.Outcome.Terminal() {
			metrics.RecordIdempotentReplay()
			s.log.Info(ctx, "Replaying completed command", map[string]interface{}{
				"command_id": env.CommandID,
				"outcome":    string(rec.Outcome.Kind),
			})
			return ExecutionResult{CommandID: env.CommandID, Outcome: rec.Outcome, Replayed: true}, nil
		}
		return ExecutionResult{CommandID: env.CommandID}, fmt.Errorf("%w: %s", ErrAlreadyInFlight, env.CommandID)
	}

	if !s.limiterFor(env.ActAs[0]).Allow() {
		return ExecutionResult{}, fmt.Errorf("%w: %s", ErrRateLimited, env.ActAs[0])
	}

	reg, err := s.tracker.Register(ctx, env.CommandID)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("register command: %w", err)
	}
	switch reg.State {
	case command.AlreadyCompleted:
		metrics.RecordIdempotentReplay()
		s.log.Info(ctx, "Replaying completed command", map[string]interface{}{
			"command_id": env.CommandID,
			"outcome":    string(reg.Outcome.Kind),
		})
		return ExecutionResult{CommandID: env.CommandID, Outcome: reg.Outcome, Replayed: true}, nil
	case command.AlreadyInFlight:
		return ExecutionResult{CommandID: env.CommandID}, fmt.Errorf("%w: %s", ErrAlreadyInFlight, env.CommandID)
	}

	if fingerprint != "" {
		if err := s.tracker.SetFingerprint(ctx, env.CommandID, fingerprint); err != nil {
			s.log.Warn(ctx, "Failed to record payload fingerprint", map[string]interface{}{
				"command_id": env.CommandID,
				"error":      err.Error(),
			})
		}
	}

	// The submission must survive the caller. Only correlation values
	// cross over; cancellation does not.
	detached := context.WithoutCancel(ctx)
	done := make(chan command.SubmissionOutcome, 1)
	go func() {
		done <- s.executor.Submit(detached, env)
	}()

	wait := time.NewTimer(s.cfg.RequestTimeout)
	defer wait.Stop()

	select {
	case outcome := <-done:
		return ExecutionResult{CommandID: env.CommandID, Outcome: s.maskAmbiguous(outcome)}, nil
	case <-wait.C:
	case <-ctx.Done():
		s.log.Info(ctx, "Caller abandoned submission wait", map[string]interface{}{
			"command_id": env.CommandID,
		})
	}
	return ExecutionResult{CommandID: env.CommandID, Outcome: command.Pending()}, nil
}

// maskAmbiguous keeps timed-out outcomes internal: callers see Pending and
// poll for the reconciler's resolution.
func (s *Service) maskAmbiguous(outcome command.SubmissionOutcome) command.SubmissionOutcome {
	if outcome.Kind == command.OutcomeTimedOut {
		return command.Pending()
	}
	return outcome
}

// Status returns the tracked record for a command id.
func (s *Service) Status(ctx context.Context, commandID string) (command.IdempotencyRecord, bool, error) {
	return s.tracker.Get(ctx, commandID)
}

// limiterFor returns the acting party's rate limiter, creating it on first use.
func (s *Service) limiterFor(party string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[party]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RatePerParty), s.cfg.RateBurst)
		s.limiters[party] = l
	}
	return l
}

// =============================================================================
// AMM Operations
// =============================================================================

// MintToken submits a token create for issuer/owner and returns the result.
func (s *Service) MintToken(ctx context.Context, issuer, owner, symbol, amount string) (ExecutionResult, error) {
	payload, err := json.Marshal(amm.Token{Issuer: issuer, Owner: owner, Symbol: symbol, Amount: amount})
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("encode token payload: %w", err)
	}

	cmd := []ledger.Command{{Create: &ledger.CreateCommand{
		TemplateID:      amm.TokenTemplateID,
		CreateArguments: payload,
	}}}
	fp := command.Fingerprint(amm.TokenTemplateID, payload)
	return s.Execute(ctx, "", cmd, []string{issuer}, nil, fp)
}

// CreatePool submits a pool create authorized by operator and pool party.
func (s *Service) CreatePool(ctx context.Context, pool amm.Pool) (ExecutionResult, error) {
	payload, err := json.Marshal(pool)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("encode pool payload: %w", err)
	}

	cmd := []ledger.Command{{Create: &ledger.CreateCommand{
		TemplateID:      amm.PoolTemplateID,
		CreateArguments: payload,
	}}}
	fp := command.Fingerprint(amm.PoolTemplateID, payload)
	return s.Execute(ctx, "", cmd, []string{pool.Operator, pool.PoolParty}, nil, fp)
}

// Pools returns the reconciled pool contracts. When the cache is empty a
// refresh is attempted first so cold reads still see the ledger.
func (s *Service) Pools(ctx context.Context) ([]PoolReference, error) {
	if s.cache == nil {
		return nil, fmt.Errorf("contract cache is not configured")
	}

	raw := s.cache.Cached(amm.PoolTemplateID)
	if len(raw) == 0 {
		if err := s.cache.Run(ctx); err != nil {
			return nil, fmt.Errorf("refresh pools: %w", err)
		}
		raw = s.cache.Cached(amm.PoolTemplateID)
	}

	pools := make([]PoolReference, 0, len(raw))
	for _, c := range raw {
		var p amm.Pool
		if err := json.Unmarshal(c.Payload, &p); err != nil {
			s.log.Warn(ctx, "Skipping undecodable pool contract", map[string]interface{}{
				"contract_id": c.ContractID,
				"error":       err.Error(),
			})
			continue
		}
		pools = append(pools, PoolReference{ContractID: c.ContractID, Pool: p})
	}
	return pools, nil
}
