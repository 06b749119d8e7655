package command

import (
	"context"
	"errors"
	"time"

	"github.com/clearportx/amm-gateway/internal/ledger"
	"github.com/clearportx/amm-gateway/internal/logging"
	"github.com/clearportx/amm-gateway/internal/metrics"
)

// =============================================================================
// Submission Executor
// =============================================================================

// Submitter is the ledger's asynchronous command submission endpoint.
type Submitter interface {
	SubmitAsync(ctx context.Context, req ledger.SubmitRequest) error
}

// CompletionSource delivers completions correlated by command id.
type CompletionSource interface {
	Subscribe(commandID string) (<-chan ledger.Completion, func())
}

// Executor submits command envelopes, awaits their completions, classifies
// the results, and drives the retry policy. The final terminal outcome is
// persisted to the tracker before it is returned; a timed-out chain leaves
// the record Pending for reconciliation.
type Executor struct {
	ledger         Submitter
	completions    CompletionSource
	tracker        Tracker
	policy         RetryPolicy
	attemptTimeout time.Duration
	log            *logging.Logger
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Ledger         Submitter
	Completions    CompletionSource
	Tracker        Tracker
	Policy         RetryPolicy
	AttemptTimeout time.Duration
	Logger         *logging.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	timeout := cfg.AttemptTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	policy := cfg.Policy
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy()
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Executor{
		ledger:         cfg.Ledger,
		completions:    cfg.Completions,
		tracker:        cfg.Tracker,
		policy:         policy,
		attemptTimeout: timeout,
		log:            log,
	}
}

// Submit runs the submission chain for the envelope: attempt, classify,
// retry per policy, persist the final outcome. The caller must already hold
// the Admitted registration for the envelope's command id.
//
// A TimedOut return is not terminal: the executor does not assume success or
// failure, and the record stays Pending until the reconciler resolves it.
func (e *Executor) Submit(ctx context.Context, env CommandEnvelope) SubmissionOutcome {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		outcome := e.attempt(ctx, env)

		if outcome.Kind == OutcomeTimedOut {
			metrics.RecordSubmission(string(OutcomeTimedOut), time.Since(start))
			return outcome
		}

		decision := e.policy.Decide(outcome, attempt)
		if !decision.Retry {
			e.complete(ctx, env.CommandID, decision.Final)
			metrics.RecordSubmission(string(decision.Final.Kind), time.Since(start))
			return decision.Final
		}

		metrics.RecordRetry()
		e.log.Warn(ctx, "Submission attempt failed, retrying", map[string]interface{}{
			"command_id":   env.CommandID,
			"attempt":      attempt,
			"max_attempts": e.policy.MaxAttempts,
			"reason":       outcome.Reason,
			"delay":        decision.Delay.String(),
		})

		select {
		case <-ctx.Done():
			// The chain was abandoned between attempts; nothing is in flight,
			// so surfacing the last rejection is safe.
			e.complete(ctx, env.CommandID, outcome)
			metrics.RecordSubmission(string(outcome.Kind), time.Since(start))
			return outcome
		case <-time.After(decision.Delay):
		}
	}
}

// attempt performs a single submission and awaits its completion.
func (e *Executor) attempt(ctx context.Context, env CommandEnvelope) SubmissionOutcome {
	// Subscribe before submitting so the completion cannot be missed.
	completionCh, cancel := e.completions.Subscribe(env.CommandID)
	defer cancel()

	if err := e.tracker.RecordAttempt(ctx, env.CommandID); err != nil {
		e.log.Warn(ctx, "Failed to record attempt", map[string]interface{}{
			"command_id": env.CommandID,
			"error":      err.Error(),
		})
	}

	if err := e.ledger.SubmitAsync(ctx, env.SubmitRequest()); err != nil {
		return e.classifySubmitError(err)
	}

	timer := time.NewTimer(e.attemptTimeout)
	defer timer.Stop()

	select {
	case comp := <-completionCh:
		return e.classifyCompletion(comp)

	case <-timer.C:
		// Ambiguous: the command may still commit.
		e.log.Warn(ctx, "Submission timed out awaiting completion", map[string]interface{}{
			"command_id": env.CommandID,
			"deadline":   e.attemptTimeout.String(),
		})
		return TimedOut()

	case <-ctx.Done():
		return TimedOut()
	}
}

// classifySubmitError maps a synchronous submission failure onto an outcome.
func (e *Executor) classifySubmitError(err error) SubmissionOutcome {
	var apiErr *ledger.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Retryable() {
			return RejectedRetryable(apiErr.Code, apiErr.Message)
		}
		return RejectedFatal(apiErr.Code, apiErr.Message)
	}
	// Transport-level failure: the request may not have reached the ledger.
	return RejectedRetryable(ledger.CodeUnavailable, err.Error())
}

// classifyCompletion maps a completion onto an outcome.
func (e *Executor) classifyCompletion(comp ledger.Completion) SubmissionOutcome {
	if comp.OK() {
		return Accepted(comp.ContractID, comp.UpdateID)
	}
	if ledger.RetryableCode(comp.Status.Code) {
		return RejectedRetryable(comp.Status.Code, comp.Status.Message)
	}
	return RejectedFatal(comp.Status.Code, comp.Status.Message)
}

// complete persists a terminal outcome before it is surfaced to the caller.
func (e *Executor) complete(ctx context.Context, commandID string, outcome SubmissionOutcome) {
	if err := e.tracker.Complete(ctx, commandID, outcome); err != nil {
		e.log.Error(ctx, "Failed to persist outcome", map[string]interface{}{
			"command_id": commandID,
			"outcome":    outcome.String(),
			"error":      err.Error(),
		})
	}
}
