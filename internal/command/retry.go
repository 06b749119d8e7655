package command

import (
	"math/rand"
	"time"
)

// =============================================================================
// Retry Policy
// =============================================================================

// RetryPolicy controls how failed submissions are retried.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Jitter            float64 // fraction of the delay, e.g. 0.2 for ±20%
}

// DefaultRetryPolicy returns the production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         200 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          5 * time.Second,
		Jitter:            0.2,
	}
}

// RetryDecision is the controller's verdict for one attempt result.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
	Final SubmissionOutcome // populated when Retry is false
}

// Decide determines whether the attempt'th submission result warrants another
// try. Only retryable rejections are retried; fatal rejections and accepted
// outcomes are final. TimedOut is never retried here: the reconciler must
// resolve the ambiguity first, since the command may have committed.
func (p RetryPolicy) Decide(outcome SubmissionOutcome, attempt int) RetryDecision {
	switch {
	case outcome.Kind == OutcomeAccepted:
		return RetryDecision{Final: outcome}
	case outcome.Kind == OutcomeTimedOut:
		return RetryDecision{Final: outcome}
	case outcome.Kind == OutcomeRejected && !outcome.Retryable:
		return RetryDecision{Final: outcome}
	}

	if attempt >= p.MaxAttempts {
		// Surface the last retryable rejection as the terminal failure.
		return RetryDecision{Final: outcome}
	}
	return RetryDecision{Retry: true, Delay: p.delay(attempt)}
}

// delay computes baseDelay × multiplier^(attempt−1) with jitter, capped.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffMultiplier
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
