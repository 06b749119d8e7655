// Package command implements the ledger command submission core: envelope
// construction, idempotency tracking, submission execution, and retry policy.
package command

import "fmt"

// OutcomeKind tags the variant of a SubmissionOutcome.
type OutcomeKind string

const (
	// OutcomePending means the command is submitted but no terminal result
	// has been observed yet.
	OutcomePending OutcomeKind = "pending"
	// OutcomeAccepted means the ledger committed the command.
	OutcomeAccepted OutcomeKind = "accepted"
	// OutcomeRejected means the ledger rejected the command.
	OutcomeRejected OutcomeKind = "rejected"
	// OutcomeTimedOut means no acknowledgment arrived within the attempt
	// deadline; the true result is ambiguous until reconciliation.
	OutcomeTimedOut OutcomeKind = "timed_out"
)

// SubmissionOutcome is the tagged result of a command submission. It is
// created Pending and transitions exactly once to a terminal variant.
type SubmissionOutcome struct {
	Kind       OutcomeKind `json:"kind"`
	ContractID string      `json:"contractId,omitempty"`
	UpdateID   string      `json:"updateId,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Message    string      `json:"message,omitempty"`
	Retryable  bool        `json:"retryable,omitempty"`
}

// Pending returns the initial outcome.
func Pending() SubmissionOutcome {
	return SubmissionOutcome{Kind: OutcomePending}
}

// Accepted returns a committed outcome carrying the resulting ids.
func Accepted(contractID, updateID string) SubmissionOutcome {
	return SubmissionOutcome{Kind: OutcomeAccepted, ContractID: contractID, UpdateID: updateID}
}

// RejectedRetryable returns a rejection the retry policy may act on.
func RejectedRetryable(reason, message string) SubmissionOutcome {
	return SubmissionOutcome{Kind: OutcomeRejected, Reason: reason, Message: message, Retryable: true}
}

// RejectedFatal returns a rejection that must never be retried.
func RejectedFatal(reason, message string) SubmissionOutcome {
	return SubmissionOutcome{Kind: OutcomeRejected, Reason: reason, Message: message}
}

// TimedOut returns the ambiguous timeout outcome.
func TimedOut() SubmissionOutcome {
	return SubmissionOutcome{Kind: OutcomeTimedOut, Reason: "deadline_exceeded"}
}

// Terminal reports whether the outcome is final. TimedOut is not terminal:
// it must be resolved to Accepted or a fatal rejection by reconciliation.
func (o SubmissionOutcome) Terminal() bool {
	return o.Kind == OutcomeAccepted || o.Kind == OutcomeRejected
}

// String renders the outcome for logs.
func (o SubmissionOutcome) String() string {
	switch o.Kind {
	case OutcomeAccepted:
		return fmt.Sprintf("accepted(contract=%s update=%s)", o.ContractID, o.UpdateID)
	case OutcomeRejected:
		return fmt.Sprintf("rejected(reason=%s retryable=%t)", o.Reason, o.Retryable)
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "pending"
	}
}

// Equal reports whether two outcomes are the same terminal result.
func (o SubmissionOutcome) Equal(other SubmissionOutcome) bool {
	return o.Kind == other.Kind &&
		o.ContractID == other.ContractID &&
		o.UpdateID == other.UpdateID &&
		o.Reason == other.Reason &&
		o.Retryable == other.Retryable
}
