// Package ledger provides the Canton JSON API client for the gateway:
// asynchronous command submission, the completion stream, and active
// contract set queries.
package ledger

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// Command Submission Types
// =============================================================================

// CreateCommand creates a contract instance of the given template.
type CreateCommand struct {
	TemplateID      string          `json:"templateId"`
	CreateArguments json.RawMessage `json:"createArguments"`
}

// ExerciseCommand exercises a choice on an existing contract.
type ExerciseCommand struct {
	TemplateID     string          `json:"templateId"`
	ContractID     string          `json:"contractId"`
	Choice         string          `json:"choice"`
	ChoiceArgument json.RawMessage `json:"choiceArgument"`
}

// Command is a single ledger command; exactly one field is set.
type Command struct {
	Create   *CreateCommand   `json:"CreateCommand,omitempty"`
	Exercise *ExerciseCommand `json:"ExerciseCommand,omitempty"`
}

// SubmitRequest is the body of an asynchronous command submission.
type SubmitRequest struct {
	CommandID string    `json:"commandId"`
	ActAs     []string  `json:"actAs"`
	ReadAs    []string  `json:"readAs,omitempty"`
	Commands  []Command `json:"commands"`
}

// =============================================================================
// Completion Types
// =============================================================================

// Completion reports the terminal result of a submitted command, correlated
// by command id on the completion stream.
type Completion struct {
	CommandID  string           `json:"commandId"`
	Status     CompletionStatus `json:"status"`
	UpdateID   string           `json:"updateId,omitempty"`
	ContractID string           `json:"contractId,omitempty"`
}

// CompletionStatus carries the ledger's status code for a completion.
// Code "OK" means the command committed.
type CompletionStatus struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// OK reports whether the completion indicates a committed command.
func (c Completion) OK() bool {
	return c.Status.Code == CodeOK
}

// Ledger status codes, mirroring the participant's gRPC status taxonomy.
const (
	CodeOK                 = "OK"
	CodeAborted            = "ABORTED"
	CodeUnavailable        = "UNAVAILABLE"
	CodeDeadlineExceeded   = "DEADLINE_EXCEEDED"
	CodeResourceExhausted  = "RESOURCE_EXHAUSTED"
	CodeContention         = "CONTENTION"
	CodeAlreadyExists      = "ALREADY_EXISTS"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeFailedPrecondition = "FAILED_PRECONDITION"
	CodeInternal           = "INTERNAL"
)

// RetryableCode reports whether a status code indicates a transient condition
// that a fresh submission attempt may clear: lock contention, unavailability,
// and concurrent-submission conflicts.
func RetryableCode(code string) bool {
	switch code {
	case CodeAborted, CodeUnavailable, CodeResourceExhausted, CodeContention:
		return true
	}
	return false
}

// =============================================================================
// Active Contract Set Types
// =============================================================================

// RawContract is an entry of the active contract set as reported by the ledger.
type RawContract struct {
	ContractID string          `json:"contractId"`
	TemplateID string          `json:"templateId"`
	Payload    json.RawMessage `json:"createArguments"`
}

// =============================================================================
// Errors
// =============================================================================

// APIError is a structured error returned by the ledger's JSON API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"cause"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("ledger error %s: %s", e.Code, e.Message)
}

// Retryable reports whether the error is transient.
func (e *APIError) Retryable() bool {
	return RetryableCode(e.Code)
}
