package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clearportx/amm-gateway/internal/ledger"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeLedger records submissions and fails on demand.
type fakeLedger struct {
	mu      sync.Mutex
	submits []ledger.SubmitRequest
	err     error
}

func (f *fakeLedger) SubmitAsync(ctx context.Context, req ledger.SubmitRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	return f.err
}

func (f *fakeLedger) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

// fakeCompletions delivers one canned completion per subscription, in order.
type fakeCompletions struct {
	mu    sync.Mutex
	queue map[string][]ledger.Completion
}

func (f *fakeCompletions) Subscribe(commandID string) (<-chan ledger.Completion, func()) {
	ch := make(chan ledger.Completion, 1)
	f.mu.Lock()
	if comps := f.queue[commandID]; len(comps) > 0 {
		ch <- comps[0]
		f.queue[commandID] = comps[1:]
	}
	f.mu.Unlock()
	return ch, func() {}
}

func completionsFor(commandID string, comps ...ledger.Completion) *fakeCompletions {
	return &fakeCompletions{queue: map[string][]ledger.Completion{commandID: comps}}
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          10 * time.Millisecond,
	}
}

func newExecutorUnderTest(t *testing.T, led *fakeLedger, comps *fakeCompletions, timeout time.Duration) (*Executor, *MemoryTracker) {
	t.Helper()
	tracker := NewMemoryTracker(time.Hour, nil)
	exec := NewExecutor(ExecutorConfig{
		Ledger:         led,
		Completions:    comps,
		Tracker:        tracker,
		Policy:         fastPolicy(),
		AttemptTimeout: timeout,
	})
	return exec, tracker
}

func registeredEnvelope(t *testing.T, tracker *MemoryTracker, commandID string) CommandEnvelope {
	t.Helper()
	env, err := NewEnvelope(commandID, testPayload(), []string{"issuer::1220aa"}, nil)
	if err != nil {
		t.Fatalf("NewEnvelope() error: %v", err)
	}
	if _, err := tracker.Register(context.Background(), commandID); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	return env
}

// =============================================================================
// Executor Tests
// =============================================================================

func TestExecutor_AcceptedCompletion(t *testing.T) {
	led := &fakeLedger{}
	comps := completionsFor("cmd-1",
		ledger.Completion{CommandID: "cmd-1", Status: ledger.CompletionStatus{Code: ledger.CodeOK}, UpdateID: "u1", ContractID: "00aa"})
	exec, tracker := newExecutorUnderTest(t, led, comps, time.Second)
	env := registeredEnvelope(t, tracker, "cmd-1")

	outcome := exec.Submit(context.Background(), env)

	if outcome.Kind != OutcomeAccepted {
		t.Fatalf("Kind = %s, want accepted", outcome.Kind)
	}
	if outcome.ContractID != "00aa" {
		t.Errorf("ContractID = %s, want 00aa", outcome.ContractID)
	}

	// Outcome persisted before return.
	rec, found, _ := tracker.Get(context.Background(), "cmd-1")
	if !found || !rec.Outcome.Equal(outcome) {
		t.Errorf("tracker outcome = %v (found=%t), want %s", rec.Outcome, found, outcome)
	}
	if rec.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", rec.AttemptCount)
	}
	if led.submitCount() != 1 {
		t.Errorf("submits = %d, want 1", led.submitCount())
	}
}

func TestExecutor_RetryableRejectionThenAccepted(t *testing.T) {
	led := &fakeLedger{}
	comps := completionsFor("cmd-1",
		ledger.Completion{CommandID: "cmd-1", Status: ledger.CompletionStatus{Code: ledger.CodeAborted, Message: "lock contention"}},
		ledger.Completion{CommandID: "cmd-1", Status: ledger.CompletionStatus{Code: ledger.CodeOK}, UpdateID: "u2", ContractID: "00bb"})
	exec, tracker := newExecutorUnderTest(t, led, comps, time.Second)
	env := registeredEnvelope(t, tracker, "cmd-1")

	outcome := exec.Submit(context.Background(), env)

	if outcome.Kind != OutcomeAccepted {
		t.Fatalf("Kind = %s, want accepted after retry", outcome.Kind)
	}
	if led.submitCount() != 2 {
		t.Errorf("submits = %d, want 2", led.submitCount())
	}

	rec, _, _ := tracker.Get(context.Background(), "cmd-1")
	if rec.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", rec.AttemptCount)
	}
}

func TestExecutor_FatalRejectionNotRetried(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"auth failure", ledger.CodePermissionDenied},
		{"malformed payload", ledger.CodeInvalidArgument},
		{"duplicate with different content", ledger.CodeAlreadyExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			led := &fakeLedger{}
			comps := completionsFor("cmd-1",
				ledger.Completion{CommandID: "cmd-1", Status: ledger.CompletionStatus{Code: tt.code, Message: "boom"}})
			exec, tracker := newExecutorUnderTest(t, led, comps, time.Second)
			env := registeredEnvelope(t, tracker, "cmd-1")

			outcome := exec.Submit(context.Background(), env)

			if outcome.Kind != OutcomeRejected || outcome.Retryable {
				t.Fatalf("outcome = %s, want fatal rejection", outcome)
			}
			if led.submitCount() != 1 {
				t.Errorf("submits = %d, want 1 (no retries)", led.submitCount())
			}

			rec, _, _ := tracker.Get(context.Background(), "cmd-1")
			if !rec.Outcome.Terminal() {
				t.Error("fatal rejection should be persisted as terminal")
			}
		})
	}
}

func TestExecutor_GiveUpSurfacesLastRejection(t *testing.T) {
	led := &fakeLedger{}
	comps := completionsFor("cmd-1",
		ledger.Completion{CommandID: "cmd-1", Status: ledger.CompletionStatus{Code: ledger.CodeAborted, Message: "try 1"}},
		ledger.Completion{CommandID: "cmd-1", Status: ledger.CompletionStatus{Code: ledger.CodeUnavailable, Message: "try 2"}},
		ledger.Completion{CommandID: "cmd-1", Status: ledger.CompletionStatus{Code: ledger.CodeContention, Message: "try 3"}})
	exec, tracker := newExecutorUnderTest(t, led, comps, time.Second)
	env := registeredEnvelope(t, tracker, "cmd-1")

	outcome := exec.Submit(context.Background(), env)

	if outcome.Kind != OutcomeRejected {
		t.Fatalf("Kind = %s, want rejected", outcome.Kind)
	}
	if outcome.Reason != ledger.CodeContention {
		t.Errorf("Reason = %s, want the last rejection (CONTENTION)", outcome.Reason)
	}
	if led.submitCount() != 3 {
		t.Errorf("submits = %d, want MaxAttempts=3", led.submitCount())
	}

	// Not silently dropped: persisted as the terminal failure.
	rec, _, _ := tracker.Get(context.Background(), "cmd-1")
	if !rec.Outcome.Equal(outcome) {
		t.Errorf("tracker outcome = %s, want %s", rec.Outcome, outcome)
	}
}

func TestExecutor_TimeoutLeavesRecordPending(t *testing.T) {
	led := &fakeLedger{}
	comps := &fakeCompletions{queue: map[string][]ledger.Completion{}}
	exec, tracker := newExecutorUnderTest(t, led, comps, 30*time.Millisecond)
	env := registeredEnvelope(t, tracker, "cmd-1")

	outcome := exec.Submit(context.Background(), env)

	if outcome.Kind != OutcomeTimedOut {
		t.Fatalf("Kind = %s, want timed_out", outcome.Kind)
	}
	if led.submitCount() != 1 {
		t.Errorf("submits = %d, want 1 (no blind retry after timeout)", led.submitCount())
	}

	// Ambiguous result: the record must remain Pending for the reconciler.
	rec, found, _ := tracker.Get(context.Background(), "cmd-1")
	if !found {
		t.Fatal("record missing")
	}
	if rec.Outcome.Terminal() {
		t.Errorf("record outcome = %s, want still pending", rec.Outcome)
	}
}

func TestExecutor_SubmitErrorClassified(t *testing.T) {
	led := &fakeLedger{err: &ledger.APIError{Code: ledger.CodePermissionDenied, Message: "no auth"}}
	comps := &fakeCompletions{queue: map[string][]ledger.Completion{}}
	exec, tracker := newExecutorUnderTest(t, led, comps, time.Second)
	env := registeredEnvelope(t, tracker, "cmd-1")

	outcome := exec.Submit(context.Background(), env)

	if outcome.Kind != OutcomeRejected || outcome.Retryable {
		t.Fatalf("outcome = %s, want fatal rejection", outcome)
	}
	if led.submitCount() != 1 {
		t.Errorf("submits = %d, want 1", led.submitCount())
	}
}

func TestExecutor_TransportErrorRetriedThenGivesUp(t *testing.T) {
	led := &fakeLedger{err: context.DeadlineExceeded}
	comps := &fakeCompletions{queue: map[string][]ledger.Completion{}}
	exec, tracker := newExecutorUnderTest(t, led, comps, time.Second)
	env := registeredEnvelope(t, tracker, "cmd-1")

	outcome := exec.Submit(context.Background(), env)

	if outcome.Kind != OutcomeRejected || !outcome.Retryable {
		t.Fatalf("outcome = %s, want retryable rejection surfaced after give-up", outcome)
	}
	if led.submitCount() != 3 {
		t.Errorf("submits = %d, want MaxAttempts=3", led.submitCount())
	}
}
