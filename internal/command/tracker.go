package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clearportx/amm-gateway/internal/logging"
)

// =============================================================================
// Idempotency Tracker
// =============================================================================

// RegistrationState tags the result of a Register call.
type RegistrationState string

const (
	// Admitted means the caller holds the sole right to submit this command.
	Admitted RegistrationState = "admitted"
	// AlreadyInFlight means another caller is submitting; poll for the outcome.
	AlreadyInFlight RegistrationState = "already_in_flight"
	// AlreadyCompleted means the command finished; the stored outcome is returned.
	AlreadyCompleted RegistrationState = "already_completed"
)

// Registration is the result of an atomic check-and-insert.
type Registration struct {
	State   RegistrationState
	Outcome SubmissionOutcome // populated for AlreadyCompleted
}

// IdempotencyRecord tracks the lifecycle of one command id.
type IdempotencyRecord struct {
	CommandID     string            `json:"commandId"`
	Outcome       SubmissionOutcome `json:"outcome"`
	Fingerprint   string            `json:"fingerprint,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	LastAttemptAt time.Time         `json:"lastAttemptAt"`
	AttemptCount  int               `json:"attemptCount"`
}

// Tracker guarantees at-most-one submission per command id. Register is an
// atomic check-and-insert; two concurrent callers bearing the same id can
// never both be admitted.
type Tracker interface {
	Register(ctx context.Context, commandID string) (Registration, error)
	Complete(ctx context.Context, commandID string, outcome SubmissionOutcome) error
	RecordAttempt(ctx context.Context, commandID string) error
	// SetFingerprint attaches the payload fingerprint used by the reconciler
	// to match active contracts back to this submission.
	SetFingerprint(ctx context.Context, commandID, fingerprint string) error
	Get(ctx context.Context, commandID string) (IdempotencyRecord, bool, error)
	// PendingOlderThan lists Pending records whose last attempt is at least
	// age old, for reconciliation-based resolution.
	PendingOlderThan(ctx context.Context, age time.Duration) ([]IdempotencyRecord, error)
}

// Archive persists idempotency records durably. Register consults it on a
// cache miss so a replayed command id still recovers its outcome after a
// restart. Write and delete failures are logged, never propagated: the
// in-memory record remains authoritative within the process lifetime.
type Archive interface {
	SaveRecord(ctx context.Context, rec IdempotencyRecord) error
	UpdateOutcome(ctx context.Context, rec IdempotencyRecord) error
	GetRecord(ctx context.Context, commandID string) (IdempotencyRecord, bool, error)
	DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// =============================================================================
// In-Memory Tracker
// =============================================================================

// MemoryTracker is the in-process Tracker. Records are evicted after the
// retention window once terminal; Pending records are never evicted.
type MemoryTracker struct {
	mu        sync.Mutex
	records   map[string]*IdempotencyRecord
	retention time.Duration
	archive   Archive
	log       *logging.Logger
	now       func() time.Time
}

// MemoryTrackerOption customizes a MemoryTracker.
type MemoryTrackerOption func(*MemoryTracker)

// WithArchive enables durable write-through of records.
func WithArchive(a Archive) MemoryTrackerOption {
	return func(t *MemoryTracker) { t.archive = a }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemoryTrackerOption {
	return func(t *MemoryTracker) { t.now = now }
}

// NewMemoryTracker creates a tracker retaining terminal records for retention.
func NewMemoryTracker(retention time.Duration, log *logging.Logger, opts ...MemoryTrackerOption) *MemoryTracker {
	if retention <= 0 {
		retention = time.Hour
	}
	if log == nil {
		log = logging.Nop()
	}
	t := &MemoryTracker{
		records:   make(map[string]*IdempotencyRecord),
		retention: retention,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register atomically checks and inserts a record for commandID. A cache
// miss falls back to the archive so a command completed before a restart is
// replayed, not re-submitted.
func (t *MemoryTracker) Register(ctx context.Context, commandID string) (Registration, error) {
	if commandID == "" {
		return Registration{}, fmt.Errorf("command id required")
	}

	t.mu.Lock()
	if rec, exists := t.records[commandID]; exists {
		reg := registrationFor(rec)
		t.mu.Unlock()
		return reg, nil
	}
	t.mu.Unlock()

	if t.archive != nil {
		if reg, recovered := t.recoverFromArchive(ctx, commandID); recovered {
			return reg, nil
		}
	}

	t.mu.Lock()
	// Another goroutine may have registered while the archive was queried.
	if rec, exists := t.records[commandID]; exists {
		reg := registrationFor(rec)
		t.mu.Unlock()
		return reg, nil
	}
	rec := &IdempotencyRecord{
		CommandID: commandID,
		Outcome:   Pending(),
		CreatedAt: t.now().UTC(),
	}
	t.records[commandID] = rec
	saved := *rec
	t.mu.Unlock()

	if t.archive != nil {
		if err := t.archive.SaveRecord(ctx, saved); err != nil {
			t.log.Warn(ctx, "Failed to archive idempotency record", map[string]interface{}{
				"command_id": commandID,
				"error":      err.Error(),
			})
		}
	}
	return Registration{State: Admitted}, nil
}

// recoverFromArchive adopts an archived record into the in-memory map.
// An archive read failure admits the caller rather than refusing the
// submission.
func (t *MemoryTracker) recoverFromArchive(ctx context.Context, commandID string) (Registration, bool) {
	archived, found, err := t.archive.GetRecord(ctx, commandID)
	if err != nil {
		t.log.Warn(ctx, "Failed to read archived idempotency record", map[string]interface{}{
			"command_id": commandID,
			"error":      err.Error(),
		})
		return Registration{}, false
	}
	if !found {
		return Registration{}, false
	}

	t.mu.Lock()
	rec, exists := t.records[commandID]
	if !exists {
		rec = &archived
		t.records[commandID] = rec
	}
	reg := registrationFor(rec)
	kind := rec.Outcome.Kind
	t.mu.Unlock()

	t.log.Info(ctx, "Recovered idempotency record from archive", map[string]interface{}{
		"command_id": commandID,
		"outcome":    string(kind),
	})
	return reg, true
}

// registrationFor maps an existing record onto the caller's registration.
// Callers hold t.mu.
func registrationFor(rec *IdempotencyRecord) Registration {
	if rec.Outcome.Terminal() {
		return Registration{State: AlreadyCompleted, Outcome: rec.Outcome}
	}
	return Registration{State: AlreadyInFlight}
}

// Complete transitions a Pending record to a terminal outcome exactly once.
// A second completion is a no-op; a divergent one is logged as an anomaly.
func (t *MemoryTracker) Complete(ctx context.Context, commandID string, outcome SubmissionOutcome) error {
	if !outcome.Terminal() {
		return fmt.Errorf("complete requires a terminal outcome, got %s", outcome.Kind)
	}

	t.mu.Lock()
	rec, exists := t.records[commandID]
	if !exists {
		t.mu.Unlock()
		return fmt.Errorf("no record for command id %s", commandID)
	}
	if rec.Outcome.Terminal() {
		divergent := !rec.Outcome.Equal(outcome)
		stored := *rec
		t.mu.Unlock()
		if divergent {
			t.log.Warn(ctx, "Divergent completion for already-terminal command", map[string]interface{}{
				"command_id": commandID,
				"stored":     stored.Outcome.String(),
				"ignored":    outcome.String(),
			})
		}
		return nil
	}
	rec.Outcome = outcome
	updated := *rec
	t.mu.Unlock()

	if t.archive != nil {
		if err := t.archive.UpdateOutcome(ctx, updated); err != nil {
			t.log.Warn(ctx, "Failed to archive outcome", map[string]interface{}{
				"command_id": commandID,
				"error":      err.Error(),
			})
		}
	}

	t.evictExpired(ctx)
	return nil
}

// RecordAttempt bumps the attempt counter and timestamp for commandID.
func (t *MemoryTracker) RecordAttempt(ctx context.Context, commandID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, exists := t.records[commandID]
	if !exists {
		return fmt.Errorf("no record for command id %s", commandID)
	}
	rec.AttemptCount++
	rec.LastAttemptAt = t.now().UTC()
	return nil
}

// SetFingerprint attaches the payload fingerprint to the record.
func (t *MemoryTracker) SetFingerprint(ctx context.Context, commandID, fingerprint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, exists := t.records[commandID]
	if !exists {
		return fmt.Errorf("no record for command id %s", commandID)
	}
	rec.Fingerprint = fingerprint
	return nil
}

// Get returns the record for commandID, if present.
func (t *MemoryTracker) Get(ctx context.Context, commandID string) (IdempotencyRecord, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, exists := t.records[commandID]
	if !exists {
		return IdempotencyRecord{}, false, nil
	}
	return *rec, true, nil
}

// PendingOlderThan lists Pending records whose last activity is at least age old.
func (t *MemoryTracker) PendingOlderThan(ctx context.Context, age time.Duration) ([]IdempotencyRecord, error) {
	cutoff := t.now().UTC().Add(-age)

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []IdempotencyRecord
	for _, rec := range t.records {
		if rec.Outcome.Terminal() {
			continue
		}
		last := rec.LastAttemptAt
		if last.IsZero() {
			last = rec.CreatedAt
		}
		if !last.After(cutoff) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// evictExpired drops terminal records older than the retention window and
// trims the archive alongside. Pending records are never evicted: losing one
// would break at-most-once.
func (t *MemoryTracker) evictExpired(ctx context.Context) {
	cutoff := t.now().UTC().Add(-t.retention)

	t.mu.Lock()
	evicted := 0
	for id, rec := range t.records {
		if !rec.Outcome.Terminal() {
			continue
		}
		if rec.CreatedAt.Before(cutoff) {
			delete(t.records, id)
			evicted++
		}
	}
	t.mu.Unlock()

	if evicted > 0 && t.archive != nil {
		if _, err := t.archive.DeleteOlderThan(ctx, t.retention); err != nil {
			t.log.Warn(ctx, "Failed to trim archived records", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}
