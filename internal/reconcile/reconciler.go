// Package reconcile resolves ambiguous command submissions against the
// ledger's active contract set and maintains a local read cache of it.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clearportx/amm-gateway/internal/command"
	"github.com/clearportx/amm-gateway/internal/ledger"
	"github.com/clearportx/amm-gateway/internal/logging"
	"github.com/clearportx/amm-gateway/internal/metrics"
)

// =============================================================================
// Types
// =============================================================================

// ACSSource fetches the active contract set for a party and template.
type ACSSource interface {
	ActiveContracts(ctx context.Context, party, templateID string) ([]ledger.RawContract, error)
}

// Config controls the reconciliation cadence and how long a pending
// submission may stay unresolved before it is presumed lost.
type Config struct {
	// Schedule is a cron expression, e.g. "@every 30s".
	Schedule string
	// GracePeriod is the minimum pending age before an unmatched
	// submission is failed as presumed lost.
	GracePeriod time.Duration
	// Party is the operator party whose contracts are fetched.
	Party string
	// TemplateIDs are the templates fetched and cached on each run.
	TemplateIDs []string
}

// Reconciler periodically snapshots the active contract set, serves cached
// reads from it, and resolves timed-out submissions by matching their
// payload fingerprints against the snapshot.
type Reconciler struct {
	source  ACSSource
	tracker command.Tracker
	cfg     Config
	log     *logging.Logger

	cron  *cron.Cron
	entry cron.EntryID

	// cache maps templateID to its latest snapshot. Snapshots are
	// replaced wholesale so readers never observe a partial refresh.
	cache atomic.Value // map[string][]ledger.RawContract

	runMu sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a Reconciler. Scheduling does not begin until Start.
func New(source ACSSource, tracker command.Tracker, cfg Config, log *logging.Logger) (*Reconciler, error) {
	if source == nil {
		return nil, fmt.Errorf("acs source is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if log == nil {
		log = logging.Nop()
	}

	r := &Reconciler{
		source:  source,
		tracker: tracker,
		cfg:     cfg,
		log:     log,
		cron:    cron.New(),
	}
	r.cache.Store(map[string][]ledger.RawContract{})
	return r, nil
}

// =============================================================================
// Scheduling
// =============================================================================

// Start schedules periodic reconciliation runs. It returns after the first
// run completes so callers start with a warm cache.
func (r *Reconciler) Start(ctx context.Context) error {
	if err := r.Run(ctx); err != nil {
		r.log.Warn(ctx, "Initial reconciliation failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	id, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.Run(runCtx); err != nil {
			r.log.Error(runCtx, "Reconciliation run failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconciler: %w", err)
	}
	r.entry = id
	r.cron.Start()

	r.log.Info(ctx, "Reconciler started", map[string]interface{}{
		"schedule":     r.cfg.Schedule,
		"grace_period": r.cfg.GracePeriod.String(),
	})
	return nil
}

// Stop halts scheduled runs and waits for an in-progress run to finish.
func (r *Reconciler) Stop() {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
}

// =============================================================================
// Reconciliation
// =============================================================================

// Run refreshes the cached snapshot for every configured template and then
// resolves pending submissions against the fresh data. Runs never overlap.
func (r *Reconciler) Run(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	fresh := make(map[string][]ledger.RawContract, len(r.cfg.TemplateIDs))
	for _, templateID := range r.cfg.TemplateIDs {
		contracts, err := r.source.ActiveContracts(ctx, r.cfg.Party, templateID)
		if err != nil {
			metrics.RecordReconciliation("error")
			return fmt.Errorf("fetch active contracts for %s: %w", templateID, err)
		}
		fresh[templateID] = contracts
	}

	// Swap in the complete snapshot in one step.
	r.cache.Store(fresh)

	resolved, err := r.resolvePending(ctx, fresh)
	if err != nil {
		metrics.RecordReconciliation("error")
		return err
	}

	metrics.RecordReconciliation("ok")
	if resolved > 0 {
		r.log.Info(ctx, "Resolved pending submissions", map[string]interface{}{
			"count": resolved,
		})
	}
	return nil
}

// Reconcile refreshes a single template on demand for the given party and
// returns its contracts. The rest of the cache is carried over unchanged and
// the combined snapshot is swapped in atomically; pending submissions are
// resolved against it like on a scheduled run.
func (r *Reconciler) Reconcile(ctx context.Context, party, templateID string) ([]ledger.RawContract, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	contracts, err := r.source.ActiveContracts(ctx, party, templateID)
	if err != nil {
		metrics.RecordReconciliation("error")
		return nil, fmt.Errorf("fetch active contracts for %s: %w", templateID, err)
	}

	prev := r.cache.Load().(map[string][]ledger.RawContract)
	fresh := make(map[string][]ledger.RawContract, len(prev)+1)
	for k, v := range prev {
		fresh[k] = v
	}
	fresh[templateID] = contracts
	r.cache.Store(fresh)

	if _, err := r.resolvePending(ctx, fresh); err != nil {
		metrics.RecordReconciliation("error")
		return contracts, err
	}
	metrics.RecordReconciliation("ok")
	return contracts, nil
}

// Cached returns the latest snapshot for a template. The returned slice
// must not be mutated.
func (r *Reconciler) Cached(templateID string) []ledger.RawContract {
	snapshot := r.cache.Load().(map[string][]ledger.RawContract)
	return snapshot[templateID]
}

// resolvePending settles submissions whose outcome was ambiguous at submit
// time. A pending record whose payload fingerprint appears in the snapshot
// did land on the ledger and is completed as accepted. A record past the
// grace period with no matching contract is failed as presumed lost.
func (r *Reconciler) resolvePending(ctx context.Context, snapshot map[string][]ledger.RawContract) (int, error) {
	pending, err := r.tracker.PendingOlderThan(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list pending submissions: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	byFingerprint := make(map[string]ledger.RawContract)
	for templateID, contracts := range snapshot {
		for _, c := range contracts {
			byFingerprint[command.Fingerprint(templateID, c.Payload)] = c
		}
	}

	now := time.Now()
	resolved := 0
	for _, rec := range pending {
		// Records without a fingerprint (raw exercise commands) cannot
		// match the snapshot and rely on the grace-period rule below.
		match, matched := ledger.RawContract{}, false
		if rec.Fingerprint != "" {
			match, matched = byFingerprint[rec.Fingerprint]
		}
		if matched {
			if err := r.tracker.Complete(ctx, rec.CommandID, command.Accepted(match.ContractID, "")); err != nil {
				r.log.Warn(ctx, "Failed to complete matched submission", map[string]interface{}{
					"command_id": rec.CommandID,
					"error":      err.Error(),
				})
				continue
			}
			metrics.RecordPendingResolved("accepted")
			r.log.Info(ctx, "Pending submission confirmed on ledger", map[string]interface{}{
				"command_id":  rec.CommandID,
				"contract_id": match.ContractID,
			})
			resolved++
			continue
		}

		age := now.Sub(rec.LastAttemptAt)
		if rec.LastAttemptAt.IsZero() {
			age = now.Sub(rec.CreatedAt)
		}
		if age < r.cfg.GracePeriod {
			// Too recent to declare lost. The next run will pick it up.
			continue
		}

		outcome := command.RejectedFatal("presumed_lost",
			fmt.Sprintf("no matching contract after %s", r.cfg.GracePeriod))
		if err := r.tracker.Complete(ctx, rec.CommandID, outcome); err != nil {
			r.log.Warn(ctx, "Failed to fail lost submission", map[string]interface{}{
				"command_id": rec.CommandID,
				"error":      err.Error(),
			})
			continue
		}
		metrics.RecordPendingResolved("presumed_lost")
		r.log.Warn(ctx, "Pending submission presumed lost", map[string]interface{}{
			"command_id": rec.CommandID,
			"age":        age.String(),
		})
		resolved++
	}
	return resolved, nil
}
