package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/clearportx/amm-gateway/internal/logging"
)

// =============================================================================
// Redis Tracker
// =============================================================================

// keyPrefix namespaces idempotency records in Redis.
const keyPrefix = "amm:idem:"

// RedisTracker implements Tracker on Redis for multi-replica deployments.
// Registration uses SETNX so the check-and-insert is atomic across gateway
// instances. Terminal records expire after the retention window; Pending
// records carry no TTL and are therefore never evicted.
type RedisTracker struct {
	client    *redis.Client
	retention time.Duration
	log       *logging.Logger
}

// NewRedisTracker creates a Redis-backed tracker.
func NewRedisTracker(client *redis.Client, retention time.Duration, log *logging.Logger) *RedisTracker {
	if retention <= 0 {
		retention = time.Hour
	}
	if log == nil {
		log = logging.Nop()
	}
	return &RedisTracker{client: client, retention: retention, log: log}
}

func recordKey(commandID string) string {
	return keyPrefix + commandID
}

// Register atomically check-and-inserts a Pending record.
func (t *RedisTracker) Register(ctx context.Context, commandID string) (Registration, error) {
	if commandID == "" {
		return Registration{}, fmt.Errorf("command id required")
	}

	rec := IdempotencyRecord{
		CommandID: commandID,
		Outcome:   Pending(),
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Registration{}, fmt.Errorf("marshal record: %w", err)
	}

	// No TTL on insert: the record is Pending and must survive until terminal.
	ok, err := t.client.SetNX(ctx, recordKey(commandID), data, 0).Result()
	if err != nil {
		return Registration{}, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return Registration{State: Admitted}, nil
	}

	existing, found, err := t.Get(ctx, commandID)
	if err != nil {
		return Registration{}, err
	}
	if !found {
		// Record evicted between SETNX and GET; only terminal records expire,
		// so the original outcome is gone past retention. Treat as in-flight
		// and let the caller poll.
		return Registration{State: AlreadyInFlight}, nil
	}
	if existing.Outcome.Terminal() {
		return Registration{State: AlreadyCompleted, Outcome: existing.Outcome}, nil
	}
	return Registration{State: AlreadyInFlight}, nil
}

// Complete transitions the stored record to a terminal outcome exactly once,
// using a watched transaction so concurrent completers cannot interleave.
func (t *RedisTracker) Complete(ctx context.Context, commandID string, outcome SubmissionOutcome) error {
	if !outcome.Terminal() {
		return fmt.Errorf("complete requires a terminal outcome, got %s", outcome.Kind)
	}
	key := recordKey(commandID)

	return t.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("no record for command id %s", commandID)
		}
		if err != nil {
			return fmt.Errorf("redis get: %w", err)
		}

		var rec IdempotencyRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		if rec.Outcome.Terminal() {
			if !rec.Outcome.Equal(outcome) {
				t.log.Warn(ctx, "Divergent completion for already-terminal command", map[string]interface{}{
					"command_id": commandID,
					"stored":     rec.Outcome.String(),
					"ignored":    outcome.String(),
				})
			}
			return nil
		}

		rec.Outcome = outcome
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			// Terminal records become evictable after the retention window.
			pipe.Set(ctx, key, updated, t.retention)
			return nil
		})
		return err
	}, key)
}

// RecordAttempt bumps the attempt counter for commandID.
func (t *RedisTracker) RecordAttempt(ctx context.Context, commandID string) error {
	key := recordKey(commandID)

	return t.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("no record for command id %s", commandID)
		}
		if err != nil {
			return fmt.Errorf("redis get: %w", err)
		}

		var rec IdempotencyRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		rec.AttemptCount++
		rec.LastAttemptAt = time.Now().UTC()

		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}, key)
}

// SetFingerprint attaches the payload fingerprint to the stored record.
func (t *RedisTracker) SetFingerprint(ctx context.Context, commandID, fingerprint string) error {
	key := recordKey(commandID)

	return t.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("no record for command id %s", commandID)
		}
		if err != nil {
			return fmt.Errorf("redis get: %w", err)
		}

		var rec IdempotencyRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		rec.Fingerprint = fingerprint

		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}, key)
}

// Get returns the record for commandID, if present.
func (t *RedisTracker) Get(ctx context.Context, commandID string) (IdempotencyRecord, bool, error) {
	data, err := t.client.Get(ctx, recordKey(commandID)).Bytes()
	if err == redis.Nil {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("redis get: %w", err)
	}

	var rec IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, true, nil
}

// PendingOlderThan scans for Pending records whose last activity is at least
// age old.
func (t *RedisTracker) PendingOlderThan(ctx context.Context, age time.Duration) ([]IdempotencyRecord, error) {
	cutoff := time.Now().UTC().Add(-age)

	var out []IdempotencyRecord
	iter := t.client.Scan(ctx, 0, keyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		data, err := t.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get: %w", err)
		}

		var rec IdempotencyRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.Outcome.Terminal() {
			continue
		}
		last := rec.LastAttemptAt
		if last.IsZero() {
			last = rec.CreatedAt
		}
		if !last.After(cutoff) {
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

var _ Tracker = (*RedisTracker)(nil)
var _ Tracker = (*MemoryTracker)(nil)
