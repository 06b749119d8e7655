// Package store persists idempotency records in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/clearportx/amm-gateway/internal/command"
)

// schema creates the idempotency-record table.
const schema = `
CREATE TABLE IF NOT EXISTS command_records (
	command_id      TEXT PRIMARY KEY,
	outcome         JSONB NOT NULL,
	attempt_count   INT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	last_attempt_at TIMESTAMPTZ,
	updated_at      TIMESTAMPTZ NOT NULL
)`

// Postgres archives idempotency records durably. It implements
// command.Archive; the in-memory tracker remains authoritative within a
// process, the archive lets a replayed request recover outcomes after a
// crash between ledger acknowledgment and response delivery.
type Postgres struct {
	db *sqlx.DB
}

var _ command.Archive = (*Postgres)(nil)

// Open connects to Postgres and ensures the schema exists.
func Open(dsn string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewWithDB wraps an existing database handle, for tests.
func NewWithDB(db *sql.DB) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, "postgres")}
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// SaveRecord inserts a fresh record. Conflicts are ignored: the first insert
// for a command id wins, matching the tracker's check-and-insert semantics.
func (p *Postgres) SaveRecord(ctx context.Context, rec command.IdempotencyRecord) error {
	outcome, err := json.Marshal(rec.Outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO command_records (command_id, outcome, attempt_count, created_at, last_attempt_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (command_id) DO NOTHING
	`, rec.CommandID, outcome, rec.AttemptCount, rec.CreatedAt, nullTime(rec.LastAttemptAt), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// UpdateOutcome stores the terminal outcome for a record.
func (p *Postgres) UpdateOutcome(ctx context.Context, rec command.IdempotencyRecord) error {
	outcome, err := json.Marshal(rec.Outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE command_records
		SET outcome = $2, attempt_count = $3, last_attempt_at = $4, updated_at = $5
		WHERE command_id = $1
	`, rec.CommandID, outcome, rec.AttemptCount, nullTime(rec.LastAttemptAt), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetRecord loads a record by command id.
func (p *Postgres) GetRecord(ctx context.Context, commandID string) (command.IdempotencyRecord, bool, error) {
	var row struct {
		CommandID     string       `db:"command_id"`
		Outcome       []byte       `db:"outcome"`
		AttemptCount  int          `db:"attempt_count"`
		CreatedAt     time.Time    `db:"created_at"`
		LastAttemptAt sql.NullTime `db:"last_attempt_at"`
	}

	err := p.db.GetContext(ctx, &row, `
		SELECT command_id, outcome, attempt_count, created_at, last_attempt_at
		FROM command_records
		WHERE command_id = $1
	`, commandID)
	if err == sql.ErrNoRows {
		return command.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return command.IdempotencyRecord{}, false, fmt.Errorf("select record: %w", err)
	}

	rec := command.IdempotencyRecord{
		CommandID:    row.CommandID,
		AttemptCount: row.AttemptCount,
		CreatedAt:    row.CreatedAt,
	}
	if row.LastAttemptAt.Valid {
		rec.LastAttemptAt = row.LastAttemptAt.Time
	}
	if err := json.Unmarshal(row.Outcome, &rec.Outcome); err != nil {
		return command.IdempotencyRecord{}, false, fmt.Errorf("unmarshal outcome: %w", err)
	}
	return rec, true, nil
}

// DeleteOlderThan removes terminal records past the retention window.
func (p *Postgres) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM command_records
		WHERE created_at < $1 AND outcome->>'kind' IN ('accepted', 'rejected')
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
