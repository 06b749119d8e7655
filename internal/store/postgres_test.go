package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/clearportx/amm-gateway/internal/command"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestSaveRecord(t *testing.T) {
	store, mock := newMockStore(t)

	rec := command.IdempotencyRecord{
		CommandID: "cmd-1",
		Outcome:   command.Pending(),
		CreatedAt: time.Now().UTC(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO command_records")).
		WithArgs(rec.CommandID, sqlmock.AnyArg(), 0, rec.CreatedAt, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.SaveRecord(context.Background(), rec); err != nil {
		t.Fatalf("SaveRecord() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpdateOutcome(t *testing.T) {
	store, mock := newMockStore(t)

	rec := command.IdempotencyRecord{
		CommandID:     "cmd-1",
		Outcome:       command.Accepted("00aa", "u1"),
		AttemptCount:  2,
		LastAttemptAt: time.Now().UTC(),
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE command_records")).
		WithArgs(rec.CommandID, sqlmock.AnyArg(), 2, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.UpdateOutcome(context.Background(), rec); err != nil {
		t.Fatalf("UpdateOutcome() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpdateOutcome_MissingRecord(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE command_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := command.IdempotencyRecord{CommandID: "ghost", Outcome: command.Accepted("00aa", "u1")}
	if err := store.UpdateOutcome(context.Background(), rec); err == nil {
		t.Error("expected error for missing record")
	}
}

func TestGetRecord(t *testing.T) {
	store, mock := newMockStore(t)

	created := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"command_id", "outcome", "attempt_count", "created_at", "last_attempt_at"}).
		AddRow("cmd-1", []byte(`{"kind":"accepted","contractId":"00aa","updateId":"u1"}`), 1, created, created)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT command_id, outcome, attempt_count, created_at, last_attempt_at")).
		WithArgs("cmd-1").
		WillReturnRows(rows)

	rec, found, err := store.GetRecord(context.Background(), "cmd-1")
	if err != nil {
		t.Fatalf("GetRecord() error: %v", err)
	}
	if !found {
		t.Fatal("record not found")
	}
	if rec.Outcome.Kind != command.OutcomeAccepted {
		t.Errorf("Outcome.Kind = %s, want accepted", rec.Outcome.Kind)
	}
	if rec.Outcome.ContractID != "00aa" {
		t.Errorf("ContractID = %s, want 00aa", rec.Outcome.ContractID)
	}
}

func TestGetRecord_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT command_id")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"command_id", "outcome", "attempt_count", "created_at", "last_attempt_at"}))

	_, found, err := store.GetRecord(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetRecord() error: %v", err)
	}
	if found {
		t.Error("expected not found")
	}
}

func TestDeleteOlderThan(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM command_records")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.DeleteOlderThan(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}
}
