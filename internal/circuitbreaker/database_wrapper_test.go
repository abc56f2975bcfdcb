package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"
)

func newMockWrapper(t *testing.T) (*DatabaseWrapper, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	wrapper := NewDatabaseWrapper(sqlx.NewDb(db, "sqlmock"), zaptest.NewLogger(t))
	return wrapper, mock, func() { db.Close() }
}

func TestDatabaseWrapper_NormalOperations(t *testing.T) {
	wrapper, mock, cleanup := newMockWrapper(t)
	defer cleanup()
	ctx := context.Background()

	// Test Ping
	mock.ExpectPing()
	if err := wrapper.PingContext(ctx); err != nil {
		t.Errorf("PingContext failed: %v", err)
	}

	// Test Query
	rows := sqlmock.NewRows([]string{"id", "name"}).
		AddRow(1, "test").
		AddRow(2, "test2")
	mock.ExpectQuery("SELECT (.+) FROM test").WillReturnRows(rows)

	queryRows, err := wrapper.QueryContext(ctx, "SELECT id, name FROM test")
	if err != nil {
		t.Errorf("QueryContext failed: %v", err)
	}
	defer queryRows.Close()

	// Test Exec
	mock.ExpectExec("INSERT INTO test").
		WithArgs("test").
		WillReturnResult(sqlmock.NewResult(1, 1))

	result, err := wrapper.ExecContext(ctx, "INSERT INTO test (name) VALUES (?)", "test")
	if err != nil {
		t.Errorf("ExecContext failed: %v", err)
	}

	affected, _ := result.RowsAffected()
	if affected != 1 {
		t.Errorf("Expected 1 affected row, got %d", affected)
	}

	// Verify all expectations were met
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_GetContextNoRows(t *testing.T) {
	wrapper, mock, cleanup := newMockWrapper(t)
	defer cleanup()
	ctx := context.Background()

	// sql.ErrNoRows passes through and doesn't count as a breaker failure
	for i := 0; i < 10; i++ {
		mock.ExpectQuery("SELECT (.+) FROM executions").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)
	}

	var id string
	for i := 0; i < 10; i++ {
		err := wrapper.GetContext(ctx, &id, "SELECT id FROM executions WHERE id = ?", "missing")
		if !errors.Is(err, sql.ErrNoRows) {
			t.Errorf("Expected sql.ErrNoRows, got %v", err)
		}
	}

	if wrapper.IsCircuitBreakerOpen() {
		t.Error("Circuit breaker should remain closed for sql.ErrNoRows")
	}
}

func TestDatabaseWrapper_TransactionWrapper(t *testing.T) {
	wrapper, mock, cleanup := newMockWrapper(t)
	defer cleanup()
	ctx := context.Background()

	// Test BeginTxx
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO test").
		WithArgs("test").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := wrapper.BeginTxx(ctx, nil)
	if err != nil {
		t.Errorf("BeginTxx failed: %v", err)
	}

	// Test transaction ExecContext
	result, err := tx.ExecContext(ctx, "INSERT INTO test (name) VALUES (?)", "test")
	if err != nil {
		t.Errorf("Transaction ExecContext failed: %v", err)
	}

	affected, _ := result.RowsAffected()
	if affected != 1 {
		t.Errorf("Expected 1 affected row, got %d", affected)
	}

	// Test commit
	if err := tx.Commit(); err != nil {
		t.Errorf("Transaction Commit failed: %v", err)
	}

	// Verify all expectations were met
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_WithTransactionRollback(t *testing.T) {
	wrapper, mock, cleanup := newMockWrapper(t)
	defer cleanup()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE organizations").
		WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err := wrapper.WithTransaction(ctx, func(tx *TxWrapper) error {
		_, err := tx.ExecContext(ctx, "UPDATE organizations SET spend = spend + 1")
		return err
	})
	if err == nil {
		t.Error("Expected transaction error to propagate")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_CircuitBreakerTriggering(t *testing.T) {
	wrapper, mock, cleanup := newMockWrapper(t)
	defer cleanup()
	ctx := context.Background()

	// Set up expected pings (circuit breaker opens after 5 failures)
	for i := 0; i < 5; i++ {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}

	// Simulate database failures
	for i := 0; i < 5; i++ {
		if err := wrapper.PingContext(ctx); err == nil {
			t.Error("Expected ping to fail")
		}
	}

	// Circuit breaker should be open
	if !wrapper.IsCircuitBreakerOpen() {
		t.Error("Expected circuit breaker to be open after repeated failures")
	}

	// Subsequent calls should fail fast
	if err := wrapper.PingContext(ctx); err != ErrCircuitOpen {
		t.Errorf("Expected circuit open error, got %v", err)
	}

	// Verify all expectations were met
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}
