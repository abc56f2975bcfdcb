package circuitbreaker

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps sqlx operations with a circuit breaker.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	config := DatabaseSettings().ToConfig()
	cb := NewCircuitBreaker("postgresql", config, logger)

	GlobalMetricsCollector.RegisterCircuitBreaker("postgresql", "database-client", cb)

	return &DatabaseWrapper{
		db:     db,
		cb:     cb,
		logger: logger,
	}
}

func (dw *DatabaseWrapper) record(ok bool) {
	GlobalMetricsCollector.RecordRequest("postgresql", "database-client", dw.cb.State(), ok)
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	err := dw.cb.Execute(ctx, func(ctx context.Context) error {
		return dw.db.PingContext(ctx)
	})
	dw.record(err == nil)
	return err
}

// ExecContext wraps database exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result

	err := dw.cb.Execute(ctx, func(ctx context.Context) error {
		var execErr error
		result, execErr = dw.db.ExecContext(ctx, query, args...)
		return execErr
	})
	dw.record(err == nil)

	if err != nil {
		return nil, err
	}
	return result, nil
}

// QueryContext wraps database query with circuit breaker
func (dw *DatabaseWrapper) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows

	err := dw.cb.Execute(ctx, func(ctx context.Context) error {
		var queryErr error
		rows, queryErr = dw.db.QueryContext(ctx, query, args...)
		return queryErr
	})
	dw.record(err == nil)

	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetContext wraps sqlx Get with circuit breaker. sql.ErrNoRows passes
// through untouched so callers keep their not-found handling; it does not
// count as a breaker failure.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var queryErr error

	err := dw.cb.Execute(ctx, func(ctx context.Context) error {
		queryErr = dw.db.GetContext(ctx, dest, query, args...)
		if queryErr == sql.ErrNoRows {
			return nil
		}
		return queryErr
	})
	dw.record(err == nil)

	if err != nil {
		return err
	}
	return queryErr
}

// SelectContext wraps sqlx Select with circuit breaker
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := dw.cb.Execute(ctx, func(ctx context.Context) error {
		return dw.db.SelectContext(ctx, dest, query, args...)
	})
	dw.record(err == nil)
	return err
}

// TxWrapper wraps sqlx.Tx with circuit breaker protection
type TxWrapper struct {
	tx     *sqlx.Tx
	cb     *CircuitBreaker
	logger *zap.Logger
}

// BeginTxx wraps transaction begin with circuit breaker. The transaction
// binds to the caller's context, not the breaker's per-call context:
// database/sql rolls a tx back the moment its context is cancelled.
func (dw *DatabaseWrapper) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*TxWrapper, error) {
	var tx *sqlx.Tx

	err := dw.cb.Execute(ctx, func(context.Context) error {
		var beginErr error
		tx, beginErr = dw.db.BeginTxx(ctx, opts)
		return beginErr
	})
	dw.record(err == nil)

	if err != nil {
		return nil, err
	}
	return &TxWrapper{tx: tx, cb: dw.cb, logger: dw.logger}, nil
}

func (tw *TxWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result

	err := tw.cb.Execute(ctx, func(ctx context.Context) error {
		var execErr error
		result, execErr = tw.tx.ExecContext(ctx, query, args...)
		return execErr
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (tw *TxWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var queryErr error

	err := tw.cb.Execute(ctx, func(ctx context.Context) error {
		queryErr = tw.tx.GetContext(ctx, dest, query, args...)
		if queryErr == sql.ErrNoRows {
			return nil
		}
		return queryErr
	})

	if err != nil {
		return err
	}
	return queryErr
}

func (tw *TxWrapper) Commit() error {
	return tw.cb.Execute(context.Background(), func(context.Context) error {
		return tw.tx.Commit()
	})
}

func (tw *TxWrapper) Rollback() error {
	// Rollback bypasses the breaker; it must always be attempted.
	return tw.tx.Rollback()
}

// WithTransaction runs fn inside a transaction, rolling back on error.
func (dw *DatabaseWrapper) WithTransaction(ctx context.Context, fn func(*TxWrapper) error) error {
	tx, err := dw.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			dw.logger.Error("Transaction rollback failed",
				zap.Error(rbErr),
				zap.NamedError("cause", err),
			)
		}
		return err
	}
	return tx.Commit()
}

// Stats returns database stats
func (dw *DatabaseWrapper) Stats() sql.DBStats {
	return dw.db.Stats()
}

// Close closes the database connection
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// SetMaxOpenConns sets the maximum number of open connections
func (dw *DatabaseWrapper) SetMaxOpenConns(n int) {
	dw.db.SetMaxOpenConns(n)
}

// SetMaxIdleConns sets the maximum number of idle connections
func (dw *DatabaseWrapper) SetMaxIdleConns(n int) {
	dw.db.SetMaxIdleConns(n)
}

// SetConnMaxLifetime sets the maximum connection lifetime
func (dw *DatabaseWrapper) SetConnMaxLifetime(d time.Duration) {
	dw.db.SetConnMaxLifetime(d)
}

// GetDB returns the underlying sqlx handle for operations not covered by the wrapper
func (dw *DatabaseWrapper) GetDB() *sqlx.DB {
	return dw.db
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
