package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/circuitbreaker"
	"github.com/weaverhq/weaver/internal/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Client manages the Postgres connection, the async write queue, and the
// typed stores built on top of it.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	raw    *sqlx.DB
	logger *zap.Logger

	writeQueue chan WriteRequest
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// WriteRequest represents one async write operation.
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

// WriteType discriminates async write payloads.
type WriteType int

const (
	WriteTypeExecution WriteType = iota
	WriteTypeExecutionUpdate
	WriteTypeUsageRecord
)

func (wt WriteType) String() string {
	switch wt {
	case WriteTypeExecution:
		return "Execution"
	case WriteTypeExecutionUpdate:
		return "ExecutionUpdate"
	case WriteTypeUsageRecord:
		return "UsageRecord"
	default:
		return "Unknown"
	}
}

// NewClient opens the database, runs embedded migrations when configured to,
// and starts the async write workers.
func NewClient(cfg config.DatabaseConfig, logger *zap.Logger) (*Client, error) {
	raw, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	raw.SetMaxOpenConns(cfg.MaxOpenConns)
	raw.SetMaxIdleConns(cfg.MaxIdleConns)
	raw.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.MigrateOnStart {
		if err := runMigrations(raw, logger); err != nil {
			_ = raw.Close()
			return nil, err
		}
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	workers := cfg.QueueWorkers
	if workers <= 0 {
		workers = 4
	}

	c := &Client{
		db:         circuitbreaker.NewDatabaseWrapper(raw, logger),
		raw:        raw,
		logger:     logger,
		writeQueue: make(chan WriteRequest, queueSize),
		workers:    workers,
		stopCh:     make(chan struct{}),
	}
	c.startWorkers()
	go c.healthCheck()

	logger.Info("Database client initialized",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("queue_size", queueSize),
		zap.Int("workers", workers),
	)
	return c, nil
}

// NewClientFromDB wraps an existing connection (used by tests with sqlmock).
func NewClientFromDB(raw *sqlx.DB, logger *zap.Logger) *Client {
	c := &Client{
		db:         circuitbreaker.NewDatabaseWrapper(raw, logger),
		raw:        raw,
		logger:     logger,
		writeQueue: make(chan WriteRequest, 16),
		workers:    1,
		stopCh:     make(chan struct{}),
	}
	c.startWorkers()
	return c
}

func runMigrations(raw *sqlx.DB, logger *zap.Logger) error {
	driver, err := postgres.WithInstance(raw.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migrate driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "weaver", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Closing m would also close the shared *sql.DB; close only the source.
	if err := source.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}

	logger.Info("Database migrations applied")
	return nil
}

func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()

	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-c.writeQueue:
			c.processWrite(req)
		}
	}
}

func (c *Client) processWrite(req WriteRequest) {
	var err error
	switch req.Type {
	case WriteTypeExecution:
		if exec, ok := req.Data.(*Execution); ok {
			err = c.SaveExecution(context.Background(), exec)
		}
	case WriteTypeExecutionUpdate:
		if exec, ok := req.Data.(*Execution); ok {
			err = c.UpdateExecution(context.Background(), exec)
		}
	case WriteTypeUsageRecord:
		if rec, ok := req.Data.(*UsageRecord); ok {
			err = c.SaveUsageRecord(context.Background(), rec)
		}
	}

	if req.Callback != nil {
		req.Callback(err)
	}
	if err != nil {
		c.logger.Error("Failed to process write request",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
}

func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue")
			return
		default:
			return
		}
	}
}

// QueueWrite adds a write request to the async queue. A full queue falls back
// to a synchronous write so records are never dropped.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) {
	select {
	case c.writeQueue <- WriteRequest{Type: writeType, Data: data, Callback: callback}:
	default:
		c.logger.Warn("Write queue full, falling back to synchronous write",
			zap.String("type", writeType.String()))
		c.processWrite(WriteRequest{Type: writeType, Data: data, Callback: callback})
	}
}

func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Ping checks connectivity through the breaker-wrapped connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close drains the write queue and shuts the pool down.
func (c *Client) Close() error {
	close(c.stopCh)
	c.workerWg.Wait()
	if err := c.raw.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	c.logger.Info("Database client closed")
	return nil
}
