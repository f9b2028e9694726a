// Package storage provides the PostgreSQL storage layer for the agent registry.
//
// It manages connection pooling via pgxpool, registers pgvector types on each
// connection, runs embedded migrations, and implements every query against the
// agents, agent_dependencies, agent_usage, agent_statistics, and index_outbox
// tables. All mutations that must be atomic (usage terminal transitions,
// cascade deletes, bulk upserts) run inside a single transaction here.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/ashita-ai/meibo/internal/model"
)

// DB wraps a bounded pgxpool.Pool. It is constructed with explicit init and
// torn down with Close; nothing here is a process-wide singleton.
type DB struct {
	pool           *pgxpool.Pool
	logger         *slog.Logger
	acquireTimeout time.Duration
}

// Options bounds the pool. Zero values fall back to pgx defaults.
type Options struct {
	MaxConns       int32
	AcquireTimeout time.Duration
}

// New creates a DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, opts Options, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}

	// Register pgvector types on each new connection. Best-effort: the vector
	// extension may not exist yet on first startup before migrations run;
	// later connections register fine once it does.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{
		pool:           pool,
		logger:         logger,
		acquireTimeout: opts.AcquireTimeout,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// begin opens a transaction under the acquisition budget. Pool exhaustion
// surfaces as a typed error instead of unbounded queuing.
func (db *DB) begin(ctx context.Context) (pgx.Tx, context.CancelFunc, error) {
	cancel := context.CancelFunc(func() {})
	if db.acquireTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, db.acquireTimeout)
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("storage: begin tx: %w", model.ErrPoolExhausted)
		}
		return nil, nil, fmt.Errorf("storage: begin tx: %w", err)
	}
	return tx, cancel, nil
}
