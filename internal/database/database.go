package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("database: not found")
	// ErrWorkerClosed is returned when shutting down or heartbeating a
	// worker whose ended_at is already set.
	ErrWorkerClosed = errors.New("database: worker already closed")
	// ErrInstanceClosed is returned when shutting down an instance whose
	// ended_at is already set.
	ErrInstanceClosed = errors.New("database: instance already closed")
)

// Pool is the subset of pgx behaviour the repositories need. Both
// *pgxpool.Pool and pgx.Tx satisfy it, which lets tests run every repository
// method inside a rolled-back transaction.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DB provides access to the gsfleet schema. Each repository method owns its
// session for the duration of the call; no session crosses a message
// boundary.
type DB struct {
	Pool Pool
}

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close releases the pool. No-op when DB wraps a transaction.
func (db *DB) Close() {
	if pool, ok := db.Pool.(*pgxpool.Pool); ok {
		pool.Close()
	}
}
