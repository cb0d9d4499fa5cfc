package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mooncorn/gsfleet/internal/models"
)

// CreateWorker inserts a new worker row for this process lifetime.
func (db *DB) CreateWorker(ctx context.Context) (*models.Worker, error) {
	query := `
		INSERT INTO workers DEFAULT VALUES
		RETURNING worker_id, created_at, ended_at, last_heartbeat
	`

	var w models.Worker
	err := db.Pool.QueryRow(ctx, query).Scan(&w.WorkerID, &w.CreatedAt, &w.EndedAt, &w.LastHeartbeat)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}
	return &w, nil
}

// GetWorker retrieves a worker by id.
func (db *DB) GetWorker(ctx context.Context, workerID int64) (*models.Worker, error) {
	query := `
		SELECT worker_id, created_at, ended_at, last_heartbeat
		FROM workers
		WHERE worker_id = $1
	`

	var w models.Worker
	err := db.Pool.QueryRow(ctx, query, workerID).Scan(&w.WorkerID, &w.CreatedAt, &w.EndedAt, &w.LastHeartbeat)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return &w, nil
}

// CurrentWorker returns the latest worker with a null ended_at.
func (db *DB) CurrentWorker(ctx context.Context) (*models.Worker, error) {
	query := `
		SELECT worker_id, created_at, ended_at, last_heartbeat
		FROM workers
		WHERE ended_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`

	var w models.Worker
	err := db.Pool.QueryRow(ctx, query).Scan(&w.WorkerID, &w.CreatedAt, &w.EndedAt, &w.LastHeartbeat)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current worker: %w", err)
	}
	return &w, nil
}

// ShutdownWorker marks a worker ended. Shutting down an already-closed
// worker returns ErrWorkerClosed.
func (db *DB) ShutdownWorker(ctx context.Context, workerID int64) (*models.Worker, error) {
	query := `
		UPDATE workers
		SET ended_at = NOW()
		WHERE worker_id = $1 AND ended_at IS NULL
		RETURNING worker_id, created_at, ended_at, last_heartbeat
	`

	var w models.Worker
	err := db.Pool.QueryRow(ctx, query, workerID).Scan(&w.WorkerID, &w.CreatedAt, &w.EndedAt, &w.LastHeartbeat)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := db.GetWorker(ctx, workerID); getErr == nil {
			return nil, ErrWorkerClosed
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to shutdown worker: %w", err)
	}
	return &w, nil
}

// CloseOtherWorkers closes every open worker except keepID and returns the
// closed ids. This enforces the single-active-worker invariant at worker
// startup.
func (db *DB) CloseOtherWorkers(ctx context.Context, keepID int64) ([]int64, error) {
	query := `
		UPDATE workers
		SET ended_at = NOW()
		WHERE worker_id != $1 AND ended_at IS NULL
		RETURNING worker_id
	`

	rows, err := db.Pool.Query(ctx, query, keepID)
	if err != nil {
		return nil, fmt.Errorf("failed to close other workers: %w", err)
	}
	defer rows.Close()

	var closed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan closed worker id: %w", err)
		}
		closed = append(closed, id)
	}
	return closed, rows.Err()
}

// WorkerHeartbeat updates last_heartbeat. Heartbeating a closed worker
// returns ErrWorkerClosed.
func (db *DB) WorkerHeartbeat(ctx context.Context, workerID int64) error {
	query := `
		UPDATE workers
		SET last_heartbeat = NOW()
		WHERE worker_id = $1 AND ended_at IS NULL
	`

	tag, err := db.Pool.Exec(ctx, query, workerID)
	if err != nil {
		return fmt.Errorf("failed to update worker heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := db.GetWorker(ctx, workerID); getErr == nil {
			return ErrWorkerClosed
		}
		return ErrNotFound
	}
	return nil
}
