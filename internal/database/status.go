package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mooncorn/gsfleet/internal/models"
)

// InsertStatus persists one status event. Exactly one of WorkerID or
// GameServerInstanceID must be set; the schema CHECK enforces it.
func (db *DB) InsertStatus(ctx context.Context, info *models.ExternalStatusInfo) (*models.ExternalStatusInfo, error) {
	query := `
		INSERT INTO external_status_info
			(class_name, status_type, worker_id, game_server_instance_id, as_of)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING external_status_info_id, class_name, status_type,
		          worker_id, game_server_instance_id, as_of
	`

	var saved models.ExternalStatusInfo
	err := db.Pool.QueryRow(ctx, query,
		info.ClassName,
		info.StatusType,
		info.WorkerID,
		info.GameServerInstanceID,
		info.AsOf,
	).Scan(
		&saved.ExternalStatusInfoID,
		&saved.ClassName,
		&saved.StatusType,
		&saved.WorkerID,
		&saved.GameServerInstanceID,
		&saved.AsOf,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert status: %w", err)
	}
	return &saved, nil
}

// LatestWorkerStatus returns the most recent status row for a worker.
func (db *DB) LatestWorkerStatus(ctx context.Context, workerID int64) (*models.ExternalStatusInfo, error) {
	query := `
		SELECT external_status_info_id, class_name, status_type,
		       worker_id, game_server_instance_id, as_of
		FROM external_status_info
		WHERE worker_id = $1
		ORDER BY as_of DESC, external_status_info_id DESC
		LIMIT 1
	`
	return db.scanStatus(db.Pool.QueryRow(ctx, query, workerID))
}

// LatestInstanceStatus returns the most recent status row for an instance.
func (db *DB) LatestInstanceStatus(ctx context.Context, instanceID int64) (*models.ExternalStatusInfo, error) {
	query := `
		SELECT external_status_info_id, class_name, status_type,
		       worker_id, game_server_instance_id, as_of
		FROM external_status_info
		WHERE game_server_instance_id = $1
		ORDER BY as_of DESC, external_status_info_id DESC
		LIMIT 1
	`
	return db.scanStatus(db.Pool.QueryRow(ctx, query, instanceID))
}

func (db *DB) scanStatus(row pgx.Row) (*models.ExternalStatusInfo, error) {
	var info models.ExternalStatusInfo
	err := row.Scan(
		&info.ExternalStatusInfoID,
		&info.ClassName,
		&info.StatusType,
		&info.WorkerID,
		&info.GameServerInstanceID,
		&info.AsOf,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan status: %w", err)
	}
	return &info, nil
}

// StaleWorkerCandidates returns open workers whose last heartbeat falls
// inside (lookback, threshold) and whose latest status row is still active.
// The latest-status precondition is what keeps LOST from firing twice for
// one outage.
func (db *DB) StaleWorkerCandidates(ctx context.Context, lookback, threshold time.Time) ([]models.Worker, error) {
	query := `
		SELECT w.worker_id, w.created_at, w.ended_at, w.last_heartbeat
		FROM workers w
		WHERE w.ended_at IS NULL
		  AND w.last_heartbeat > $1
		  AND w.last_heartbeat < $2
		  AND (
			SELECT s.status_type
			FROM external_status_info s
			WHERE s.worker_id = w.worker_id
			ORDER BY s.as_of DESC, s.external_status_info_id DESC
			LIMIT 1
		  ) = ANY($3)
		ORDER BY w.worker_id
	`

	active := make([]string, len(models.ActiveStatuses))
	for i, s := range models.ActiveStatuses {
		active[i] = string(s)
	}

	rows, err := db.Pool.Query(ctx, query, lookback, threshold, active)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale worker candidates: %w", err)
	}
	defer rows.Close()

	var workers []models.Worker
	for rows.Next() {
		var w models.Worker
		if err := rows.Scan(&w.WorkerID, &w.CreatedAt, &w.EndedAt, &w.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}
