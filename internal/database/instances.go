package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mooncorn/gsfleet/internal/models"
)

// CreateInstance inserts a new instance row for one server supervision
// lifetime.
func (db *DB) CreateInstance(ctx context.Context, configID, workerID int64) (*models.GameServerInstance, error) {
	query := `
		INSERT INTO game_server_instances (game_server_config_id, worker_id)
		VALUES ($1, $2)
		RETURNING game_server_instance_id, game_server_config_id, worker_id,
		          created_at, ended_at, last_heartbeat
	`

	var inst models.GameServerInstance
	err := db.Pool.QueryRow(ctx, query, configID, workerID).Scan(
		&inst.GameServerInstanceID,
		&inst.GameServerConfigID,
		&inst.WorkerID,
		&inst.CreatedAt,
		&inst.EndedAt,
		&inst.LastHeartbeat,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	return &inst, nil
}

// GetInstance retrieves an instance by id.
func (db *DB) GetInstance(ctx context.Context, instanceID int64) (*models.GameServerInstance, error) {
	query := `
		SELECT game_server_instance_id, game_server_config_id, worker_id,
		       created_at, ended_at, last_heartbeat
		FROM game_server_instances
		WHERE game_server_instance_id = $1
	`

	var inst models.GameServerInstance
	err := db.Pool.QueryRow(ctx, query, instanceID).Scan(
		&inst.GameServerInstanceID,
		&inst.GameServerConfigID,
		&inst.WorkerID,
		&inst.CreatedAt,
		&inst.EndedAt,
		&inst.LastHeartbeat,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return &inst, nil
}

// ShutdownInstance marks an instance ended. ended_at is set exactly once;
// a repeat shutdown returns ErrInstanceClosed.
func (db *DB) ShutdownInstance(ctx context.Context, instanceID int64) (*models.GameServerInstance, error) {
	query := `
		UPDATE game_server_instances
		SET ended_at = NOW()
		WHERE game_server_instance_id = $1 AND ended_at IS NULL
		RETURNING game_server_instance_id, game_server_config_id, worker_id,
		          created_at, ended_at, last_heartbeat
	`

	var inst models.GameServerInstance
	err := db.Pool.QueryRow(ctx, query, instanceID).Scan(
		&inst.GameServerInstanceID,
		&inst.GameServerConfigID,
		&inst.WorkerID,
		&inst.CreatedAt,
		&inst.EndedAt,
		&inst.LastHeartbeat,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := db.GetInstance(ctx, instanceID); getErr == nil {
			return nil, ErrInstanceClosed
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to shutdown instance: %w", err)
	}
	return &inst, nil
}

// InstanceHeartbeat updates last_heartbeat for an open instance.
func (db *DB) InstanceHeartbeat(ctx context.Context, instanceID int64) error {
	query := `
		UPDATE game_server_instances
		SET last_heartbeat = NOW()
		WHERE game_server_instance_id = $1 AND ended_at IS NULL
	`

	tag, err := db.Pool.Exec(ctx, query, instanceID)
	if err != nil {
		return fmt.Errorf("failed to update instance heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := db.GetInstance(ctx, instanceID); getErr == nil {
			return ErrInstanceClosed
		}
		return ErrNotFound
	}
	return nil
}

// ActiveInstancesByWorker returns the open instances supervised by a worker.
func (db *DB) ActiveInstancesByWorker(ctx context.Context, workerID int64) ([]models.GameServerInstance, error) {
	query := `
		SELECT game_server_instance_id, game_server_config_id, worker_id,
		       created_at, ended_at, last_heartbeat
		FROM game_server_instances
		WHERE worker_id = $1 AND ended_at IS NULL
		ORDER BY created_at
	`

	rows, err := db.Pool.Query(ctx, query, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active instances: %w", err)
	}
	defer rows.Close()

	var instances []models.GameServerInstance
	for rows.Next() {
		var inst models.GameServerInstance
		err := rows.Scan(
			&inst.GameServerInstanceID,
			&inst.GameServerConfigID,
			&inst.WorkerID,
			&inst.CreatedAt,
			&inst.EndedAt,
			&inst.LastHeartbeat,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}
