package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mooncorn/gsfleet/internal/models"
)

// GetGameServer retrieves a catalog entry by id.
func (db *DB) GetGameServer(ctx context.Context, gameServerID int64) (*models.GameServer, error) {
	query := `
		SELECT game_server_id, name, server_type, app_id
		FROM game_servers
		WHERE game_server_id = $1
	`

	var gs models.GameServer
	err := db.Pool.QueryRow(ctx, query, gameServerID).Scan(&gs.GameServerID, &gs.Name, &gs.ServerType, &gs.AppID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game server: %w", err)
	}
	return &gs, nil
}

// UpsertGameServer inserts or refreshes a catalog entry, unique on
// (name, server_type).
func (db *DB) UpsertGameServer(ctx context.Context, name string, serverType models.ServerType, appID int64) (*models.GameServer, error) {
	query := `
		INSERT INTO game_servers (name, server_type, app_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (name, server_type) DO UPDATE SET app_id = EXCLUDED.app_id
		RETURNING game_server_id, name, server_type, app_id
	`

	var gs models.GameServer
	err := db.Pool.QueryRow(ctx, query, name, serverType, appID).Scan(&gs.GameServerID, &gs.Name, &gs.ServerType, &gs.AppID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert game server: %w", err)
	}
	return &gs, nil
}

// GetGameServerConfig retrieves a launch configuration by id.
func (db *DB) GetGameServerConfig(ctx context.Context, configID int64) (*models.GameServerConfig, error) {
	query := `
		SELECT game_server_config_id, game_server_id, name, is_default, is_visible,
		       executable, args, env_var
		FROM game_server_configs
		WHERE game_server_config_id = $1
	`

	var cfg models.GameServerConfig
	err := db.Pool.QueryRow(ctx, query, configID).Scan(
		&cfg.GameServerConfigID,
		&cfg.GameServerID,
		&cfg.Name,
		&cfg.IsDefault,
		&cfg.IsVisible,
		&cfg.Executable,
		&cfg.Args,
		&cfg.EnvVar,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game server config: %w", err)
	}
	return &cfg, nil
}

// ListVisibleConfigs returns all configurations operators may launch.
func (db *DB) ListVisibleConfigs(ctx context.Context) ([]models.GameServerConfig, error) {
	query := `
		SELECT game_server_config_id, game_server_id, name, is_default, is_visible,
		       executable, args, env_var
		FROM game_server_configs
		WHERE is_visible
		ORDER BY game_server_id, name
	`

	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list visible configs: %w", err)
	}
	defer rows.Close()

	var configs []models.GameServerConfig
	for rows.Next() {
		var cfg models.GameServerConfig
		err := rows.Scan(
			&cfg.GameServerConfigID,
			&cfg.GameServerID,
			&cfg.Name,
			&cfg.IsDefault,
			&cfg.IsVisible,
			&cfg.Executable,
			&cfg.Args,
			&cfg.EnvVar,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// UpsertConfigParams describes one catalog launch configuration.
type UpsertConfigParams struct {
	GameServerID int64
	Name         string
	IsDefault    bool
	IsVisible    bool
	Executable   string
	Args         []string
	EnvVar       []string
}

// UpsertGameServerConfig inserts or refreshes a launch configuration, unique
// on (game_server_id, name). At most one default per game server is enforced
// by a partial unique index.
func (db *DB) UpsertGameServerConfig(ctx context.Context, params *UpsertConfigParams) (*models.GameServerConfig, error) {
	query := `
		INSERT INTO game_server_configs
			(game_server_id, name, is_default, is_visible, executable, args, env_var)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (game_server_id, name) DO UPDATE SET
			is_default = EXCLUDED.is_default,
			is_visible = EXCLUDED.is_visible,
			executable = EXCLUDED.executable,
			args = EXCLUDED.args,
			env_var = EXCLUDED.env_var
		RETURNING game_server_config_id, game_server_id, name, is_default, is_visible,
		          executable, args, env_var
	`

	var cfg models.GameServerConfig
	err := db.Pool.QueryRow(ctx, query,
		params.GameServerID,
		params.Name,
		params.IsDefault,
		params.IsVisible,
		params.Executable,
		params.Args,
		params.EnvVar,
	).Scan(
		&cfg.GameServerConfigID,
		&cfg.GameServerID,
		&cfg.Name,
		&cfg.IsDefault,
		&cfg.IsVisible,
		&cfg.Executable,
		&cfg.Args,
		&cfg.EnvVar,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert game server config: %w", err)
	}
	return &cfg, nil
}
