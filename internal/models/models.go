package models

import "time"

// Worker represents one worker process lifetime. At most one worker has a
// null EndedAt at any time; creating a new worker closes all others.
type Worker struct {
	WorkerID      int64      `json:"worker_id"`
	CreatedAt     time.Time  `json:"created_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// ServerType identifies the provenance of a game server's content.
type ServerType string

const (
	ServerTypeSteam ServerType = "STEAM"
)

// GameServer is a static catalog entry for an installable game server.
type GameServer struct {
	GameServerID int64      `json:"game_server_id"`
	Name         string     `json:"name"`
	ServerType   ServerType `json:"server_type"`
	AppID        int64      `json:"app_id"`
}

// GameServerConfig is a named launch configuration for a game server.
type GameServerConfig struct {
	GameServerConfigID int64    `json:"game_server_config_id"`
	GameServerID       int64    `json:"game_server_id"`
	Name               string   `json:"name"`
	IsDefault          bool     `json:"is_default"`
	IsVisible          bool     `json:"is_visible"`
	Executable         string   `json:"executable"`
	Args               []string `json:"args"`
	EnvVar             []string `json:"env_var"`
}

// GameServerInstance represents one server supervision lifetime.
type GameServerInstance struct {
	GameServerInstanceID int64      `json:"game_server_instance_id"`
	GameServerConfigID   int64      `json:"game_server_config_id"`
	WorkerID             int64      `json:"worker_id"`
	CreatedAt            time.Time  `json:"created_at"`
	EndedAt              *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat        *time.Time `json:"last_heartbeat,omitempty"`
}
