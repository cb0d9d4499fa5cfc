package catalog

import (
	"context"
	"fmt"
	"os"

	"github.com/mooncorn/gsfleet/internal/database"
	"github.com/mooncorn/gsfleet/internal/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Catalog represents the structure of the game catalog file
type Catalog struct {
	Servers []ServerEntry `yaml:"servers"`
}

// ServerEntry declares one game server and its launch configurations
type ServerEntry struct {
	Name       string        `yaml:"name"`
	ServerType string        `yaml:"server_type"`
	AppID      int64         `yaml:"app_id"`
	Configs    []ConfigEntry `yaml:"configs"`
}

// ConfigEntry declares one launch configuration
type ConfigEntry struct {
	Name       string   `yaml:"name"`
	IsDefault  bool     `yaml:"is_default"`
	IsVisible  *bool    `yaml:"is_visible"` // nil means visible
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args"`
	Env        []string `yaml:"env"`
}

// Load parses a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	if err := catalog.validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

func (c *Catalog) validate() error {
	for _, srv := range c.Servers {
		if srv.Name == "" {
			return fmt.Errorf("catalog server with empty name")
		}
		if models.ServerType(srv.ServerType) != models.ServerTypeSteam {
			return fmt.Errorf("server %s: unknown server_type %q", srv.Name, srv.ServerType)
		}
		if srv.AppID <= 0 {
			return fmt.Errorf("server %s: app_id must be positive", srv.Name)
		}
		defaults := 0
		for _, cfg := range srv.Configs {
			if cfg.Name == "" || cfg.Executable == "" {
				return fmt.Errorf("server %s: config needs name and executable", srv.Name)
			}
			if cfg.IsDefault {
				defaults++
			}
		}
		if defaults > 1 {
			return fmt.Errorf("server %s: more than one default config", srv.Name)
		}
	}
	return nil
}

// Seed upserts every catalog entry into the store. Runs at host startup so
// the catalog file is the source of truth for games and their configs.
func Seed(ctx context.Context, db *database.DB, catalog *Catalog, logger *zap.Logger) error {
	for _, srv := range catalog.Servers {
		game, err := db.UpsertGameServer(ctx, srv.Name, models.ServerType(srv.ServerType), srv.AppID)
		if err != nil {
			return fmt.Errorf("failed to seed game server %s: %w", srv.Name, err)
		}

		for _, cfg := range srv.Configs {
			visible := true
			if cfg.IsVisible != nil {
				visible = *cfg.IsVisible
			}

			_, err := db.UpsertGameServerConfig(ctx, &database.UpsertConfigParams{
				GameServerID: game.GameServerID,
				Name:         cfg.Name,
				IsDefault:    cfg.IsDefault,
				IsVisible:    visible,
				Executable:   cfg.Executable,
				Args:         cfg.Args,
				EnvVar:       cfg.Env,
			})
			if err != nil {
				return fmt.Errorf("failed to seed config %s/%s: %w", srv.Name, cfg.Name, err)
			}
		}

		logger.Info("seeded game server",
			zap.String("name", srv.Name),
			zap.Int64("game_server_id", game.GameServerID),
			zap.Int("configs", len(srv.Configs)))
	}
	return nil
}
