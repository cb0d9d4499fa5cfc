package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mooncorn/gsfleet/internal/database"
	"github.com/mooncorn/gsfleet/internal/messaging"
	"github.com/mooncorn/gsfleet/internal/models"
	"go.uber.org/zap"
)

func (s *Server) registerExperienceRoutes(r *gin.Engine) {
	r.GET("/gameserver", s.ListConfigs)
	r.POST("/gameserver/config", s.CreateConfig)
	r.POST("/gameserver/:id/start", s.StartGameServer)
	r.POST("/gameserver/:id/stop", s.StopGameServer)
	r.POST("/gameserver/:id/stdin", s.SendStdin)
	r.GET("/gameserver/instances/active", s.ListActiveInstances)
	r.GET("/worker/current", s.GetCurrentWorker)
	r.POST("/worker/shutdown", s.ShutdownCurrentWorker)
}

// ConfigListResponse is the response for listing launch configurations
type ConfigListResponse struct {
	Configs []models.GameServerConfig `json:"configs"`
	Total   int                       `json:"total"`
}

// ListConfigs returns every visible launch configuration
func (s *Server) ListConfigs(c *gin.Context) {
	configs, err := s.db.ListVisibleConfigs(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list configs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list configs"})
		return
	}

	if configs == nil {
		configs = []models.GameServerConfig{}
	}

	c.JSON(http.StatusOK, ConfigListResponse{Configs: configs, Total: len(configs)})
}

// CreateConfigRequest declares a new launch configuration
type CreateConfigRequest struct {
	GameServerID int64    `json:"game_server_id" binding:"required"`
	Name         string   `json:"name" binding:"required,configname"`
	IsDefault    bool     `json:"is_default"`
	IsVisible    *bool    `json:"is_visible"`
	Executable   string   `json:"executable" binding:"required"`
	Args         []string `json:"args"`
	EnvVar       []string `json:"env_var"`
}

// CreateConfig creates or updates a launch configuration
func (s *Server) CreateConfig(c *gin.Context) {
	var req CreateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := s.db.GetGameServer(c.Request.Context(), req.GameServerID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "game server not found"})
			return
		}
		s.logger.Error("failed to get game server", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}

	visible := true
	if req.IsVisible != nil {
		visible = *req.IsVisible
	}

	cfg, err := s.db.UpsertGameServerConfig(c.Request.Context(), &database.UpsertConfigParams{
		GameServerID: req.GameServerID,
		Name:         req.Name,
		IsDefault:    req.IsDefault,
		IsVisible:    visible,
		Executable:   req.Executable,
		Args:         req.Args,
		EnvVar:       req.EnvVar,
	})
	if err != nil {
		s.logger.Error("failed to upsert config", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	c.JSON(http.StatusOK, cfg)
}

// StartGameServer routes a START command for a config to the current worker
func (s *Server) StartGameServer(c *gin.Context) {
	configID, ok := s.configIDParam(c)
	if !ok {
		return
	}
	s.sendToCurrentWorker(c, models.NewStartCommand(configID))
}

// StopGameServer routes a STOP command for a config to the current worker
func (s *Server) StopGameServer(c *gin.Context) {
	configID, ok := s.configIDParam(c)
	if !ok {
		return
	}
	s.sendToCurrentWorker(c, models.NewStopCommand(configID))
}

// StdinRequest carries command lines for a running server's stdin
type StdinRequest struct {
	Commands []string `json:"commands" binding:"required,min=1,dive,max=4096"`
}

// SendStdin routes a STDIN command for a config to the current worker
func (s *Server) SendStdin(c *gin.Context) {
	configID, ok := s.configIDParam(c)
	if !ok {
		return
	}

	var req StdinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.sendToCurrentWorker(c, models.NewStdinCommand(configID, req.Commands))
}

// ShutdownCurrentWorker routes a worker-level STOP to the current worker
func (s *Server) ShutdownCurrentWorker(c *gin.Context) {
	s.sendToCurrentWorker(c, models.NewStopCommand())
}

// GetCurrentWorker returns the open worker, 404 when none is registered
func (s *Server) GetCurrentWorker(c *gin.Context) {
	worker, err := s.db.CurrentWorker(c.Request.Context())
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active worker"})
			return
		}
		s.logger.Error("failed to get current worker", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	c.JSON(http.StatusOK, worker)
}

// InstanceListResponse is the response for listing active instances
type InstanceListResponse struct {
	Instances []models.GameServerInstance `json:"instances"`
	Total     int                         `json:"total"`
}

// ListActiveInstances returns the open instances on the current worker
func (s *Server) ListActiveInstances(c *gin.Context) {
	worker, err := s.db.CurrentWorker(c.Request.Context())
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusOK, InstanceListResponse{Instances: []models.GameServerInstance{}})
			return
		}
		s.logger.Error("failed to get current worker", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}

	instances, err := s.db.ActiveInstancesByWorker(c.Request.Context(), worker.WorkerID)
	if err != nil {
		s.logger.Error("failed to list instances", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list instances"})
		return
	}

	if instances == nil {
		instances = []models.GameServerInstance{}
	}

	c.JSON(http.StatusOK, InstanceListResponse{Instances: instances, Total: len(instances)})
}

// configIDParam parses the :id path parameter and verifies the config exists.
func (s *Server) configIDParam(c *gin.Context) (int64, bool) {
	configID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid config id"})
		return 0, false
	}

	if _, err := s.db.GetGameServerConfig(c.Request.Context(), configID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "config not found"})
			return 0, false
		}
		s.logger.Error("failed to get config", zap.Int64("config_id", configID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return 0, false
	}

	return configID, true
}

// sendToCurrentWorker publishes a command on the current worker's command
// topic. 409 when no worker is registered.
func (s *Server) sendToCurrentWorker(c *gin.Context, cmd models.Command) {
	worker, err := s.db.CurrentWorker(c.Request.Context())
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusConflict, gin.H{"error": "no active worker"})
			return
		}
		s.logger.Error("failed to get current worker", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}

	if err := s.commander.PublishTo(messaging.WorkerCommandKey(worker.WorkerID), cmd); err != nil {
		s.logger.Error("failed to publish command",
			zap.String("command_type", string(cmd.CommandType)),
			zap.Int64("worker_id", worker.WorkerID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to publish command"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":    "accepted",
		"worker_id": worker.WorkerID,
	})
}
