package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mooncorn/gsfleet/internal/broadcast"
	"github.com/mooncorn/gsfleet/internal/database"
	"github.com/mooncorn/gsfleet/internal/models"
	"go.uber.org/zap"
)

func (s *Server) registerDALRoutes(g *gin.RouterGroup) {
	g.POST("/worker/create", s.DALCreateWorker)
	g.PUT("/worker/shutdown", s.DALShutdownWorker)
	g.PUT("/worker/shutdown/other", s.DALCloseOtherWorkers)
	g.POST("/worker/heartbeat", s.DALWorkerHeartbeat)

	g.GET("/server/:id", s.DALGetGameServer)
	g.GET("/server/config/:id", s.DALGetConfig)
	g.POST("/server/instance/create", s.DALCreateInstance)
	g.PUT("/server/instance/shutdown", s.DALShutdownInstance)
	g.POST("/server/instance/heartbeat/:id", s.DALInstanceHeartbeat)
	g.GET("/server/instance/:id", s.DALGetInstance)
}

// dalAuth validates the worker agent's bearer token against the shared
// service secret.
func (s *Server) dalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Next()
	}
}

// workerRef addresses a worker in request bodies.
type workerRef struct {
	WorkerID int64 `json:"worker_id" binding:"required"`
}

// DALCreateWorker registers a new worker process lifetime
func (s *Server) DALCreateWorker(c *gin.Context) {
	worker, err := s.db.CreateWorker(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to create worker", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create worker"})
		return
	}
	c.JSON(http.StatusOK, worker)
}

// DALShutdownWorker closes a worker record, 409 when already closed
func (s *Server) DALShutdownWorker(c *gin.Context) {
	var req workerRef
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	worker, err := s.db.ShutdownWorker(c.Request.Context(), req.WorkerID)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrWorkerClosed):
			c.JSON(http.StatusConflict, gin.H{"error": "worker already closed"})
		case errors.Is(err, database.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
		default:
			s.logger.Error("failed to shutdown worker", zap.Int64("worker_id", req.WorkerID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		}
		return
	}
	c.JSON(http.StatusOK, worker)
}

// DALCloseOtherWorkers closes every open worker except the given one and
// records a synthetic COMPLETE for each
func (s *Server) DALCloseOtherWorkers(c *gin.Context) {
	var req workerRef
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	closed, err := s.db.CloseOtherWorkers(c.Request.Context(), req.WorkerID)
	if err != nil {
		s.logger.Error("failed to close other workers", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}

	// A superseded worker never gets to publish its own terminal status, so
	// record COMPLETE on its behalf.
	now := time.Now().UTC()
	for _, id := range closed {
		workerID := id
		if _, err := s.db.InsertStatus(c.Request.Context(), &models.ExternalStatusInfo{
			ClassName:  "WorkerDAL",
			StatusType: models.StatusComplete,
			WorkerID:   &workerID,
			AsOf:       now,
		}); err != nil {
			s.logger.Error("failed to record complete status for closed worker",
				zap.Int64("worker_id", id), zap.Error(err))
			continue
		}

		s.hub.Publish(broadcast.StatusEvent{
			EntityType: models.EntityWorker,
			Identifier: strconv.FormatInt(id, 10),
			StatusType: models.StatusComplete,
			ClassName:  "WorkerDAL",
			AsOf:       now,
		})
	}

	if closed == nil {
		closed = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"closed_worker_ids": closed})
}

// DALWorkerHeartbeat records a worker heartbeat, 410 when closed
func (s *Server) DALWorkerHeartbeat(c *gin.Context) {
	var req workerRef
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.db.WorkerHeartbeat(c.Request.Context(), req.WorkerID); err != nil {
		switch {
		case errors.Is(err, database.ErrWorkerClosed):
			c.JSON(http.StatusGone, gin.H{"error": "worker closed"})
		case errors.Is(err, database.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
		default:
			s.logger.Error("failed to record worker heartbeat", zap.Int64("worker_id", req.WorkerID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateInstanceRequest registers a server supervision lifetime
type CreateInstanceRequest struct {
	GameServerConfigID int64 `json:"game_server_config_id" binding:"required"`
	WorkerID           int64 `json:"worker_id" binding:"required"`
}

// DALCreateInstance registers a new instance record
func (s *Server) DALCreateInstance(c *gin.Context) {
	var req CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inst, err := s.db.CreateInstance(c.Request.Context(), req.GameServerConfigID, req.WorkerID)
	if err != nil {
		s.logger.Error("failed to create instance", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create instance"})
		return
	}
	c.JSON(http.StatusOK, inst)
}

// DALShutdownInstance closes an instance record, 409 when already closed
func (s *Server) DALShutdownInstance(c *gin.Context) {
	var req struct {
		GameServerInstanceID int64 `json:"game_server_instance_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inst, err := s.db.ShutdownInstance(c.Request.Context(), req.GameServerInstanceID)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrInstanceClosed):
			c.JSON(http.StatusConflict, gin.H{"error": "instance already closed"})
		case errors.Is(err, database.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		default:
			s.logger.Error("failed to shutdown instance",
				zap.Int64("instance_id", req.GameServerInstanceID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		}
		return
	}
	c.JSON(http.StatusOK, inst)
}

// DALInstanceHeartbeat records an instance heartbeat, 410 when closed
func (s *Server) DALInstanceHeartbeat(c *gin.Context) {
	instanceID, ok := idParam(c)
	if !ok {
		return
	}

	if err := s.db.InstanceHeartbeat(c.Request.Context(), instanceID); err != nil {
		switch {
		case errors.Is(err, database.ErrInstanceClosed):
			c.JSON(http.StatusGone, gin.H{"error": "instance closed"})
		case errors.Is(err, database.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		default:
			s.logger.Error("failed to record instance heartbeat", zap.Int64("instance_id", instanceID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// DALGetGameServer returns a catalog entry
func (s *Server) DALGetGameServer(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	gs, err := s.db.GetGameServer(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "game server not found"})
			return
		}
		s.logger.Error("failed to get game server", zap.Int64("game_server_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	c.JSON(http.StatusOK, gs)
}

// DALGetConfig returns a launch configuration
func (s *Server) DALGetConfig(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	cfg, err := s.db.GetGameServerConfig(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "config not found"})
			return
		}
		s.logger.Error("failed to get config", zap.Int64("config_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// DALGetInstance returns an instance record
func (s *Server) DALGetInstance(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	inst, err := s.db.GetInstance(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
			return
		}
		s.logger.Error("failed to get instance", zap.Int64("instance_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	c.JSON(http.StatusOK, inst)
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}
