package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mooncorn/gsfleet/internal/broadcast"
	"github.com/mooncorn/gsfleet/internal/database"
	"github.com/mooncorn/gsfleet/internal/models"
	"go.uber.org/zap"
)

func (s *Server) registerStatusRoutes(r *gin.Engine) {
	r.GET("/status/worker/:id", s.LatestWorkerStatus)
	r.GET("/status/instance/:id", s.LatestInstanceStatus)
	r.GET("/status/stream", s.StreamStatus)
}

// LatestWorkerStatus returns the most recent status for a worker, 404 if the
// worker has never reported
func (s *Server) LatestWorkerStatus(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	info, err := s.db.LatestWorkerStatus(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no status for worker"})
			return
		}
		s.logger.Error("failed to get worker status", zap.Int64("worker_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// LatestInstanceStatus returns the most recent status for an instance, 404 if
// the instance has never reported
func (s *Server) LatestInstanceStatus(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	info, err := s.db.LatestInstanceStatus(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no status for instance"})
			return
		}
		s.logger.Error("failed to get instance status", zap.Int64("instance_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// StreamStatus streams status events via SSE. Without query parameters the
// stream carries every event; entity_type plus identifier narrow it to one
// subject.
func (s *Server) StreamStatus(c *gin.Context) {
	subject := broadcast.SubjectAll
	entityType := c.Query("entity_type")
	identifier := c.Query("identifier")
	if entityType != "" || identifier != "" {
		switch models.EntityType(entityType) {
		case models.EntityWorker, models.EntityGameServerInstance:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entity_type"})
			return
		}
		if identifier == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "identifier required"})
			return
		}
		subject = fmt.Sprintf("%s.%s", entityType, identifier)
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering

	// Create context that cancels when client disconnects
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	eventCh := s.hub.Subscribe(subject)
	defer s.hub.Unsubscribe(subject, eventCh)

	c.SSEvent("connected", gin.H{
		"subject":   subject,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	c.Writer.Flush()

	heartbeatTicker := time.NewTicker(30 * time.Second)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-eventCh:
			if !ok {
				return
			}
			c.SSEvent("status", gin.H{
				"entity_type": event.EntityType,
				"identifier":  event.Identifier,
				"status_type": event.StatusType,
				"class_name":  event.ClassName,
				"as_of":       event.AsOf.Format(time.RFC3339),
			})
			c.Writer.Flush()

		case <-heartbeatTicker.C:
			c.SSEvent("heartbeat", gin.H{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		}
	}
}
