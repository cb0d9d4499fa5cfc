package api

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/mooncorn/gsfleet/internal/broadcast"
	"github.com/mooncorn/gsfleet/internal/database"
	"github.com/mooncorn/gsfleet/internal/messaging"
	"go.uber.org/zap"
)

// Commander publishes control messages onto the fabric.
type Commander interface {
	PublishTo(key messaging.RoutingKey, v any) error
}

// Server bundles the three HTTP surfaces: the Experience API for operators,
// the Worker DAL for agents, and the Status API for observers.
type Server struct {
	db        *database.DB
	hub       *broadcast.Hub
	commander Commander
	secret    []byte
	logger    *zap.Logger
}

// NewServer creates the handler set. secret is the shared service secret the
// Worker DAL validates bearer tokens against.
func NewServer(db *database.DB, hub *broadcast.Hub, commander Commander, secret []byte, logger *zap.Logger) *Server {
	return &Server{
		db:        db,
		hub:       hub,
		commander: commander,
		secret:    secret,
		logger:    logger,
	}
}

var configNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

func registerValidators() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("configname", func(fl validator.FieldLevel) bool {
			return configNameRe.MatchString(fl.Field().String())
		})
	}
}

// Router assembles the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	registerValidators()

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	s.registerExperienceRoutes(r)
	s.registerStatusRoutes(r)

	dal := r.Group("/dal")
	dal.Use(s.dalAuth())
	s.registerDALRoutes(dal)

	return r
}
