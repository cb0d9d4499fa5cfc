package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/mooncorn/gsfleet/internal/api"
	"github.com/mooncorn/gsfleet/internal/broadcast"
	"github.com/mooncorn/gsfleet/internal/catalog"
	"github.com/mooncorn/gsfleet/internal/config"
	"github.com/mooncorn/gsfleet/internal/database"
	"github.com/mooncorn/gsfleet/internal/messaging"
	"github.com/mooncorn/gsfleet/internal/statusprocessor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load .env file (ignore error in production)
	_ = godotenv.Load()

	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.TimeKey = "timestamp"
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := logConfig.Build()
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("host starting")

	cfg, err := config.LoadHost()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(ctx, cfg.MigrationsDir); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	gameCatalog, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		logger.Fatal("failed to load catalog", zap.Error(err))
	}
	if err := catalog.Seed(ctx, db, gameCatalog, logger); err != nil {
		logger.Fatal("failed to seed catalog", zap.Error(err))
	}

	conn, err := messaging.Connect(cfg.Broker, logger)
	if err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer conn.Close()

	hub := broadcast.NewHub(logger)

	// One channel publishes every host-originated message: operator commands
	// and synthetic statuses alike.
	commander, err := messaging.NewPublisher(conn, logger,
		messaging.Binding{Exchange: messaging.InternalExchange})
	if err != nil {
		logger.Fatal("failed to create command publisher", zap.Error(err))
	}
	defer commander.Close()

	statusSub, err := messaging.NewSubscriber(conn,
		messaging.QueueConfig{Name: "dev-queue-status-processor", Durable: true},
		logger,
		messaging.Binding{
			Exchange: messaging.InternalExchange,
			Keys:     []messaging.RoutingKey{messaging.AllStatusKey()},
		})
	if err != nil {
		logger.Fatal("failed to create status subscriber", zap.Error(err))
	}

	processor := statusprocessor.New(
		statusprocessor.Config{
			CheckInterval: cfg.StatusCheckInterval,
			StaleAfter:    cfg.StatusStaleAfter,
		},
		db,
		statusSub,
		func(key messaging.RoutingKey) (statusprocessor.Publisher, error) {
			return messaging.NewPublisher(conn, logger, messaging.Binding{
				Exchange: messaging.InternalExchange,
				Keys:     []messaging.RoutingKey{key},
			})
		},
		hub,
		logger,
	)

	server := api.NewServer(db, hub, commander, []byte(cfg.ServiceSecret), logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := processor.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("host exited with error", zap.Error(err))
	}

	logger.Info("host shut down")
}
