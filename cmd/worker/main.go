package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mooncorn/gsfleet/internal/config"
	"github.com/mooncorn/gsfleet/internal/dal"
	"github.com/mooncorn/gsfleet/internal/installer"
	"github.com/mooncorn/gsfleet/internal/messaging"
	"github.com/mooncorn/gsfleet/internal/models"
	"github.com/mooncorn/gsfleet/internal/process"
	"github.com/mooncorn/gsfleet/internal/server"
	"github.com/mooncorn/gsfleet/internal/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
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

	logger.Info("worker agent starting")

	cfg, err := config.LoadWorker()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := messaging.Connect(cfg.Broker, logger)
	if err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer conn.Close()

	dalClient := dal.NewClient(cfg.DALBaseURL, []byte(cfg.ServiceSecret), logger)
	steam := installer.NewSteamCmd(cfg.SteamCmd, installer.Anonymous{}, logger)

	newPublisher := func(key messaging.RoutingKey) (*messaging.Publisher, error) {
		return messaging.NewPublisher(conn, logger, messaging.Binding{
			Exchange: messaging.InternalExchange,
			Keys:     []messaging.RoutingKey{key},
		})
	}
	newSubscriber := func(queue messaging.QueueConfig, key messaging.RoutingKey) (*messaging.Subscriber, error) {
		return messaging.NewSubscriber(conn, queue, logger, messaging.Binding{
			Exchange: messaging.InternalExchange,
			Keys:     []messaging.RoutingKey{key},
		})
	}

	serverDeps := server.Deps{
		DAL:        dalClient,
		Installer:  steam,
		NewProcess: func() process.ExternalProcess { return process.NewReal() },
		NewPublisher: func(key messaging.RoutingKey) (server.Publisher, error) {
			return newPublisher(key)
		},
		NewSubscriber: func(queue messaging.QueueConfig, key messaging.RoutingKey) (server.Subscriber, error) {
			return newSubscriber(queue, key)
		},
		InstallRoot:       cfg.InstallRoot,
		StdinDelay:        cfg.StdinDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger,
	}

	w, err := worker.New(ctx, worker.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ShouldUpdate:      cfg.ShouldUpdate,
	}, worker.Deps{
		DAL: dalClient,
		NewPublisher: func(key messaging.RoutingKey) (worker.Publisher, error) {
			return newPublisher(key)
		},
		NewSubscriber: func(queue messaging.QueueConfig, key messaging.RoutingKey) (worker.Subscriber, error) {
			return newSubscriber(queue, key)
		},
		NewServer: func(ctx context.Context, gsc *models.GameServerConfig, workerID int64) (worker.Server, error) {
			return server.New(ctx, gsc, workerID, serverDeps)
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create worker", zap.Error(err))
	}

	logger.Info("worker registered", zap.Int64("worker_id", w.WorkerID()))

	if err := w.Run(ctx); err != nil {
		logger.Fatal("worker exited with error", zap.Error(err))
	}

	logger.Info("worker agent exiting")
}
