package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mooncorn/gsfleet/internal/messaging"
	"github.com/mooncorn/gsfleet/internal/models"
	"go.uber.org/zap"
)

// DAL is the slice of the worker DAL the service loop needs.
type DAL interface {
	CreateWorker(ctx context.Context) (*models.Worker, error)
	CloseOtherWorkers(ctx context.Context, workerID int64) ([]int64, error)
	WorkerHeartbeat(ctx context.Context, workerID int64) error
	ShutdownWorker(ctx context.Context, workerID int64) error
	GetGameServerConfig(ctx context.Context, configID int64) (*models.GameServerConfig, error)
}

// Publisher emits this worker's status messages.
type Publisher interface {
	Publish(v any) error
	Close() error
}

// Subscriber delivers commands addressed to this worker.
type Subscriber interface {
	Consume() [][]byte
	Shutdown()
}

// Server is one supervised game-server instance.
type Server interface {
	Run(ctx context.Context, shouldUpdate bool) error
	Stop()
	Forward(cmd models.Command)
	IsShutdown() bool
	InstanceID() int64
	ConfigID() int64
	GameServerID() int64
}

// Config tunes the service loop.
type Config struct {
	HeartbeatInterval time.Duration // default 2s
	CascadeTimeout    time.Duration // default 30s per server
	ShouldUpdate      bool          // install content before launching servers
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.CascadeTimeout == 0 {
		c.CascadeTimeout = 30 * time.Second
	}
	return c
}

// Deps carries the worker's collaborators.
type Deps struct {
	DAL           DAL
	NewPublisher  func(key messaging.RoutingKey) (Publisher, error)
	NewSubscriber func(queue messaging.QueueConfig, key messaging.RoutingKey) (Subscriber, error)
	// NewServer constructs a supervisor for a launch configuration.
	NewServer func(ctx context.Context, cfg *models.GameServerConfig, workerID int64) (Server, error)
	Logger    *zap.Logger
}

// Worker supervises the dynamic set of server supervisors on one host. There
// is exactly one active worker fleet-wide; construction closes all others.
type Worker struct {
	record *models.Worker
	cfg    Config
	deps   Deps
	logger *zap.Logger

	publisher  Publisher
	subscriber Subscriber

	mu      sync.Mutex
	servers []Server

	stopped atomic.Bool
}

// New registers the worker, closes every other open worker, wires messaging,
// and publishes CREATED.
func New(ctx context.Context, cfg Config, deps Deps) (*Worker, error) {
	cfg = cfg.withDefaults()

	record, err := deps.DAL.CreateWorker(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker record: %w", err)
	}

	closed, err := deps.DAL.CloseOtherWorkers(ctx, record.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("failed to close other workers: %w", err)
	}

	logger := deps.Logger.With(zap.Int64("worker_id", record.WorkerID))
	if len(closed) > 0 {
		logger.Info("closed stale workers", zap.Int64s("worker_ids", closed))
	}

	publisher, err := deps.NewPublisher(messaging.WorkerStatusKey(record.WorkerID))
	if err != nil {
		return nil, fmt.Errorf("failed to create status publisher: %w", err)
	}

	subscriber, err := deps.NewSubscriber(
		messaging.CommandQueueConfig(messaging.EntityWorker, record.WorkerID),
		messaging.WorkerCommandKey(record.WorkerID),
	)
	if err != nil {
		publisher.Close()
		return nil, fmt.Errorf("failed to create command subscriber: %w", err)
	}

	w := &Worker{
		record:     record,
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		publisher:  publisher,
		subscriber: subscriber,
	}

	w.publishStatus(models.StatusCreated)
	return w, nil
}

// WorkerID returns the persisted worker id.
func (w *Worker) WorkerID() int64 { return w.record.WorkerID }

// Stop requests graceful shutdown; the run loop cascades and returns.
func (w *Worker) Stop() { w.stopped.Store(true) }

// Run drives the service loop until a STOP command, Stop call, or context
// cancellation, then cascades shutdown through every supervised server.
func (w *Worker) Run(ctx context.Context) error {
	w.publishStatus(models.StatusRunning)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	lastHeartbeat := time.Now()
	lastLiveness := time.Now()

	for !w.stopped.Load() {
		select {
		case <-ctx.Done():
			w.stopped.Store(true)
		case <-ticker.C:
		}

		if time.Since(lastHeartbeat) >= w.cfg.HeartbeatInterval {
			lastHeartbeat = time.Now()
			if err := w.deps.DAL.WorkerHeartbeat(ctx, w.WorkerID()); err != nil {
				w.logger.Warn("worker heartbeat failed", zap.Error(err))
			}
		}

		if time.Since(lastLiveness) >= 30*time.Second {
			lastLiveness = time.Now()
			w.logger.Info("worker alive", zap.Int("servers", w.serverCount()))
		}

		w.pruneServers()

		for _, raw := range w.subscriber.Consume() {
			var cmd models.Command
			if err := json.Unmarshal(raw, &cmd); err != nil {
				w.logger.Warn("discarding malformed command", zap.Error(err))
				continue
			}
			w.dispatch(ctx, cmd)
		}
	}

	w.cascadeShutdown(ctx)
	return nil
}

func (w *Worker) dispatch(ctx context.Context, cmd models.Command) {
	switch cmd.CommandType {
	case models.CommandStart:
		w.handleStart(ctx, cmd)
	case models.CommandStop:
		if len(cmd.CommandArgs) == 0 {
			w.logger.Info("received worker stop command")
			w.stopped.Store(true)
			return
		}
		w.forward(cmd)
	case models.CommandStdin:
		w.forward(cmd)
	default:
		w.logger.Warn("ignoring unknown command", zap.String("command_type", string(cmd.CommandType)))
	}
}

func (w *Worker) handleStart(ctx context.Context, cmd models.Command) {
	configID, err := cmd.ConfigID()
	if err != nil {
		w.logger.Warn("invalid start command", zap.Error(err))
		return
	}

	cfg, err := w.deps.DAL.GetGameServerConfig(ctx, configID)
	if err != nil {
		w.logger.Error("failed to fetch config", zap.Int64("config_id", configID), zap.Error(err))
		return
	}

	// Duplicate check is per game server, not per config: two configs of
	// the same game must not run side by side.
	if existing := w.findByGameServer(cfg.GameServerID); existing != nil {
		w.logger.Warn("server for game already running, ignoring start",
			zap.Int64("game_server_id", cfg.GameServerID),
			zap.Int64("running_instance_id", existing.InstanceID()))
		return
	}

	srv, err := w.deps.NewServer(ctx, cfg, w.WorkerID())
	if err != nil {
		w.logger.Error("failed to create server supervisor",
			zap.Int64("config_id", configID),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	w.servers = append(w.servers, srv)
	w.mu.Unlock()

	w.logger.Info("starting server",
		zap.Int64("config_id", configID),
		zap.Int64("instance_id", srv.InstanceID()))

	go func() {
		if err := srv.Run(ctx, w.cfg.ShouldUpdate); err != nil {
			w.logger.Error("server supervisor exited with error",
				zap.Int64("instance_id", srv.InstanceID()),
				zap.Error(err))
		}
	}()
}

// forward routes a config-addressed command to the matching server.
func (w *Worker) forward(cmd models.Command) {
	configID, err := cmd.ConfigID()
	if err != nil {
		w.logger.Warn("invalid command", zap.Error(err))
		return
	}

	srv := w.findByConfig(configID)
	if srv == nil {
		w.logger.Warn("no running server for config, dropping command",
			zap.Int64("config_id", configID),
			zap.String("command_type", string(cmd.CommandType)))
		return
	}
	srv.Forward(cmd)
}

func (w *Worker) findByConfig(configID int64) Server {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, srv := range w.servers {
		if !srv.IsShutdown() && srv.ConfigID() == configID {
			return srv
		}
	}
	return nil
}

func (w *Worker) findByGameServer(gameServerID int64) Server {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, srv := range w.servers {
		if !srv.IsShutdown() && srv.GameServerID() == gameServerID {
			return srv
		}
	}
	return nil
}

func (w *Worker) serverCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.servers)
}

// pruneServers drops supervisors that have fully shut down.
func (w *Worker) pruneServers() {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.servers[:0]
	for _, srv := range w.servers {
		if srv.IsShutdown() {
			w.logger.Info("pruning finished server", zap.Int64("instance_id", srv.InstanceID()))
			continue
		}
		kept = append(kept, srv)
	}
	w.servers = kept
}

// cascadeShutdown stops every extant server, waits out each with a bounded
// timeout, closes the worker record, and publishes COMPLETE last.
func (w *Worker) cascadeShutdown(ctx context.Context) {
	w.mu.Lock()
	servers := append([]Server{}, w.servers...)
	w.mu.Unlock()

	w.logger.Info("cascading shutdown", zap.Int("servers", len(servers)))

	for _, srv := range servers {
		if !srv.IsShutdown() {
			srv.Stop()
		}
	}

	for _, srv := range servers {
		if w.waitForServer(srv) {
			w.logger.Info("server shut down", zap.Int64("instance_id", srv.InstanceID()))
		} else {
			w.logger.Warn("timed out waiting for server shutdown",
				zap.Int64("instance_id", srv.InstanceID()),
				zap.Duration("timeout", w.cfg.CascadeTimeout))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.deps.DAL.ShutdownWorker(shutdownCtx, w.WorkerID()); err != nil {
		w.logger.Warn("failed to close worker record", zap.Error(err))
	}

	w.publishStatus(models.StatusComplete)

	w.subscriber.Shutdown()
	if err := w.publisher.Close(); err != nil {
		w.logger.Warn("failed to close status publisher", zap.Error(err))
	}

	w.logger.Info("worker shut down")
}

func (w *Worker) waitForServer(srv Server) bool {
	deadline := time.Now().Add(w.cfg.CascadeTimeout)
	for time.Now().Before(deadline) {
		if srv.IsShutdown() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return srv.IsShutdown()
}

func (w *Worker) publishStatus(status models.StatusType) {
	info := models.InternalStatusInfo{
		EntityType: models.EntityWorker,
		Identifier: strconv.FormatInt(w.WorkerID(), 10),
		StatusType: status,
		AsOf:       time.Now().UTC(),
	}
	if err := w.publisher.Publish(info); err != nil {
		w.logger.Warn("failed to publish status",
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
