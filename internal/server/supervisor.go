package server

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mooncorn/gsfleet/internal/messaging"
	"github.com/mooncorn/gsfleet/internal/models"
	"github.com/mooncorn/gsfleet/internal/process"
	"go.uber.org/zap"
)

// DAL is the slice of the worker DAL a supervisor needs.
type DAL interface {
	CreateInstance(ctx context.Context, configID, workerID int64) (*models.GameServerInstance, error)
	ShutdownInstance(ctx context.Context, instanceID int64) error
	InstanceHeartbeat(ctx context.Context, instanceID int64) error
	GetGameServer(ctx context.Context, gameServerID int64) (*models.GameServer, error)
}

// Installer prepares game content before launch.
type Installer interface {
	Install(ctx context.Context, appID int64, installDir string) error
}

// Publisher emits status messages for this instance.
type Publisher interface {
	Publish(v any) error
	Close() error
}

// Subscriber delivers commands routed to this instance.
type Subscriber interface {
	Consume() [][]byte
	Shutdown()
}

// Deps carries the supervisor's collaborators. The publisher and subscriber
// factories are keyed by the instance id assigned during construction.
type Deps struct {
	DAL               DAL
	Installer         Installer
	NewProcess        func() process.ExternalProcess
	NewPublisher      func(key messaging.RoutingKey) (Publisher, error)
	NewSubscriber     func(queue messaging.QueueConfig, key messaging.RoutingKey) (Subscriber, error)
	InstallRoot       string
	StdinDelay        time.Duration
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// Supervisor owns one external game-server process: its install, launch,
// routed command intake, stdin pipe, and status emission.
type Supervisor struct {
	instance   *models.GameServerInstance
	config     *models.GameServerConfig
	game       *models.GameServer
	installDir string

	builder    *process.Builder
	publisher  Publisher
	subscriber Subscriber
	deps       Deps
	logger     *zap.Logger

	shouldBeRunning atomic.Bool
	isShutdown      atomic.Bool
	finishOnce      sync.Once

	fwdMu     sync.Mutex
	forwarded []models.Command
}

// New creates the instance record, resolves the catalog entry, wires the
// process builder and messaging, and publishes CREATED.
func New(ctx context.Context, cfg *models.GameServerConfig, workerID int64, deps Deps) (*Supervisor, error) {
	if deps.HeartbeatInterval == 0 {
		deps.HeartbeatInterval = 2 * time.Second
	}

	instance, err := deps.DAL.CreateInstance(ctx, cfg.GameServerConfigID, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance record: %w", err)
	}

	game, err := deps.DAL.GetGameServer(ctx, cfg.GameServerID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch game server %d: %w", cfg.GameServerID, err)
	}

	installDir := filepath.Join(
		deps.InstallRoot,
		strings.ToLower(string(game.ServerType)),
		strconv.FormatInt(game.AppID, 10),
		cfg.Name,
	)

	logger := deps.Logger.With(
		zap.Int64("instance_id", instance.GameServerInstanceID),
		zap.Int64("config_id", cfg.GameServerConfigID))

	builder := process.NewBuilder(filepath.Join(installDir, cfg.Executable), deps.StdinDelay, deps.NewProcess(), logger)
	builder.AddArgs(cfg.Args...)
	builder.SetEnv(cfg.EnvVar...)

	iid := instance.GameServerInstanceID

	publisher, err := deps.NewPublisher(messaging.InstanceStatusKey(iid))
	if err != nil {
		return nil, fmt.Errorf("failed to create status publisher: %w", err)
	}

	subscriber, err := deps.NewSubscriber(
		messaging.CommandQueueConfig(messaging.EntityGameServerInstance, iid),
		messaging.InstanceCommandKey(iid),
	)
	if err != nil {
		publisher.Close()
		return nil, fmt.Errorf("failed to create command subscriber: %w", err)
	}

	s := &Supervisor{
		instance:   instance,
		config:     cfg,
		game:       game,
		installDir: installDir,
		builder:    builder,
		publisher:  publisher,
		subscriber: subscriber,
		deps:       deps,
		logger:     logger,
	}
	s.shouldBeRunning.Store(true)

	s.publishStatus(models.StatusCreated)
	return s, nil
}

// InstanceID returns the persisted instance id.
func (s *Supervisor) InstanceID() int64 { return s.instance.GameServerInstanceID }

// ConfigID returns the launch configuration id.
func (s *Supervisor) ConfigID() int64 { return s.config.GameServerConfigID }

// GameServerID returns the catalog id this supervisor runs.
func (s *Supervisor) GameServerID() int64 { return s.config.GameServerID }

// IsShutdown reports whether the supervisor has fully finished. It
// transitions false to true exactly once.
func (s *Supervisor) IsShutdown() bool { return s.isShutdown.Load() }

// Stop triggers shutdown of the supervised process. Safe from any goroutine.
func (s *Supervisor) Stop() { s.shouldBeRunning.Store(false) }

// Forward hands the supervisor a command received on the worker's topic,
// bypassing the broker. It is drained by the run loop alongside broker
// deliveries.
func (s *Supervisor) Forward(cmd models.Command) {
	s.fwdMu.Lock()
	defer s.fwdMu.Unlock()
	s.forwarded = append(s.forwarded, cmd)
}

// Run drives the full instance lifetime: INITIALIZING, optional install,
// launch, RUNNING, the command/output loop, and COMPLETE. COMPLETE is
// published even on a non-zero process exit; crash classification is left to
// observers.
func (s *Supervisor) Run(ctx context.Context, shouldUpdate bool) error {
	defer s.finish()

	s.publishStatus(models.StatusInitializing)

	if shouldUpdate {
		if err := s.deps.Installer.Install(ctx, s.game.AppID, s.installDir); err != nil {
			return fmt.Errorf("install failed for instance %d: %w", s.InstanceID(), err)
		}
	}

	// A Stop that raced the install must win; launching now would leave the
	// process running with nothing watching it.
	if !s.shouldBeRunning.Load() {
		s.logger.Info("stop requested before launch, not starting process")
		return nil
	}

	if err := s.builder.Run(false); err != nil {
		return fmt.Errorf("failed to launch process for instance %d: %w", s.InstanceID(), err)
	}

	s.publishStatus(models.StatusRunning)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	lastHeartbeat := time.Now()

	for {
		select {
		case <-ctx.Done():
			s.builder.Kill()
			s.builder.Wait()
			s.builder.ReadOutput()
			return ctx.Err()
		case <-ticker.C:
		}

		s.builder.ReadOutput()

		status := s.builder.Status()
		if status == process.StatusStopped || status == process.StatusFailed {
			break
		}

		if !s.shouldBeRunning.Load() {
			s.builder.Kill()
		}

		for _, cmd := range s.pendingCommands() {
			s.dispatch(cmd)
		}

		if time.Since(lastHeartbeat) >= s.deps.HeartbeatInterval {
			lastHeartbeat = time.Now()
			if err := s.deps.DAL.InstanceHeartbeat(ctx, s.InstanceID()); err != nil {
				s.logger.Warn("instance heartbeat failed", zap.Error(err))
			}
		}
	}

	s.builder.ReadOutput()
	return nil
}

// pendingCommands merges broker deliveries with locally forwarded commands.
func (s *Supervisor) pendingCommands() []models.Command {
	s.fwdMu.Lock()
	cmds := s.forwarded
	s.forwarded = nil
	s.fwdMu.Unlock()

	for _, raw := range s.subscriber.Consume() {
		var cmd models.Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			s.logger.Warn("discarding malformed command", zap.Error(err))
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

func (s *Supervisor) dispatch(cmd models.Command) {
	switch cmd.CommandType {
	case models.CommandStop:
		s.logger.Info("received stop command")
		s.shouldBeRunning.Store(false)
	case models.CommandStdin:
		for _, line := range cmd.StdinLines() {
			s.builder.WriteStdin(line)
		}
	case models.CommandStart:
		s.logger.Warn("ignoring START command addressed to a running instance")
	default:
		s.logger.Warn("ignoring unknown command", zap.String("command_type", string(cmd.CommandType)))
	}
}

// finish publishes COMPLETE, tears down messaging, and closes the instance
// record. It runs exactly once regardless of how Run exits.
func (s *Supervisor) finish() {
	s.finishOnce.Do(func() {
		s.publishStatus(models.StatusComplete)

		s.subscriber.Shutdown()
		if err := s.publisher.Close(); err != nil {
			s.logger.Warn("failed to close status publisher", zap.Error(err))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.deps.DAL.ShutdownInstance(ctx, s.InstanceID()); err != nil {
			s.logger.Warn("failed to close instance record", zap.Error(err))
		}

		s.isShutdown.Store(true)
		s.logger.Info("instance supervisor shut down")
	})
}

func (s *Supervisor) publishStatus(status models.StatusType) {
	info := models.InternalStatusInfo{
		EntityType: models.EntityGameServerInstance,
		Identifier: strconv.FormatInt(s.InstanceID(), 10),
		StatusType: status,
		AsOf:       time.Now().UTC(),
	}
	if err := s.publisher.Publish(info); err != nil {
		s.logger.Warn("failed to publish status",
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
