package statusprocessor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mooncorn/gsfleet/internal/broadcast"
	"github.com/mooncorn/gsfleet/internal/messaging"
	"github.com/mooncorn/gsfleet/internal/models"
	"go.uber.org/zap"
)

// Store is the slice of the database layer the processor needs.
type Store interface {
	InsertStatus(ctx context.Context, info *models.ExternalStatusInfo) (*models.ExternalStatusInfo, error)
	StaleWorkerCandidates(ctx context.Context, lookback, threshold time.Time) ([]models.Worker, error)
}

// Publisher emits synthetic status messages back onto the fabric.
type Publisher interface {
	Publish(v any) error
	Close() error
}

// Subscriber delivers every status message on the internal exchange.
type Subscriber interface {
	Consume() [][]byte
	Shutdown()
}

// Config tunes the processor.
type Config struct {
	CheckInterval time.Duration // default 500ms
	StaleAfter    time.Duration // heartbeat age that marks a worker lost, default 5s
	Lookback      time.Duration // ignore heartbeats older than this, default 1h
}

func (c Config) withDefaults() Config {
	if c.CheckInterval == 0 {
		c.CheckInterval = 500 * time.Millisecond
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 5 * time.Second
	}
	if c.Lookback == 0 {
		c.Lookback = time.Hour
	}
	return c
}

// Processor is the fleet's status observer: it persists every status message
// published on the fabric and raises synthetic LOST statuses for workers
// whose heartbeats have gone stale.
type Processor struct {
	cfg        Config
	store      Store
	subscriber Subscriber
	// newPublisher opens a publisher for a worker's status topic when a
	// LOST status must be announced.
	newPublisher func(key messaging.RoutingKey) (Publisher, error)
	hub          *broadcast.Hub
	logger       *zap.Logger
}

// New wires a processor. The subscriber is expected to be bound to the
// all-status wildcard on the internal exchange.
func New(cfg Config, store Store, subscriber Subscriber, newPublisher func(key messaging.RoutingKey) (Publisher, error), hub *broadcast.Hub, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:          cfg.withDefaults(),
		store:        store,
		subscriber:   subscriber,
		newPublisher: newPublisher,
		hub:          hub,
		logger:       logger,
	}
}

// Run drives the processor until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	defer p.subscriber.Shutdown()

	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	lastLiveness := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for _, raw := range p.subscriber.Consume() {
			p.handleStatus(ctx, raw)
		}

		p.checkStaleWorkers(ctx)

		if time.Since(lastLiveness) >= 30*time.Second {
			lastLiveness = time.Now()
			p.logger.Info("status processor alive")
		}
	}
}

// handleStatus persists one status message. Failures are logged and
// swallowed; the processor never stops over a single bad message.
func (p *Processor) handleStatus(ctx context.Context, raw []byte) {
	var info models.InternalStatusInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		p.logger.Warn("discarding malformed status message", zap.Error(err))
		return
	}

	// Subjects never publish LOST or CRASHED; a copy arriving off the wire
	// is this processor's own announcement looping back through the
	// all-status binding, already persisted at the point of synthesis.
	if info.StatusType.IsObservedOnly() {
		return
	}

	external, err := p.toExternal(info)
	if err != nil {
		p.logger.Warn("discarding unroutable status message",
			zap.String("entity_type", string(info.EntityType)),
			zap.String("identifier", info.Identifier),
			zap.Error(err))
		return
	}

	if _, err := p.store.InsertStatus(ctx, external); err != nil {
		p.logger.Error("failed to persist status",
			zap.String("entity_type", string(info.EntityType)),
			zap.String("identifier", info.Identifier),
			zap.String("status", string(info.StatusType)),
			zap.Error(err))
		return
	}

	p.hub.Publish(broadcast.StatusEvent{
		EntityType: info.EntityType,
		Identifier: info.Identifier,
		StatusType: info.StatusType,
		ClassName:  external.ClassName,
		AsOf:       external.AsOf,
	})
}

func (p *Processor) toExternal(info models.InternalStatusInfo) (*models.ExternalStatusInfo, error) {
	id, err := strconv.ParseInt(info.Identifier, 10, 64)
	if err != nil {
		return nil, err
	}

	external := &models.ExternalStatusInfo{
		ClassName:  "InternalStatusInfo",
		StatusType: info.StatusType,
		AsOf:       info.AsOf,
	}
	switch info.EntityType {
	case models.EntityWorker:
		external.WorkerID = &id
	case models.EntityGameServerInstance:
		external.GameServerInstanceID = &id
	default:
		return nil, fmt.Errorf("unknown entity type %q", info.EntityType)
	}
	return external, nil
}

// checkStaleWorkers raises a synthetic LOST for each open, heartbeat-stale
// worker whose latest status is still active. The latest-status precondition
// in the candidate query keeps LOST from firing twice for one outage.
func (p *Processor) checkStaleWorkers(ctx context.Context) {
	now := time.Now().UTC()
	candidates, err := p.store.StaleWorkerCandidates(ctx, now.Add(-p.cfg.Lookback), now.Add(-p.cfg.StaleAfter))
	if err != nil {
		p.logger.Error("failed to query stale workers", zap.Error(err))
		return
	}

	for _, w := range candidates {
		p.markLost(ctx, w, now)
	}
}

func (p *Processor) markLost(ctx context.Context, w models.Worker, asOf time.Time) {
	p.logger.Warn("worker heartbeat stale, marking lost",
		zap.Int64("worker_id", w.WorkerID),
		zap.Timep("last_heartbeat", w.LastHeartbeat))

	workerID := w.WorkerID
	if _, err := p.store.InsertStatus(ctx, &models.ExternalStatusInfo{
		ClassName:  "StatusEventProcessor",
		StatusType: models.StatusLost,
		WorkerID:   &workerID,
		AsOf:       asOf,
	}); err != nil {
		p.logger.Error("failed to persist lost status",
			zap.Int64("worker_id", workerID),
			zap.Error(err))
		return
	}

	info := models.InternalStatusInfo{
		EntityType: models.EntityWorker,
		Identifier: strconv.FormatInt(workerID, 10),
		StatusType: models.StatusLost,
		AsOf:       asOf,
	}

	publisher, err := p.newPublisher(messaging.WorkerStatusKey(workerID))
	if err != nil {
		p.logger.Error("failed to open publisher for lost status",
			zap.Int64("worker_id", workerID),
			zap.Error(err))
	} else {
		if err := publisher.Publish(info); err != nil {
			p.logger.Error("failed to publish lost status",
				zap.Int64("worker_id", workerID),
				zap.Error(err))
		}
		publisher.Close()
	}

	p.hub.Publish(broadcast.StatusEvent{
		EntityType: models.EntityWorker,
		Identifier: info.Identifier,
		StatusType: models.StatusLost,
		ClassName:  "StatusEventProcessor",
		AsOf:       asOf,
	})
}
