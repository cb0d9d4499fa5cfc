package statusprocessor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mooncorn/gsfleet/internal/broadcast"
	"github.com/mooncorn/gsfleet/internal/messaging"
	"github.com/mooncorn/gsfleet/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu         sync.Mutex
	inserted   []models.ExternalStatusInfo
	candidates []models.Worker
}

func (s *fakeStore) InsertStatus(ctx context.Context, info *models.ExternalStatusInfo) (*models.ExternalStatusInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := *info
	saved.ExternalStatusInfoID = int64(len(s.inserted) + 1)
	s.inserted = append(s.inserted, saved)
	return &saved, nil
}

func (s *fakeStore) StaleWorkerCandidates(ctx context.Context, lookback, threshold time.Time) ([]models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Candidates are consumed on read: once a LOST row lands, the latest
	// status is no longer active and the real query stops returning the
	// worker.
	out := s.candidates
	s.candidates = nil
	return out, nil
}

func (s *fakeStore) rows() []models.ExternalStatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ExternalStatusInfo{}, s.inserted...)
}

type fakeSubscriber struct {
	mu      sync.Mutex
	pending [][]byte
}

func (s *fakeSubscriber) deliver(t *testing.T, info models.InternalStatusInfo) {
	t.Helper()
	raw, err := json.Marshal(info)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, raw)
}

func (s *fakeSubscriber) deliverRaw(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, raw)
}

func (s *fakeSubscriber) Consume() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.pending
	s.pending = nil
	return msgs
}

func (s *fakeSubscriber) Shutdown() {}

type fakePublisher struct {
	mu        sync.Mutex
	key       messaging.RoutingKey
	published []models.InternalStatusInfo
	closed    bool
}

func (p *fakePublisher) Publish(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := v.(models.InternalStatusInfo); ok {
		p.published = append(p.published, info)
	}
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fixture struct {
	store *fakeStore
	sub   *fakeSubscriber
	hub   *broadcast.Hub

	mu         sync.Mutex
	publishers []*fakePublisher
}

func newFixture() *fixture {
	return &fixture{
		store: &fakeStore{},
		sub:   &fakeSubscriber{},
		hub:   broadcast.NewHub(zap.NewNop()),
	}
}

func (f *fixture) processor(cfg Config) *Processor {
	newPublisher := func(key messaging.RoutingKey) (Publisher, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		p := &fakePublisher{key: key}
		f.publishers = append(f.publishers, p)
		return p, nil
	}
	return New(cfg, f.store, f.sub, newPublisher, f.hub, zap.NewNop())
}

func (f *fixture) openedPublishers() []*fakePublisher {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePublisher{}, f.publishers...)
}

// run starts the processor with a fast check interval and returns a stop
// function that blocks until it exits.
func run(t *testing.T, p *Processor) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("processor did not stop")
		}
	}
}

func Test_ProcessorPersistsWorkerStatus(t *testing.T) {
	f := newFixture()
	p := f.processor(Config{CheckInterval: 10 * time.Millisecond})

	asOf := time.Now().UTC().Truncate(time.Millisecond)
	f.sub.deliver(t, models.InternalStatusInfo{
		EntityType: models.EntityWorker,
		Identifier: "5",
		StatusType: models.StatusRunning,
		AsOf:       asOf,
	})

	stop := run(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		return len(f.store.rows()) == 1
	}, 2*time.Second, 10*time.Millisecond, "the status message should be persisted")

	row := f.store.rows()[0]
	assert.Equal(t, "InternalStatusInfo", row.ClassName)
	assert.Equal(t, models.StatusRunning, row.StatusType)
	require.NotNil(t, row.WorkerID)
	assert.Equal(t, int64(5), *row.WorkerID)
	assert.Nil(t, row.GameServerInstanceID)
	assert.Equal(t, asOf, row.AsOf)
}

func Test_ProcessorPersistsInstanceStatus(t *testing.T) {
	f := newFixture()
	p := f.processor(Config{CheckInterval: 10 * time.Millisecond})

	f.sub.deliver(t, models.InternalStatusInfo{
		EntityType: models.EntityGameServerInstance,
		Identifier: "42",
		StatusType: models.StatusComplete,
		AsOf:       time.Now().UTC(),
	})

	stop := run(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		return len(f.store.rows()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	row := f.store.rows()[0]
	require.NotNil(t, row.GameServerInstanceID)
	assert.Equal(t, int64(42), *row.GameServerInstanceID)
	assert.Nil(t, row.WorkerID)
}

func Test_ProcessorDiscardsBadMessages(t *testing.T) {
	f := newFixture()
	p := f.processor(Config{CheckInterval: 10 * time.Millisecond})

	f.sub.deliverRaw([]byte("not json"))
	f.sub.deliver(t, models.InternalStatusInfo{
		EntityType: "SPACESHIP",
		Identifier: "1",
		StatusType: models.StatusRunning,
	})
	f.sub.deliver(t, models.InternalStatusInfo{
		EntityType: models.EntityWorker,
		Identifier: "not-a-number",
		StatusType: models.StatusRunning,
	})
	f.sub.deliver(t, models.InternalStatusInfo{
		EntityType: models.EntityWorker,
		Identifier: "9",
		StatusType: models.StatusRunning,
		AsOf:       time.Now().UTC(),
	})

	stop := run(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		return len(f.store.rows()) == 1
	}, 2*time.Second, 10*time.Millisecond, "only the well-formed message should land")
	require.NotNil(t, f.store.rows()[0].WorkerID)
	assert.Equal(t, int64(9), *f.store.rows()[0].WorkerID)
}

func Test_ProcessorBroadcastsToHub(t *testing.T) {
	f := newFixture()
	p := f.processor(Config{CheckInterval: 10 * time.Millisecond})

	events := f.hub.Subscribe("WORKER.5")
	defer f.hub.Unsubscribe("WORKER.5", events)

	f.sub.deliver(t, models.InternalStatusInfo{
		EntityType: models.EntityWorker,
		Identifier: "5",
		StatusType: models.StatusCreated,
		AsOf:       time.Now().UTC(),
	})

	stop := run(t, p)
	defer stop()

	select {
	case ev := <-events:
		assert.Equal(t, models.EntityWorker, ev.EntityType)
		assert.Equal(t, "5", ev.Identifier)
		assert.Equal(t, models.StatusCreated, ev.StatusType)
		assert.Equal(t, "InternalStatusInfo", ev.ClassName)
	case <-time.After(2 * time.Second):
		t.Fatal("no event reached the hub subscriber")
	}
}

// loopbackPublisher feeds published messages straight back into the
// subscriber, the way the real all-status binding returns the processor's
// own announcements.
type loopbackPublisher struct {
	sub *fakeSubscriber
}

func (l loopbackPublisher) Publish(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.sub.deliverRaw(raw)
	return nil
}

func (l loopbackPublisher) Close() error { return nil }

func Test_ProcessorLostFiresOnceWithLoopback(t *testing.T) {
	f := newFixture()
	heartbeat := time.Now().UTC().Add(-time.Minute)
	f.store.candidates = []models.Worker{
		{WorkerID: 5, LastHeartbeat: &heartbeat},
	}

	p := New(
		Config{CheckInterval: 10 * time.Millisecond},
		f.store,
		f.sub,
		func(key messaging.RoutingKey) (Publisher, error) {
			return loopbackPublisher{sub: f.sub}, nil
		},
		f.hub,
		zap.NewNop(),
	)

	stop := run(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		return len(f.store.rows()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Give the looped-back LOST announcement several ticks to come around.
	time.Sleep(200 * time.Millisecond)

	rows := f.store.rows()
	require.Len(t, rows, 1, "the looped-back LOST announcement must not be persisted again")
	assert.Equal(t, "StatusEventProcessor", rows[0].ClassName)
	assert.Equal(t, models.StatusLost, rows[0].StatusType)
}

func Test_ProcessorMarksLostWorkers(t *testing.T) {
	f := newFixture()
	heartbeat := time.Now().UTC().Add(-time.Minute)
	f.store.candidates = []models.Worker{
		{WorkerID: 5, LastHeartbeat: &heartbeat},
	}

	events := f.hub.Subscribe(broadcast.SubjectAll)
	defer f.hub.Unsubscribe(broadcast.SubjectAll, events)

	p := f.processor(Config{CheckInterval: 10 * time.Millisecond})
	stop := run(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		return len(f.store.rows()) == 1
	}, 2*time.Second, 10*time.Millisecond, "a LOST row should be inserted")

	row := f.store.rows()[0]
	assert.Equal(t, "StatusEventProcessor", row.ClassName, "synthetic statuses carry the processor's class name")
	assert.Equal(t, models.StatusLost, row.StatusType)
	require.NotNil(t, row.WorkerID)
	assert.Equal(t, int64(5), *row.WorkerID)

	// The LOST status is also announced on the worker's status topic so
	// fabric listeners see it.
	require.Eventually(t, func() bool {
		pubs := f.openedPublishers()
		if len(pubs) != 1 {
			return false
		}
		pubs[0].mu.Lock()
		defer pubs[0].mu.Unlock()
		return pubs[0].closed
	}, 2*time.Second, 10*time.Millisecond)
	pub := f.openedPublishers()[0]
	pub.mu.Lock()
	assert.Equal(t, messaging.WorkerStatusKey(5), pub.key)
	require.Len(t, pub.published, 1)
	assert.Equal(t, models.StatusLost, pub.published[0].StatusType)
	assert.Equal(t, "5", pub.published[0].Identifier)
	assert.True(t, pub.closed, "the one-shot publisher should be closed")
	pub.mu.Unlock()

	select {
	case ev := <-events:
		assert.Equal(t, models.StatusLost, ev.StatusType)
		assert.Equal(t, "StatusEventProcessor", ev.ClassName)
	case <-time.After(2 * time.Second):
		t.Fatal("the LOST event never reached the hub")
	}

	// The candidate query already filtered this worker out, so no second
	// LOST fires.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.store.rows(), 1, "LOST should fire exactly once per outage")
}
