package server

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mooncorn/gsfleet/internal/messaging"
	"github.com/mooncorn/gsfleet/internal/models"
	"github.com/mooncorn/gsfleet/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDAL struct {
	mu         sync.Mutex
	game       *models.GameServer
	instanceID int64
	heartbeats int
	shutdowns  []int64
}

func (d *fakeDAL) CreateInstance(ctx context.Context, configID, workerID int64) (*models.GameServerInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &models.GameServerInstance{
		GameServerInstanceID: d.instanceID,
		GameServerConfigID:   configID,
		WorkerID:             workerID,
		CreatedAt:            time.Now().UTC(),
	}, nil
}

func (d *fakeDAL) ShutdownInstance(ctx context.Context, instanceID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdowns = append(d.shutdowns, instanceID)
	return nil
}

func (d *fakeDAL) InstanceHeartbeat(ctx context.Context, instanceID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heartbeats++
	return nil
}

func (d *fakeDAL) GetGameServer(ctx context.Context, gameServerID int64) (*models.GameServer, error) {
	return d.game, nil
}

func (d *fakeDAL) shutdownCalls() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64{}, d.shutdowns...)
}

func (d *fakeDAL) heartbeatCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.heartbeats
}

type fakeInstaller struct {
	mu       sync.Mutex
	installs [][2]string // app id, install dir
	err      error
	delay    time.Duration
}

func (i *fakeInstaller) Install(ctx context.Context, appID int64, installDir string) error {
	if i.delay > 0 {
		time.Sleep(i.delay)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.installs = append(i.installs, [2]string{strconv.FormatInt(appID, 10), installDir})
	return i.err
}

func (i *fakeInstaller) calls() [][2]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([][2]string{}, i.installs...)
}

type fakePublisher struct {
	mu       sync.Mutex
	statuses []models.StatusType
	closed   bool
}

func (p *fakePublisher) Publish(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := v.(models.InternalStatusInfo); ok {
		p.statuses = append(p.statuses, info.StatusType)
	}
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) published() []models.StatusType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.StatusType{}, p.statuses...)
}

func (p *fakePublisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeSubscriber struct {
	mu       sync.Mutex
	pending  [][]byte
	shutdown bool
}

func (s *fakeSubscriber) deliver(t *testing.T, cmd models.Command) {
	t.Helper()
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
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

func (s *fakeSubscriber) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
}

func (s *fakeSubscriber) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

type fixture struct {
	dal       *fakeDAL
	installer *fakeInstaller
	pub       *fakePublisher
	sub       *fakeSubscriber
	proc      *process.Fake
	cfg       *models.GameServerConfig
}

func newFixture(proc *process.Fake) *fixture {
	return &fixture{
		dal: &fakeDAL{
			instanceID: 42,
			game: &models.GameServer{
				GameServerID: 7,
				Name:         "valheim",
				ServerType:   models.ServerTypeSteam,
				AppID:        896660,
			},
		},
		installer: &fakeInstaller{},
		pub:       &fakePublisher{},
		sub:       &fakeSubscriber{},
		proc:      proc,
		cfg: &models.GameServerConfig{
			GameServerConfigID: 11,
			GameServerID:       7,
			Name:               "default",
			Executable:         "start_server.sh",
			Args:               []string{"-port", "2456"},
			EnvVar:             []string{"MODE=test"},
		},
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		DAL:        f.dal,
		Installer:  f.installer,
		NewProcess: func() process.ExternalProcess { return f.proc },
		NewPublisher: func(key messaging.RoutingKey) (Publisher, error) {
			return f.pub, nil
		},
		NewSubscriber: func(queue messaging.QueueConfig, key messaging.RoutingKey) (Subscriber, error) {
			return f.sub, nil
		},
		InstallRoot:       "/data/servers",
		HeartbeatInterval: 50 * time.Millisecond,
		Logger:            zap.NewNop(),
	}
}

func Test_SupervisorLifecycle(t *testing.T) {
	f := newFixture(&process.Fake{RunFor: 300 * time.Millisecond})

	s, err := New(context.Background(), f.cfg, 1, f.deps())
	require.NoError(t, err)

	assert.Equal(t, int64(42), s.InstanceID())
	assert.Equal(t, int64(11), s.ConfigID())
	assert.Equal(t, int64(7), s.GameServerID())
	assert.Equal(t, []models.StatusType{models.StatusCreated}, f.pub.published(),
		"CREATED should be published on construction")
	assert.False(t, s.IsShutdown())

	require.NoError(t, s.Run(context.Background(), false))

	assert.Equal(t, []models.StatusType{
		models.StatusCreated,
		models.StatusInitializing,
		models.StatusRunning,
		models.StatusComplete,
	}, f.pub.published(), "statuses should be published in lifecycle order")

	assert.True(t, s.IsShutdown())
	assert.True(t, f.sub.isShutdown(), "the command subscriber should be shut down")
	assert.True(t, f.pub.isClosed(), "the status publisher should be closed")
	assert.Equal(t, []int64{42}, f.dal.shutdownCalls(), "the instance record should be closed")
	assert.Greater(t, f.dal.heartbeatCount(), 0, "heartbeats should be sent while running")
}

func Test_SupervisorInstall(t *testing.T) {
	f := newFixture(&process.Fake{RunFor: 100 * time.Millisecond})

	s, err := New(context.Background(), f.cfg, 1, f.deps())
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background(), true))

	calls := f.installer.calls()
	require.Len(t, calls, 1, "a run with updates enabled should install once")
	assert.Equal(t, filepath.Join("/data/servers", "steam", "896660", "default"), calls[0][1],
		"the install dir is derived from type, app id and config name")

	executable, args := f.proc.StartedWith()
	assert.Equal(t, filepath.Join("/data/servers", "steam", "896660", "default", "start_server.sh"), executable)
	assert.Equal(t, []string{"-port", "2456"}, args)
}

func Test_SupervisorInstallFailure(t *testing.T) {
	f := newFixture(process.NewFake())
	f.installer.err = errors.New("disk full")

	s, err := New(context.Background(), f.cfg, 1, f.deps())
	require.NoError(t, err)

	err = s.Run(context.Background(), true)
	require.Error(t, err, "an install failure should abort the run")

	assert.True(t, s.IsShutdown(), "teardown should still run on an aborted run")
	assert.Contains(t, f.pub.published(), models.StatusComplete,
		"COMPLETE should still be published so observers see the instance finish")
	assert.Equal(t, []int64{42}, f.dal.shutdownCalls())
}

func Test_SupervisorStopDuringInstall(t *testing.T) {
	f := newFixture(process.NewFake())
	f.installer.delay = 200 * time.Millisecond

	s, err := New(context.Background(), f.cfg, 1, f.deps())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), true) }()

	time.Sleep(50 * time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish after a stop during install")
	}

	executable, _ := f.proc.StartedWith()
	assert.Empty(t, executable, "a stop during install must prevent the launch entirely")
	assert.True(t, s.IsShutdown())
	assert.Contains(t, f.pub.published(), models.StatusComplete)
	assert.Equal(t, []int64{42}, f.dal.shutdownCalls())
}

func Test_SupervisorStopCommand(t *testing.T) {
	f := newFixture(process.NewFake()) // runs until killed

	s, err := New(context.Background(), f.cfg, 1, f.deps())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), false) }()

	require.Eventually(t, func() bool {
		return len(f.pub.published()) >= 3 // CREATED, INITIALIZING, RUNNING
	}, 2*time.Second, 10*time.Millisecond, "the instance should reach RUNNING")

	f.sub.deliver(t, models.NewStopCommand(11))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish after a STOP command")
	}

	assert.True(t, f.proc.Killed(), "STOP should kill the process")
	assert.True(t, s.IsShutdown())
}

func Test_SupervisorForwardStdin(t *testing.T) {
	f := newFixture(process.NewFake())

	s, err := New(context.Background(), f.cfg, 1, f.deps())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), false) }()

	require.Eventually(t, func() bool {
		return len(f.pub.published()) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	s.Forward(models.NewStdinCommand(11, []string{"save", "broadcast hi"}))

	require.Eventually(t, func() bool {
		return len(f.proc.StdinLines()) == 2
	}, 2*time.Second, 10*time.Millisecond, "forwarded stdin lines should reach the process")
	assert.Equal(t, []string{"save\n", "broadcast hi\n"}, f.proc.StdinLines())

	s.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish after Stop")
	}
}

func Test_SupervisorContextCancel(t *testing.T) {
	f := newFixture(process.NewFake())

	s, err := New(context.Background(), f.cfg, 1, f.deps())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, false) }()

	require.Eventually(t, func() bool {
		return len(f.pub.published()) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish after cancellation")
	}

	assert.True(t, f.proc.Killed(), "cancellation should kill the process")
	assert.True(t, s.IsShutdown())
}
