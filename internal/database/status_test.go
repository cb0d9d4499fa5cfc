package database

import (
	"context"
	"testing"
	"time"

	"github.com/mooncorn/gsfleet/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertWorkerStatus(t *testing.T, db *DB, workerID int64, status models.StatusType, asOf time.Time) *models.ExternalStatusInfo {
	t.Helper()

	saved, err := db.InsertStatus(context.Background(), &models.ExternalStatusInfo{
		ClassName:  "InternalStatusInfo",
		StatusType: status,
		WorkerID:   &workerID,
		AsOf:       asOf,
	})
	require.NoError(t, err, "InsertStatus should not return an error")
	return saved
}

func Test_InsertStatus(t *testing.T) {
	db, cleanup := setupTest(t)
	defer cleanup()

	ctx := context.Background()

	worker, err := db.CreateWorker(ctx)
	require.NoError(t, err)

	saved := insertWorkerStatus(t, db, worker.WorkerID, models.StatusCreated, time.Now().UTC())
	assert.NotZero(t, saved.ExternalStatusInfoID, "status id should be set")
	require.NotNil(t, saved.WorkerID, "WorkerID should be set")
	assert.Equal(t, worker.WorkerID, *saved.WorkerID)
	assert.Nil(t, saved.GameServerInstanceID, "instance id should be nil for a worker status")

	// Exactly one subject: no subject at all violates the schema CHECK.
	_, err = db.InsertStatus(ctx, &models.ExternalStatusInfo{
		ClassName:  "InternalStatusInfo",
		StatusType: models.StatusCreated,
		AsOf:       time.Now().UTC(),
	})
	assert.Error(t, err, "a status without a subject should be rejected")
}

func Test_LatestWorkerStatus(t *testing.T) {
	db, cleanup := setupTest(t)
	defer cleanup()

	ctx := context.Background()

	worker, err := db.CreateWorker(ctx)
	require.NoError(t, err)

	_, err = db.LatestWorkerStatus(ctx, worker.WorkerID)
	assert.ErrorIs(t, err, ErrNotFound, "a worker with no statuses should return ErrNotFound")

	base := time.Now().UTC().Truncate(time.Microsecond)
	insertWorkerStatus(t, db, worker.WorkerID, models.StatusCreated, base)
	insertWorkerStatus(t, db, worker.WorkerID, models.StatusRunning, base.Add(time.Second))
	// Same as_of as RUNNING; the higher row id wins the tie.
	insertWorkerStatus(t, db, worker.WorkerID, models.StatusComplete, base.Add(time.Second))

	latest, err := db.LatestWorkerStatus(ctx, worker.WorkerID)
	require.NoError(t, err, "LatestWorkerStatus should not return an error")
	assert.Equal(t, models.StatusComplete, latest.StatusType, "the newest row should win")
}

func Test_LatestInstanceStatus(t *testing.T) {
	db, cleanup := setupTest(t)
	defer cleanup()

	ctx := context.Background()

	gs := createTestGameServer(t, db)
	cfg := createTestConfig(t, db, gs.GameServerID)
	worker, err := db.CreateWorker(ctx)
	require.NoError(t, err)
	inst, err := db.CreateInstance(ctx, cfg.GameServerConfigID, worker.WorkerID)
	require.NoError(t, err)

	_, err = db.LatestInstanceStatus(ctx, inst.GameServerInstanceID)
	assert.ErrorIs(t, err, ErrNotFound, "an instance with no statuses should return ErrNotFound")

	instanceID := inst.GameServerInstanceID
	_, err = db.InsertStatus(ctx, &models.ExternalStatusInfo{
		ClassName:            "InternalStatusInfo",
		StatusType:           models.StatusRunning,
		GameServerInstanceID: &instanceID,
		AsOf:                 time.Now().UTC(),
	})
	require.NoError(t, err)

	latest, err := db.LatestInstanceStatus(ctx, instanceID)
	require.NoError(t, err, "LatestInstanceStatus should not return an error")
	assert.Equal(t, models.StatusRunning, latest.StatusType)
}

func Test_StaleWorkerCandidates(t *testing.T) {
	db, cleanup := setupTest(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	setHeartbeat := func(workerID int64, at time.Time) {
		_, err := db.Pool.Exec(ctx,
			"UPDATE workers SET last_heartbeat = $1 WHERE worker_id = $2", at, workerID)
		require.NoError(t, err)
	}

	stale, err := db.CreateWorker(ctx)
	require.NoError(t, err)
	insertWorkerStatus(t, db, stale.WorkerID, models.StatusRunning, now.Add(-time.Minute))
	setHeartbeat(stale.WorkerID, now.Add(-30*time.Second))

	fresh, err := db.CreateWorker(ctx)
	require.NoError(t, err)
	insertWorkerStatus(t, db, fresh.WorkerID, models.StatusRunning, now)
	setHeartbeat(fresh.WorkerID, now)

	ancient, err := db.CreateWorker(ctx)
	require.NoError(t, err)
	insertWorkerStatus(t, db, ancient.WorkerID, models.StatusRunning, now.Add(-3*time.Hour))
	setHeartbeat(ancient.WorkerID, now.Add(-2*time.Hour))

	lookback := now.Add(-time.Hour)
	threshold := now.Add(-5 * time.Second)

	candidates, err := db.StaleWorkerCandidates(ctx, lookback, threshold)
	require.NoError(t, err, "StaleWorkerCandidates should not return an error")
	require.Len(t, candidates, 1, "only the stale worker should qualify")
	assert.Equal(t, stale.WorkerID, candidates[0].WorkerID)

	// Once LOST is recorded the latest status is no longer active, so the
	// same outage cannot fire twice.
	insertWorkerStatus(t, db, stale.WorkerID, models.StatusLost, now)

	candidates, err = db.StaleWorkerCandidates(ctx, lookback, threshold)
	require.NoError(t, err)
	assert.Empty(t, candidates, "a LOST worker should not be a candidate again")
}
