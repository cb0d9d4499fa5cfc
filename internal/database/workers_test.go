package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_CreateWorker(t *testing.T) {
	db, cleanup := setupTest(t)
	defer cleanup()

	ctx := context.Background()

	worker, err := db.CreateWorker(ctx)
	require.NoError(t, err, "CreateWorker should not return an error")

	assert.NotZero(t, worker.WorkerID, "Worker ID should be set")
	assert.NotZero(t, worker.CreatedAt, "CreatedAt should be set")
	assert.Nil(t, worker.EndedAt, "EndedAt should be nil initially")
	assert.Nil(t, worker.LastHeartbeat, "LastHeartbeat should be nil initially")
}

func Test_CurrentWorker(t *testing.T) {
	db, cleanup := setupTest(t)
	defer cleanup()

	ctx := context.Background()

	_, err := db.CurrentWorker(ctx)
	assert.ErrorIs(t, err, ErrNotFound, "CurrentWorker should return ErrNotFound with no workers")

	first, err := db.CreateWorker(ctx)
	require.NoError(t, err)
	second, err := db.CreateWorker(ctx)
	require.NoError(t, err)

	// CloseOtherWorkers restores the single-open-worker invariant.
	closed, err := db.CloseOtherWorkers(ctx, second.WorkerID)
	require.NoError(t, err, "CloseOtherWorkers should not return an error")
	assert.Equal(t, []int64{first.WorkerID}, closed, "the first worker should be closed")

	current, err := db.CurrentWorker(ctx)
	require.NoError(t, err, "CurrentWorker should not return an error")
	assert.Equal(t, second.WorkerID, current.WorkerID, "the surviving worker should be current")

	stale, err := db.GetWorker(ctx, first.WorkerID)
	require.NoError(t, err)
	assert.NotNil(t, stale.EndedAt, "the closed worker should have ended_at set")
}

func Test_ShutdownWorker(t *testing.T) {
	db, cleanup := setupTest(t)
	defer cleanup()

	ctx := context.Background()

	worker, err := db.CreateWorker(ctx)
	require.NoError(t, err)

	shut, err := db.ShutdownWorker(ctx, worker.WorkerID)
	require.NoError(t, err, "ShutdownWorker should not return an error")
	assert.NotNil(t, shut.EndedAt, "EndedAt should be set after shutdown")

	// Shutdown is not idempotent: a repeat is a conflict.
	_, err = db.ShutdownWorker(ctx, worker.WorkerID)
	assert.ErrorIs(t, err, ErrWorkerClosed, "second shutdown should return ErrWorkerClosed")

	_, err = db.ShutdownWorker(ctx, worker.WorkerID+1000)
	assert.ErrorIs(t, err, ErrNotFound, "shutdown of an unknown worker should return ErrNotFound")
}

func Test_WorkerHeartbeat(t *testing.T) {
	db, cleanup := setupTest(t)
	defer cleanup()

	ctx := context.Background()

	worker, err := db.CreateWorker(ctx)
	require.NoError(t, err)

	err = db.WorkerHeartbeat(ctx, worker.WorkerID)
	require.NoError(t, err, "WorkerHeartbeat should not return an error")

	updated, err := db.GetWorker(ctx, worker.WorkerID)
	require.NoError(t, err)
	assert.NotNil(t, updated.LastHeartbeat, "LastHeartbeat should be set after heartbeat")

	_, err = db.ShutdownWorker(ctx, worker.WorkerID)
	require.NoError(t, err)

	err = db.WorkerHeartbeat(ctx, worker.WorkerID)
	assert.ErrorIs(t, err, ErrWorkerClosed, "heartbeat of a closed worker should return ErrWorkerClosed")

	err = db.WorkerHeartbeat(ctx, worker.WorkerID+1000)
	assert.ErrorIs(t, err, ErrNotFound, "heartbeat of an unknown worker should return ErrNotFound")
}
