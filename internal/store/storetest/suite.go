// Package storetest is a backend-agnostic compliance suite: every
// store.Store implementation (postgres, sqlitestore, memstore) must
// pass Run unchanged against one shared set of assertions.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/store"
)

// Run exercises a fresh store.Store produced by newStore against the
// operation contracts spec §4.1 requires of any backend.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("InsertAndClaimTask", func(t *testing.T) { testInsertAndClaimTask(t, newStore(t)) })
	t.Run("ClaimNextTaskForWorker_EmptyReturnsNilNil", func(t *testing.T) { testClaimEmpty(t, newStore(t)) })
	t.Run("ResetTaskToAvailable_IncrementsRetry", func(t *testing.T) { testResetIncrementsRetry(t, newStore(t)) })
	t.Run("MarkTaskProcessed_DeletesRow", func(t *testing.T) { testMarkProcessedDeletes(t, newStore(t)) })
	t.Run("Workers_UpsertAndStatus", func(t *testing.T) { testWorkerUpsert(t, newStore(t)) })
	t.Run("Workers_SetAllActiveToShouldShutdown", func(t *testing.T) { testSetAllShouldShutdown(t, newStore(t)) })
	t.Run("ErrorLog_Insert", func(t *testing.T) { testErrorLogInsert(t, newStore(t)) })
	t.Run("Emits_InsertClaimDelete", func(t *testing.T) { testEmitLifecycle(t, newStore(t)) })
	t.Run("Emits_ResetEmittingForWorker", func(t *testing.T) { testEmitReset(t, newStore(t)) })
	t.Run("Tasks_ReassignOwner", func(t *testing.T) { testReassignOwner(t, newStore(t)) })
	t.Run("Tasks_Rebalance", func(t *testing.T) { testRebalance(t, newStore(t)) })
}

func testInsertAndClaimTask(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.Tasks().InsertTask(ctx, `{"k":"v"}`, 1)
	require.NoError(t, err)
	require.NotZero(t, id)

	task, err := s.Tasks().ClaimNextTaskForWorker(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, model.TaskInProcess, task.Status)
	require.Equal(t, int64(1), task.WorkerID)
	require.Equal(t, `{"k":"v"}`, task.JSON)

	again, err := s.Tasks().ClaimNextTaskForWorker(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, again)
}

func testClaimEmpty(t *testing.T, s store.Store) {
	ctx := context.Background()
	task, err := s.Tasks().ClaimNextTaskForWorker(ctx, 99)
	require.NoError(t, err)
	require.Nil(t, task)
}

func testResetIncrementsRetry(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.Tasks().InsertTask(ctx, `{}`, 1)
	require.NoError(t, err)

	retry, err := s.Tasks().ResetTaskToAvailable(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 1, retry)

	retry, err = s.Tasks().ResetTaskToAvailable(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 2, retry)

	task, err := s.Tasks().ClaimNextTaskForWorker(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.EqualValues(t, 2, task.Retry)
}

func testMarkProcessedDeletes(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.Tasks().InsertTask(ctx, `{}`, 1)
	require.NoError(t, err)
	require.NoError(t, s.Tasks().MarkTaskProcessed(ctx, id))

	n, err := s.Tasks().CountAvailable(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func testWorkerUpsert(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Workers().UpsertWorker(ctx, 7, model.WorkerActive))

	st, err := s.Workers().Status(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, model.WorkerActive, st)

	ids, err := s.Workers().ActiveWorkerIDs(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, int64(7))

	require.NoError(t, s.Workers().UpsertWorker(ctx, 7, model.WorkerShutdown))
	st, err = s.Workers().Status(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, model.WorkerShutdown, st)
}

func testSetAllShouldShutdown(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Workers().UpsertWorker(ctx, 1, model.WorkerActive))
	require.NoError(t, s.Workers().UpsertWorker(ctx, 2, model.WorkerActive))
	require.NoError(t, s.Workers().UpsertWorker(ctx, 3, model.WorkerShutdown))

	require.NoError(t, s.Workers().SetAllActiveToShouldShutdown(ctx))

	st1, _ := s.Workers().Status(ctx, 1)
	st2, _ := s.Workers().Status(ctx, 2)
	st3, _ := s.Workers().Status(ctx, 3)
	require.Equal(t, model.WorkerShouldShutdown, st1)
	require.Equal(t, model.WorkerShouldShutdown, st2)
	require.Equal(t, model.WorkerShutdown, st3)
}

func testErrorLogInsert(t *testing.T, s store.Store) {
	ctx := context.Background()
	err := s.Errors().InsertErrorLog(ctx, model.ErrorLogEntry{
		TaskID: 1, FetchKey: "f:k", Timestamp: time.Now(), Retry: 1, ErrorCode: model.ErrTimeout,
	})
	require.NoError(t, err)

	entries, err := s.Errors().ListErrorLog(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, model.ErrTimeout, entries[0].ErrorCode)
	require.Equal(t, int32(1), entries[0].Retry)

	none, err := s.Errors().ListErrorLog(ctx, 2)
	require.NoError(t, err)
	require.Empty(t, none)
}

func testEmitLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.Emits().InsertEmitPayload(ctx, 1, 100, []byte("payload"))
	require.NoError(t, err)
	require.NotZero(t, id)

	batch, err := s.Emits().ClaimEmitBatch(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, model.EmitEmitting, batch[0].Status)
	require.Equal(t, []byte("payload"), batch[0].Bytes)

	require.NoError(t, s.Emits().DeleteEmit(ctx, id))

	n, err := s.Emits().CountAll(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func testEmitReset(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Emits().InsertEmitPayload(ctx, 5, 10, []byte("x"))
	require.NoError(t, err)

	batch, err := s.Emits().ClaimEmitBatch(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	n, err := s.Emits().ResetEmittingForWorker(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	batch, err = s.Emits().ClaimEmitBatch(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
}

func testReassignOwner(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Tasks().InsertTask(ctx, `{}`, 1)
	require.NoError(t, err)
	_, err = s.Tasks().InsertTask(ctx, `{}`, 1)
	require.NoError(t, err)

	n, err := s.Tasks().ReassignOwner(ctx, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	byWorker, err := s.Tasks().CountAvailableByWorker(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, byWorker[2])
	require.Zero(t, byWorker[1])
}

func testRebalance(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := s.Tasks().InsertTask(ctx, `{}`, 1)
		require.NoError(t, err)
	}

	n, err := s.Tasks().Rebalance(ctx, 1, 2, 0.5)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	byWorker, err := s.Tasks().CountAvailableByWorker(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, byWorker[1])
	require.Equal(t, 5, byWorker[2])
}
