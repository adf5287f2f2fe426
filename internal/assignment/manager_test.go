package assignment

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/store/memstore"
)

func TestReassignOrphaned(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.Workers().UpsertWorker(ctx, 2, model.WorkerActive))

	_, err := s.Tasks().InsertTask(ctx, `{}`, 99) // worker 99 has no registry row
	require.NoError(t, err)

	m := New(s.Tasks(), s.Workers(), 10*time.Millisecond, Thresholds{}, nil, zerolog.Nop())
	_, err = m.tick(ctx)
	require.NoError(t, err)

	byWorker, err := s.Tasks().CountAvailableByWorker(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, byWorker[2])
	require.Zero(t, byWorker[99])
}

func TestRebalanceSkewedLoad(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.Workers().UpsertWorker(ctx, 1, model.WorkerActive))
	require.NoError(t, s.Workers().UpsertWorker(ctx, 2, model.WorkerActive))

	for i := 0; i < 20; i++ {
		_, err := s.Tasks().InsertTask(ctx, `{}`, 1)
		require.NoError(t, err)
	}

	m := New(s.Tasks(), s.Workers(), 10*time.Millisecond, Thresholds{TransferFraction: 0.5}, nil, zerolog.Nop())
	_, err := m.tick(ctx)
	require.NoError(t, err)

	byWorker, err := s.Tasks().CountAvailableByWorker(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, byWorker[1])
	require.Equal(t, 10, byWorker[2])
}

func TestRebalanceNoOpUnderThreshold(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.Workers().UpsertWorker(ctx, 1, model.WorkerActive))
	require.NoError(t, s.Workers().UpsertWorker(ctx, 2, model.WorkerActive))

	_, err := s.Tasks().InsertTask(ctx, `{}`, 1)
	require.NoError(t, err)

	m := New(s.Tasks(), s.Workers(), 10*time.Millisecond, Thresholds{}, nil, zerolog.Nop())
	_, err = m.tick(ctx)
	require.NoError(t, err)

	byWorker, err := s.Tasks().CountAvailableByWorker(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, byWorker[1])
	require.Zero(t, byWorker[2])
}
