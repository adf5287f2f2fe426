package enqueuer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/docdispatch/internal/intake"
	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/store/memstore"
)

func TestEnqueuerAssignsToActiveWorker(t *testing.T) {
	s := memstore.New()
	require.NoError(t, s.Workers().UpsertWorker(context.Background(), 1, model.WorkerActive))

	q := intake.New(4)
	e := New(q, s.Tasks(), s.Workers(), Config{PollInterval: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.NoError(t, q.Offer(context.Background(), model.FetchEmitTuple{
		FetchKey: model.FetchKey{FetcherID: "f", Key: "k"},
		EmitKey:  model.EmitKey{EmitterID: "e", Key: "k"},
	}, time.Second))

	require.Eventually(t, func() bool {
		n, err := s.Tasks().CountAvailable(context.Background())
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)

	q.Close()
	cancel()
	<-done
}

func TestEnqueuerTimesOutWithNoWorkers(t *testing.T) {
	s := memstore.New()
	q := intake.New(4)
	e := New(q, s.Tasks(), s.Workers(), Config{
		PollInterval:    5 * time.Millisecond,
		NoWorkerTimeout: 30 * time.Millisecond,
	}, zerolog.Nop())

	err := e.enqueueOne(context.Background(), model.FetchEmitTuple{
		FetchKey: model.FetchKey{FetcherID: "f", Key: "k"},
		EmitKey:  model.EmitKey{EmitterID: "e", Key: "k"},
	})
	require.ErrorIs(t, err, model.ErrNoActiveWorkers)
}
