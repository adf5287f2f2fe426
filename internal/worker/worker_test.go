package worker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/docdispatch/internal/fetcher"
	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/parser"
	"github.com/mycelian/docdispatch/internal/store/memstore"
)

type stubFetcher struct {
	id   string
	fail bool
}

func (f stubFetcher) ID() string { return f.id }
func (f stubFetcher) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	if f.fail {
		return nil, fmt.Errorf("unreachable")
	}
	return io.NopCloser(strings.NewReader("content:" + key)), nil
}

func newRegistry(f fetcher.Fetcher) *fetcher.Registry {
	r := fetcher.NewRegistry()
	r.Register(f)
	return r
}

func TestWorkerProcessesAndEmits(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	tuple := model.FetchEmitTuple{
		FetchKey: model.FetchKey{FetcherID: "f1", Key: "doc1"},
		EmitKey:  model.EmitKey{EmitterID: "e1", Key: "doc1"},
	}
	encoded, err := model.EncodeTuple(tuple)
	require.NoError(t, err)
	_, err = s.Tasks().InsertTask(ctx, encoded, 1)
	require.NoError(t, err)

	p := parser.Func(func(ctx context.Context, stream io.Reader, metadata map[string]string) ([]model.MetadataRecord, error) {
		b, _ := io.ReadAll(stream)
		return []model.MetadataRecord{{"text": string(b)}}, nil
	})

	w := New(Config{WorkerID: 1, PollInterval: 5 * time.Millisecond}, s.Tasks(), s.Workers(), s.Errors(), s.Emits(),
		newRegistry(stubFetcher{id: "f1"}), p, zerolog.Nop())

	ctxRun, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	go func() { require.NoError(t, s.Workers().UpsertWorker(ctx, 1, model.WorkerShouldShutdown)) }()
	err = w.Run(ctxRun)
	require.True(t, err == ErrShouldShutdown || err == context.DeadlineExceeded)

	n, err := s.Emits().CountAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	avail, err := s.Tasks().CountAvailable(ctx)
	require.NoError(t, err)
	require.Zero(t, avail)
}

func TestWorkerFetchFailureResetsForRetry(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.Workers().UpsertWorker(ctx, 1, model.WorkerActive))

	tuple := model.FetchEmitTuple{
		FetchKey: model.FetchKey{FetcherID: "f1", Key: "doc1"},
		EmitKey:  model.EmitKey{EmitterID: "e1", Key: "doc1"},
	}
	encoded, err := model.EncodeTuple(tuple)
	require.NoError(t, err)
	taskID, err := s.Tasks().InsertTask(ctx, encoded, 1)
	require.NoError(t, err)

	p := parser.Func(func(ctx context.Context, stream io.Reader, metadata map[string]string) ([]model.MetadataRecord, error) {
		return nil, nil
	})
	w := New(Config{WorkerID: 1}, s.Tasks(), s.Workers(), s.Errors(), s.Emits(),
		newRegistry(stubFetcher{id: "f1", fail: true}), p, zerolog.Nop())

	task, err := s.Tasks().ClaimNextTaskForWorker(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, taskID, task.TaskID)

	w.process(ctx, task)

	avail, err := s.Tasks().CountAvailable(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, avail)
}

func TestWorkerSkipPolicyOnParseException(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	tuple := model.FetchEmitTuple{
		FetchKey:         model.FetchKey{FetcherID: "f1", Key: "doc1"},
		EmitKey:          model.EmitKey{EmitterID: "e1", Key: "doc1"},
		OnParseException: model.PolicySkip,
	}
	encoded, err := model.EncodeTuple(tuple)
	require.NoError(t, err)
	taskID, err := s.Tasks().InsertTask(ctx, encoded, 1)
	require.NoError(t, err)

	p := parser.Func(func(ctx context.Context, stream io.Reader, metadata map[string]string) ([]model.MetadataRecord, error) {
		return nil, fmt.Errorf("boom")
	})
	w := New(Config{WorkerID: 1}, s.Tasks(), s.Workers(), s.Errors(), s.Emits(),
		newRegistry(stubFetcher{id: "f1"}), p, zerolog.Nop())

	task, err := s.Tasks().ClaimNextTaskForWorker(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, taskID, task.TaskID)

	w.process(ctx, task)

	n, err := s.Emits().CountAll(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	avail, err := s.Tasks().CountAvailable(ctx)
	require.NoError(t, err)
	require.Zero(t, avail)
}
