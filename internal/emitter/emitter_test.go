package emitter

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/sink"
	"github.com/mycelian/docdispatch/internal/store/memstore"
)

type captureSink struct {
	mu      sync.Mutex
	id      string
	batches []sink.Batch
	fail    bool
}

func (s *captureSink) ID() string { return s.id }
func (s *captureSink) Emit(ctx context.Context, batch sink.Batch) error {
	if s.fail {
		return context.DeadlineExceeded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

func insertCompressedEmitRow(t *testing.T, emits interface {
	InsertEmitPayload(ctx context.Context, workerID int64, uncompressedSize int64, bytes []byte) (int64, error)
}, workerID int64, group model.EmitGroup) int64 {
	raw, err := json.Marshal(group)
	require.NoError(t, err)
	compressed := s2.Encode(nil, raw)
	id, err := emits.InsertEmitPayload(context.Background(), workerID, int64(len(raw)), compressed)
	require.NoError(t, err)
	return id
}

func TestEmitterFlushesOnTimeTrigger(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	group := model.EmitGroup{
		EmitKey:  model.EmitKey{EmitterID: "e1", Key: "k1"},
		Metadata: []model.MetadataRecord{{"text": "hello"}},
	}
	insertCompressedEmitRow(t, s.Emits(), 1, group)

	cs := &captureSink{id: "e1"}
	reg := sink.NewRegistry()
	reg.Register(cs)

	e := New(Config{WorkerID: 1, PollInterval: 5 * time.Millisecond, EmitWithinMs: 10 * time.Millisecond}, s.Emits(), s.Errors(), reg, zerolog.Nop())

	ctxRun, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_ = e.Run(ctxRun)

	cs.mu.Lock()
	defer cs.mu.Unlock()
	require.NotEmpty(t, cs.batches)

	n, err := s.Emits().CountAll(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEmitterKeepsRowOnSinkFailure(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	group := model.EmitGroup{
		EmitKey:  model.EmitKey{EmitterID: "e1", Key: "k1"},
		Metadata: []model.MetadataRecord{{"text": "hello"}},
	}
	insertCompressedEmitRow(t, s.Emits(), 1, group)

	cs := &captureSink{id: "e1", fail: true}
	reg := sink.NewRegistry()
	reg.Register(cs)

	e := New(Config{WorkerID: 1, PollInterval: 5 * time.Millisecond, EmitWithinMs: 10 * time.Millisecond}, s.Emits(), s.Errors(), reg, zerolog.Nop())

	ctxRun, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_ = e.Run(ctxRun)

	// The row was never deleted since emit failed, so it still exists
	// (claimed EMITTING) even though the cache was cleared (spec §4.7 step 4).
	n, err := s.Emits().CountAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
