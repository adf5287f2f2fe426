package dispatch

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/docdispatch/internal/config"
	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/sink"
	"github.com/mycelian/docdispatch/internal/supervisor"
)

func longSleepFactory() supervisor.CmdFactory {
	return func(ctx context.Context, workerID int64) *exec.Cmd {
		return exec.CommandContext(ctx, "sleep", "30")
	}
}

type capturingSink struct {
	mu    sync.Mutex
	id    string
	total int
}

func (s *capturingSink) ID() string { return s.id }
func (s *capturingSink) Emit(ctx context.Context, batch sink.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += len(batch)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		QueueSize:    50,
		MaxWorkers:   1,
		EmitMaxBytes: 10_000_000,
		EmitWithinMs: 20,
	}
}

func TestDispatcherOfferRejectedAfterClose(t *testing.T) {
	cfg := testConfig()
	reg := sink.NewRegistry()
	reg.Register(&capturingSink{id: "e1"})

	d := NewForTesting(cfg, Options{WorkerCmd: longSleepFactory(), Sinks: reg}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Start(ctx))
	require.True(t, d.CheckActive())

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	require.NoError(t, d.Close(closeCtx))

	tuple := model.FetchEmitTuple{
		FetchKey: model.FetchKey{FetcherID: "f1", Key: "k"},
		EmitKey:  model.EmitKey{EmitterID: "e1", Key: "k"},
	}
	err := d.Offer(context.Background(), tuple, 10*time.Millisecond)
	require.ErrorIs(t, err, model.ErrShuttingDown)
}

func TestDispatcherShutdownNowDoesNotBlock(t *testing.T) {
	cfg := testConfig()
	reg := sink.NewRegistry()
	reg.Register(&capturingSink{id: "e1"})

	d := NewForTesting(cfg, Options{WorkerCmd: longSleepFactory(), Sinks: reg}, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	done := make(chan struct{})
	go func() {
		d.ShutdownNow()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ShutdownNow did not return promptly")
	}
}

func TestDispatcherCheckActiveReflectsFatalComponentError(t *testing.T) {
	cfg := testConfig()
	reg := sink.NewRegistry()
	reg.Register(&capturingSink{id: "e1"})

	d := NewForTesting(cfg, Options{WorkerCmd: longSleepFactory(), Sinks: reg}, zerolog.Nop())
	require.NoError(t, d.Start(context.Background()))
	require.True(t, d.CheckActive())

	d.latch.report(fmt.Errorf("store unreachable"))
	require.False(t, d.CheckActive())
	require.Error(t, d.FatalErr())

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = d.Close(closeCtx)
}
