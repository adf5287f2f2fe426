package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/store/memstore"
)

func sleepFactory(d time.Duration) CmdFactory {
	return func(ctx context.Context, workerID int64) *exec.Cmd {
		return exec.CommandContext(ctx, "sleep", fmt.Sprintf("%f", d.Seconds()))
	}
}

// crashFactory simulates a worker that crashes: it sleeps briefly then
// exits non-zero.
func crashFactory(d time.Duration) CmdFactory {
	return func(ctx context.Context, workerID int64) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("sleep %f; exit 1", d.Seconds()))
	}
}

func TestSpawnRegistersWorkerActive(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	sup := New(s.Tasks(), s.Emits(), s.Workers(), s.Errors(), sleepFactory(2*time.Second), Config{}, zerolog.Nop())

	require.NoError(t, sup.Spawn(ctx, 1))

	st, err := s.Workers().Status(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, model.WorkerActive, st)
	require.Equal(t, 1, sup.ActiveCount())
}

func TestCrashResetsInFlightRows(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	taskID, err := s.Tasks().InsertTask(ctx, `{}`, 1)
	require.NoError(t, err)
	claimed, err := s.Tasks().ClaimNextTaskForWorker(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	sup := New(s.Tasks(), s.Emits(), s.Workers(), s.Errors(), crashFactory(10*time.Millisecond), Config{MaxRestarts: 0}, zerolog.Nop())
	require.NoError(t, sup.Spawn(ctx, 1))

	require.Eventually(t, func() bool {
		n, _ := s.Tasks().CountAvailable(ctx)
		return n == 1
	}, 2*time.Second, 20*time.Millisecond)

	entries, err := s.Errors().ListErrorLog(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, model.ErrUnknownParse, entries[0].ErrorCode)
	require.Equal(t, int32(1), entries[0].Retry)
}

func TestShutdownGracefulExit(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	sup := New(s.Tasks(), s.Emits(), s.Workers(), s.Errors(), sleepFactory(50*time.Millisecond), Config{ShutdownGrace: 2 * time.Second}, zerolog.Nop())
	require.NoError(t, sup.Spawn(ctx, 1))

	require.NoError(t, sup.Shutdown(ctx, 1))

	st, err := s.Workers().Status(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, model.WorkerShutdown, st)
}
