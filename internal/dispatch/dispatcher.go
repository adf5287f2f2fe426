// Package dispatch implements C8, the top-level supervisor (spec §4.8):
// it creates the store schema, wires the intake queue, enqueuer,
// assignment manager, worker supervisor, and batched emitter together,
// and owns cooperative/forced shutdown choreography. This mirrors the
// teacher-adjacent orchestrator's top-level Orchestrator type (other_examples
// orchestrator.go) generalized from a single worker pool to the full
// C1-C7 pipeline.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mycelian/docdispatch/internal/assignment"
	"github.com/mycelian/docdispatch/internal/config"
	"github.com/mycelian/docdispatch/internal/emitter"
	"github.com/mycelian/docdispatch/internal/enqueuer"
	"github.com/mycelian/docdispatch/internal/intake"
	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/sink"
	"github.com/mycelian/docdispatch/internal/store"
	"github.com/mycelian/docdispatch/internal/store/memstore"
	"github.com/mycelian/docdispatch/internal/store/postgres"
	"github.com/mycelian/docdispatch/internal/store/sqlitestore"
	"github.com/mycelian/docdispatch/internal/supervisor"
)

// autoCloseTimeout bounds the drain/close sequence Start triggers on
// its own once the assignment manager detects whole-system completion
// (spec §4.4 step 3) — an embedder calling Close explicitly can pass
// whatever deadline it wants, but this autonomous path needs one too.
const autoCloseTimeout = 2 * time.Minute

// Dispatcher is C8: the composition root an embedder constructs once
// per process (spec §4.8).
type Dispatcher struct {
	cfg   *config.Config
	store store.Store
	log   zerolog.Logger

	queue *intake.Queue
	enq   *enqueuer.Enqueuer
	mgr   *assignment.Manager
	sup   *supervisor.Supervisor
	emit  *emitter.Emitter

	latch  *errLatch
	cancel context.CancelFunc

	wg      sync.WaitGroup
	enqDone chan struct{}

	mu      sync.Mutex
	closing bool
	closed  bool
	tempDir string
}

// Options lets an embedder supply the emitter sink registry C7 flushes
// to, and, for worker children, the command used to launch them (spec
// §6: workers receive the store handle, parser config path, and worker
// id via environment; fetchers/parsers are wired inside the worker
// process itself, not here — see cmd/dispatchworker).
type Options struct {
	Sinks     *sink.Registry
	WorkerCmd supervisor.CmdFactory // nil uses the default exec.Command-based factory
}

// New constructs the store backend from cfg, builds C1-C7, and returns
// a Dispatcher ready for Start. It does not spawn anything yet.
func New(cfg *config.Config, opts Options, log zerolog.Logger) (*Dispatcher, error) {
	st, tempDir, err := openStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("dispatch: open store: %w", err)
	}

	queue := intake.New(cfg.QueueSize)

	enq := enqueuer.New(queue, st.Tasks(), st.Workers(), enqueuer.Config{}, log)
	mgr := assignment.New(st.Tasks(), st.Workers(), 200*time.Millisecond, assignment.Thresholds{}, enq, log)

	factory := opts.WorkerCmd
	if factory == nil {
		factory = defaultWorkerCmdFactory(cfg)
	}
	sup := supervisor.New(st.Tasks(), st.Emits(), st.Workers(), st.Errors(), factory, supervisor.Config{
		MaxRestarts: cfg.MaxWorkerRestarts,
	}, log)

	em := emitter.New(emitter.Config{
		// WorkerID here is the emitter's own claim identity, not a
		// producer worker id: ClaimEmitBatch pulls READY rows across
		// all producers and stamps them with this id so a crashed
		// emitter's EMITTING rows can be found and reset for retry.
		WorkerID:     0,
		EmitMaxBytes: cfg.EmitMaxBytes,
		EmitWithinMs: time.Duration(cfg.EmitWithinMs) * time.Millisecond,
	}, st.Emits(), st.Errors(), opts.Sinks, log)

	runID := uuid.NewString()
	return &Dispatcher{
		cfg:     cfg,
		store:   st,
		log:     log.With().Str("component", "dispatcher").Str("dispatch_run", runID).Logger(),
		queue:   queue,
		enq:     enq,
		mgr:     mgr,
		sup:     sup,
		emit:    em,
		tempDir: tempDir,
	}, nil
}

func openStore(cfg *config.Config, log zerolog.Logger) (store.Store, string, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		if err := postgres.Bootstrap(context.Background(), cfg.StoreConnString); err != nil {
			return nil, "", err
		}
		db, err := postgres.Open(cfg.StoreConnString)
		if err != nil {
			return nil, "", err
		}
		return postgres.NewWithDB(db), "", nil
	case config.DriverSQLite:
		// cfg.TempStoreDir is resolved (and made unique when the caller
		// left it blank) by Config.ResolveDefaults before New ever sees it.
		dir := cfg.TempStoreDir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), "docdispatch-"+uuid.NewString())
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, "", err
		}
		st, err := sqlitestore.Open(dir + "/dispatch.db")
		return st, dir, err
	default:
		return nil, "", fmt.Errorf("dispatch: unsupported store driver %q", cfg.StoreDriver)
	}
}

// NewForTesting wires an in-memory store, for use by dispatcher tests
// and embedders that only need unit-test fidelity.
func NewForTesting(cfg *config.Config, opts Options, log zerolog.Logger) *Dispatcher {
	st := memstore.New()
	queue := intake.New(cfg.QueueSize)
	enq := enqueuer.New(queue, st.Tasks(), st.Workers(), enqueuer.Config{}, log)
	mgr := assignment.New(st.Tasks(), st.Workers(), 20*time.Millisecond, assignment.Thresholds{}, enq, log)
	sup := supervisor.New(st.Tasks(), st.Emits(), st.Workers(), st.Errors(), opts.WorkerCmd, supervisor.Config{}, log)
	em := emitter.New(emitter.Config{EmitMaxBytes: cfg.EmitMaxBytes, EmitWithinMs: time.Duration(cfg.EmitWithinMs) * time.Millisecond}, st.Emits(), st.Errors(), opts.Sinks, log)

	return &Dispatcher{cfg: cfg, store: st, log: log.With().Str("component", "dispatcher").Logger(), queue: queue, enq: enq, mgr: mgr, sup: sup, emit: em}
}

func defaultWorkerCount() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

func defaultWorkerCmdFactory(cfg *config.Config) supervisor.CmdFactory {
	return func(ctx context.Context, workerID int64) *exec.Cmd {
		cmd := exec.CommandContext(ctx, cfg.WorkerBinaryPath)
		cmd.Env = append(os.Environ(),
			fmt.Sprintf("DISPATCH_WORKER_ID=%d", workerID),
			fmt.Sprintf("DISPATCH_STORE_CONNECTION_STRING=%s", cfg.StoreConnString),
			fmt.Sprintf("DISPATCH_PARSER_CONFIG_PATH=%s", cfg.ParserConfigPath),
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd
	}
}

// Start spawns C3, C4, one C5 supervisor goroutine per configured
// worker, and M=1 C7 emitter (spec §4.8), returning once everything is
// running. Fatal component errors are latched and surface through
// CheckActive.
func (d *Dispatcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.latch = newErrLatch(func(error) { cancel() })

	maxWorkers := d.cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defaultWorkerCount()
	}
	for i := int64(1); i <= int64(maxWorkers); i++ {
		if err := d.sup.Spawn(runCtx, i); err != nil {
			cancel()
			return fmt.Errorf("dispatch: spawn worker %d: %w", i, err)
		}
	}

	d.enqDone = make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(d.enqDone)
		if err := d.enq.Run(runCtx); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
			d.log.Error().Err(err).Str("component", "enqueuer").Msg("component exited with error")
			d.latch.report(fmt.Errorf("enqueuer: %w", err))
		}
	}()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := d.mgr.Run(runCtx)
		switch {
		case err == nil:
			// mgr.Run only returns nil when it detected whole-system
			// completion (spec §4.4 step 3) and flipped every ACTIVE
			// worker to SHOULD_SHUTDOWN; drive the same drain/close
			// choreography an embedder's own Close call would.
			d.log.Info().Msg("assignment manager detected completion, closing dispatcher")
			go func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), autoCloseTimeout)
				defer cancel()
				if cerr := d.Close(closeCtx); cerr != nil {
					d.log.Error().Err(cerr).Msg("close after autonomous completion")
				}
			}()
		case err != context.Canceled && err != context.DeadlineExceeded:
			d.log.Error().Err(err).Str("component", "assignment").Msg("component exited with error")
			d.latch.report(fmt.Errorf("assignment: %w", err))
		}
	}()
	d.runComponent("emitter", func() error { return d.emit.Run(runCtx) })

	d.log.Info().Int("workers", maxWorkers).Msg("dispatcher started")
	return nil
}

// Tasks exposes the underlying task store for read-only diagnostics
// surfaces (internal/dispatch/httpapi's GET /queue).
func (d *Dispatcher) Tasks() store.Tasks { return d.store.Tasks() }

func (d *Dispatcher) runComponent(name string, fn func() error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
			d.log.Error().Err(err).Str("component", name).Msg("component exited with error")
			d.latch.report(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// Offer forwards tuple to the intake queue, returning ErrShuttingDown
// if Close has already been called (spec §4.8 offer(tuples, timeout)).
func (d *Dispatcher) Offer(ctx context.Context, tuple model.FetchEmitTuple, timeout time.Duration) error {
	if d.isClosing() {
		return model.ErrShuttingDown
	}
	if err := d.queue.Offer(ctx, tuple, timeout); err != nil {
		if err == intake.ErrQueueClosed {
			return model.ErrShuttingDown
		}
		return err
	}
	return nil
}

// OfferBatch forwards a batch atomically (spec §4.2).
func (d *Dispatcher) OfferBatch(ctx context.Context, tuples []model.FetchEmitTuple, timeout time.Duration) error {
	if d.isClosing() {
		return model.ErrShuttingDown
	}
	if err := d.queue.OfferBatch(ctx, tuples, timeout); err != nil {
		if err == intake.ErrQueueClosed {
			return model.ErrShuttingDown
		}
		return err
	}
	return nil
}

func (d *Dispatcher) isClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closing
}

// CheckActive reports whether the dispatcher is still healthy: it
// returns false once a fatal component error has been latched
// (spec §4.8 checkActive, §7 Supervisor-fatal).
func (d *Dispatcher) CheckActive() bool {
	return d.latch.fatal() == nil
}

// FatalErr returns the first fatal component error observed, or nil.
func (d *Dispatcher) FatalErr() error {
	return d.latch.fatal()
}

// Close places a COMPLETED sentinel on the intake queue and waits, in
// order, for: the enqueuer to drain every queued tuple into the task
// store, every worker to finish its remaining AVAILABLE/IN_PROCESS rows
// and exit, and the emitter to flush every remaining emit row. Only
// then does it cancel the assignment manager and emitter loops and
// remove any temp store resources (spec §4.8 close(), §5 cooperative
// cancellation). Calling it before the enqueuer drains would let
// workers see SHOULD_SHUTDOWN and exit while tuples are still waiting
// to become task rows.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	d.mu.Unlock()

	d.queue.Close()

	if d.enqDone != nil {
		select {
		case <-d.enqDone:
		case <-ctx.Done():
			d.log.Warn().Msg("close: timed out waiting for enqueuer to drain")
		}
	}

	if err := d.sup.ShutdownAll(ctx); err != nil {
		d.log.Error().Err(err).Msg("shutdown workers")
	}

	d.waitForEmitsDrained(ctx)

	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if err := d.store.Close(); err != nil {
		d.log.Error().Err(err).Msg("close store")
	}
	if d.tempDir != "" {
		if err := os.RemoveAll(d.tempDir); err != nil {
			d.log.Error().Err(err).Str("dir", d.tempDir).Msg("remove temp store dir")
		}
	}

	d.log.Info().Msg("dispatcher closed")
	return nil
}

// waitForEmitsDrained polls the emit table until it is empty, ctx is
// done, or the emitter has had a reasonable window to catch up — the
// emitter's own ticker governs how quickly READY rows get flushed.
func (d *Dispatcher) waitForEmitsDrained(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		n, err := d.store.Emits().CountAll(ctx)
		if err != nil {
			d.log.Warn().Err(err).Msg("close: count emits failed")
			return
		}
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			d.log.Warn().Int("remaining", n).Msg("close: timed out waiting for emits to drain")
			return
		case <-ticker.C:
		}
	}
}

// ShutdownNow forces an immediate, non-cooperative stop: it cancels
// every component's context without waiting for drain (spec §4.8
// shutdownNow(), §5 "all threads are interrupted, worker child
// processes are killed"). In-flight rows are left IN_PROCESS/EMITTING
// for the next startup's crash-recovery sweep to reclaim.
func (d *Dispatcher) ShutdownNow() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closing = true
	d.closed = true
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	d.queue.Close()
	d.wg.Wait()
	_ = d.store.Close()
	if d.tempDir != "" {
		_ = os.RemoveAll(d.tempDir)
	}
}
