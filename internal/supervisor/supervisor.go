// Package supervisor implements C5 (spec §4.5): it spawns one worker
// process per registered worker id, watches for crashes by waiting on
// the process's exit, resets in-flight rows a crashed worker owned,
// and restarts it up to a configured ceiling. The injectable
// cmdFactory mirrors a common orchestrator-injection pattern
// (other_examples orchestrator.go) so tests never spawn a real process.
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/store"
)

// CmdFactory builds the *exec.Cmd used to launch a worker process.
type CmdFactory func(ctx context.Context, workerID int64) *exec.Cmd

// Config controls heartbeat cadence and restart policy (spec §4.5).
type Config struct {
	// HeartbeatTimeout and HeartbeatPoll are defaulted (30s and 5s) but
	// not read by the supervisor: a crash is detected only when the
	// worker process exits with a non-zero status.
	HeartbeatTimeout time.Duration
	HeartbeatPoll    time.Duration

	// MaxRestarts bounds how many times a given worker id may be
	// respawned after a crash before it is abandoned (0 = unbounded,
	// spec §9 Open Question / SPEC_FULL supplement).
	MaxRestarts int

	// ShutdownGrace is how long a SHOULD_SHUTDOWN worker is given to
	// exit on its own before being force-killed (spec §9 Open Question 3).
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.HeartbeatPoll <= 0 {
		c.HeartbeatPoll = 5 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 60 * time.Second
	}
	return c
}

type workerProc struct {
	id          int64
	cmd         *exec.Cmd
	cancel      context.CancelFunc
	done        chan struct{}
	restarts    int
	lastSeen    time.Time
	shutdownReq bool // set by Shutdown before it waits, so a clean exit isn't mistaken for a crash
}

// Supervisor is C5.
type Supervisor struct {
	tasks   store.Tasks
	emits   store.Emits
	workers store.Workers
	errs    store.ErrorLog
	factory CmdFactory
	cfg     Config
	log     zerolog.Logger

	mu    sync.Mutex
	procs map[int64]*workerProc
}

// New constructs a Supervisor. errs receives one UNKNOWN_PARSE entry
// per row recovered from a crashed worker (spec §4.5).
func New(tasks store.Tasks, emits store.Emits, workers store.Workers, errs store.ErrorLog, factory CmdFactory, cfg Config, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		tasks:   tasks,
		emits:   emits,
		workers: workers,
		errs:    errs,
		factory: factory,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "supervisor").Logger(),
		procs:   make(map[int64]*workerProc),
	}
}

// Spawn starts a worker process for workerID, registering it ACTIVE
// and recovering any rows it owned from a prior incarnation
// (spec §4.5: a respawned worker resumes its own IN_PROCESS rows).
func (s *Supervisor) Spawn(ctx context.Context, workerID int64) error {
	s.mu.Lock()
	if _, exists := s.procs[workerID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: worker %d already running", workerID)
	}
	s.mu.Unlock()

	if err := s.workers.UpsertWorker(ctx, workerID, model.WorkerActive); err != nil {
		return err
	}
	if err := s.recoverInFlight(ctx, workerID); err != nil {
		s.log.Warn().Err(err).Int64("worker", workerID).Msg("recover in-flight rows")
	}

	return s.spawnProcess(ctx, workerID)
}

func (s *Supervisor) spawnProcess(parent context.Context, workerID int64) error {
	procCtx, cancel := context.WithCancel(parent)
	cmd := s.factory(procCtx, workerID)

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start worker %d: %w", workerID, err)
	}

	wp := &workerProc{id: workerID, cmd: cmd, cancel: cancel, done: make(chan struct{}), lastSeen: time.Now()}
	s.mu.Lock()
	if existing, ok := s.procs[workerID]; ok {
		wp.restarts = existing.restarts
	}
	s.procs[workerID] = wp
	s.mu.Unlock()

	go s.waitForExit(parent, wp)
	s.log.Info().Int64("worker", workerID).Msg("worker process started")
	return nil
}

func (s *Supervisor) waitForExit(parent context.Context, wp *workerProc) {
	err := wp.cmd.Wait()
	close(wp.done)

	s.mu.Lock()
	current, tracked := s.procs[wp.id]
	superseded := !tracked || current != wp
	// A clean exit (code 0) is never a crash (spec §4.5 "On exit code
	// 0: mark worker SHUTDOWN, return"), regardless of whether it was
	// reached via Shutdown/ShutdownAll or the worker observed its own
	// SHOULD_SHUTDOWN row directly (spec §4.4 step 3, §4.6 step 2).
	crashed := !superseded && !wp.shutdownReq && err != nil
	cleanUnsupervised := !superseded && !wp.shutdownReq && err == nil
	if !superseded {
		delete(s.procs, wp.id)
	}
	s.mu.Unlock()

	if cleanUnsupervised {
		if uerr := s.workers.UpsertWorker(parent, wp.id, model.WorkerShutdown); uerr != nil {
			s.log.Error().Err(uerr).Int64("worker", wp.id).Msg("mark worker shutdown")
		}
	}

	if !crashed {
		return // superseded by a restart, a deliberate shutdown, or a clean exit
	}

	s.log.Warn().Err(err).Int64("worker", wp.id).Msg("worker process exited with error")
	s.handleCrash(parent, wp)
}

// handleCrash resets the crashed worker's in-flight rows (tasks back
// to AVAILABLE, emits back to READY) and restarts it unless the
// restart ceiling has been reached, in which case the worker is
// abandoned and its rows fall to the assignment manager's orphan
// sweep (spec §4.4 step 1, §4.5, §9 supplement).
func (s *Supervisor) handleCrash(ctx context.Context, wp *workerProc) {
	if err := s.recoverInFlight(ctx, wp.id); err != nil {
		s.log.Error().Err(err).Int64("worker", wp.id).Msg("recover rows after crash")
	}

	if s.cfg.MaxRestarts > 0 && wp.restarts >= s.cfg.MaxRestarts {
		s.log.Error().Int64("worker", wp.id).Int("restarts", wp.restarts).Msg("worker exceeded restart ceiling, abandoning")
		_ = s.workers.DeleteWorker(ctx, wp.id)
		return
	}

	if err := s.workers.UpsertWorker(ctx, wp.id, model.WorkerActive); err != nil {
		s.log.Error().Err(err).Int64("worker", wp.id).Msg("re-register restarted worker")
		return
	}

	if err := s.spawnProcess(ctx, wp.id); err != nil {
		s.log.Error().Err(err).Int64("worker", wp.id).Msg("restart worker")
		return
	}
	s.mu.Lock()
	if np, ok := s.procs[wp.id]; ok {
		np.restarts = wp.restarts + 1
	}
	s.mu.Unlock()
}

// recoverInFlight resets a worker's IN_PROCESS task rows back to
// AVAILABLE, logging an UNKNOWN_PARSE error-log entry for each one
// (spec §4.5: "append an error-log entry with code UNKNOWN_PARSE ...
// and resetTaskToAvailable(taskId, retry+1)"), and resets its EMITTING
// rows back to READY (spec I3, I7).
func (s *Supervisor) recoverInFlight(ctx context.Context, workerID int64) error {
	inFlight, err := s.tasks.ListInProcessForWorker(ctx, workerID)
	if err != nil {
		return err
	}
	for _, tk := range inFlight {
		newRetry, err := s.tasks.ResetTaskToAvailable(ctx, tk.TaskID)
		if err != nil {
			return err
		}
		if s.errs == nil {
			continue
		}
		entry := model.ErrorLogEntry{
			TaskID:    tk.TaskID,
			FetchKey:  fetchKeyOf(tk),
			Timestamp: time.Now(),
			Retry:     newRetry,
			ErrorCode: model.ErrUnknownParse,
		}
		if err := s.errs.InsertErrorLog(ctx, entry); err != nil {
			s.log.Error().Err(err).Int64("worker", workerID).Int64("task", tk.TaskID).Msg("insert error log for recovered row")
		}
	}
	if s.emits != nil {
		if _, err := s.emits.ResetEmittingForWorker(ctx, workerID); err != nil {
			return err
		}
	}
	return nil
}

// fetchKeyOf decodes a task row's stored tuple to recover its
// FetchKey for the error log, matching internal/worker's encoding.
func fetchKeyOf(tk model.Task) string {
	tuple, err := model.DecodeTuple(tk.JSON)
	if err != nil {
		return ""
	}
	return tuple.FetchKey.FetcherID + ":" + tuple.FetchKey.Key
}

// Shutdown requests graceful exit for workerID: flips it to
// SHOULD_SHUTDOWN and waits up to ShutdownGrace for it to exit on its
// own before force-killing (spec §4.4 step 3, §9 Open Question 3 —
// a forced kill after the grace period is treated as a crash for
// recovery purposes but the worker is not respawned).
func (s *Supervisor) Shutdown(ctx context.Context, workerID int64) error {
	if err := s.workers.UpsertWorker(ctx, workerID, model.WorkerShouldShutdown); err != nil {
		return err
	}

	s.mu.Lock()
	wp, ok := s.procs[workerID]
	if ok {
		wp.shutdownReq = true
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-wp.done:
	case <-time.After(s.cfg.ShutdownGrace):
		wp.cancel()
		<-wp.done
		if err := s.recoverInFlight(ctx, workerID); err != nil {
			s.log.Error().Err(err).Int64("worker", workerID).Msg("recover rows after forced shutdown")
		}
	}

	s.mu.Lock()
	if current, tracked := s.procs[workerID]; tracked && current == wp {
		delete(s.procs, workerID)
	}
	s.mu.Unlock()

	return s.workers.UpsertWorker(ctx, workerID, model.WorkerShutdown)
}

// ShutdownAll requests graceful shutdown of every currently-supervised worker.
func (s *Supervisor) ShutdownAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Shutdown(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ActiveCount reports how many workers are currently supervised.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}
