// Package enqueuer implements C3 (spec §4.3): it drains the intake
// queue, assigns each tuple to a random ACTIVE worker, and persists it
// as an AVAILABLE task row. The poll-ticker/Run shape follows the
// teacher's internal/outbox.Worker; the worker-table lookup is wrapped
// in a gobreaker.CircuitBreaker since a degraded store should fail
// fast rather than let the control loop hang waiting on every tuple.
package enqueuer

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/mycelian/docdispatch/internal/intake"
	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/store"
)

// Config controls polling cadence and the worker-lookup ceiling.
type Config struct {
	// PollInterval is how often the worker table is re-read while no
	// ACTIVE worker exists.
	PollInterval time.Duration

	// NoWorkerTimeout bounds how long a tuple waits for an ACTIVE
	// worker to appear. When it expires, Run stops and returns
	// model.ErrNoActiveWorkers.
	NoWorkerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.NoWorkerTimeout <= 0 {
		c.NoWorkerTimeout = 10 * time.Minute
	}
	return c
}

// Enqueuer is C3.
type Enqueuer struct {
	queue   *intake.Queue
	tasks   store.Tasks
	wkr     store.Workers
	cfg     Config
	log     zerolog.Logger
	breaker *gobreaker.CircuitBreaker
	done    atomic.Bool
}

// New constructs an Enqueuer.
func New(queue *intake.Queue, tasks store.Tasks, workers store.Workers, cfg Config, log zerolog.Logger) *Enqueuer {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "enqueuer-worker-lookup",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 5 },
	})
	return &Enqueuer{
		queue:   queue,
		tasks:   tasks,
		wkr:     workers,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "enqueuer").Logger(),
		breaker: cb,
	}
}

// Run drains the intake queue until ctx is canceled, the queue
// reports COMPLETED with nothing left to take, or no ACTIVE worker
// appears within NoWorkerTimeout (spec §4.3, §4.2).
func (e *Enqueuer) Run(ctx context.Context) error {
	e.log.Info().Msg("enqueuer starting")
	for {
		tuple, ok, err := e.queue.Take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.log.Info().Msg("enqueuer stopping")
				return ctx.Err()
			}
			e.log.Error().Err(err).Msg("intake take")
			continue
		}
		if !ok {
			e.log.Info().Msg("enqueuer observed COMPLETED, exiting")
			e.done.Store(true)
			return nil
		}

		if err := e.enqueueOne(ctx, tuple); err != nil {
			e.log.Error().Err(err).Str("emitter", tuple.EmitKey.EmitterID).Msg("enqueue tuple failed")
			if errors.Is(err, model.ErrNoActiveWorkers) {
				return err
			}
		}
	}
}

// enqueueOne assigns tuple to a randomly-chosen ACTIVE worker and
// inserts the AVAILABLE task row (spec §4.3 step 2-3).
func (e *Enqueuer) enqueueOne(ctx context.Context, tuple model.FetchEmitTuple) error {
	workerID, err := e.waitForWorker(ctx)
	if err != nil {
		return err
	}

	encoded, err := model.EncodeTuple(tuple)
	if err != nil {
		return err
	}

	_, err = e.tasks.InsertTask(ctx, encoded, workerID)
	return err
}

// waitForWorker polls for at least one ACTIVE worker, picking one at
// random each time a set is found, capped at NoWorkerTimeout
// (spec §4.3: "if no worker is ACTIVE, wait up to 10 minutes").
func (e *Enqueuer) waitForWorker(ctx context.Context) (int64, error) {
	deadline := time.Now().Add(e.cfg.NoWorkerTimeout)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		ids, err := e.activeWorkers(ctx)
		if err == nil && len(ids) > 0 {
			return pickRandom(ids), nil
		}
		if err != nil {
			e.log.Warn().Err(err).Msg("worker lookup failed")
		}

		if time.Now().After(deadline) {
			return 0, model.ErrNoActiveWorkers
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Enqueuer) activeWorkers(ctx context.Context) ([]int64, error) {
	result, err := e.breaker.Execute(func() (interface{}, error) {
		return e.wkr.ActiveWorkerIDs(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]int64), nil
}

// Completed reports whether the intake queue has signalled COMPLETED
// and Run has drained it (spec §4.4 step 3's "enqueuer has signalled
// COMPLETED").
func (e *Enqueuer) Completed() bool {
	return e.done.Load()
}

func pickRandom(ids []int64) int64 {
	if len(ids) == 1 {
		return ids[0]
	}
	return ids[rand.IntN(len(ids))]
}
