// Package assignment implements C4, the 200ms control loop that keeps
// task ownership consistent with worker liveness (spec §4.4): it
// reassigns orphaned rows away from workers with no registry entry,
// rebalances load from overloaded ACTIVE workers to underloaded ones,
// and detects whole-system completion. Per-tick errors are batched
// with github.com/ygrebnov/errorc rather than aborting the tick on the
// first row that fails, since one bad reassignment should not block
// the rest of the sweep.
package assignment

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/ygrebnov/errorc"

	"github.com/mycelian/docdispatch/internal/store"
)

// CompletionSignal reports whether the enqueuer has drained the intake
// queue's COMPLETED sentinel (spec §4.4 step 3).
type CompletionSignal interface {
	Completed() bool
}

// Thresholds governs when rebalancing kicks in (spec §4.4 step 2):
// a pair is rebalanced once the longest queue exceeds
// max(MinFloor, SkewFactor×average) or the shortest is below MinFloor
// while the longest is above it; TransferFraction of the longest
// queue's AVAILABLE rows move to the shortest.
type Thresholds struct {
	MinFloor         int
	SkewFactor       float64
	TransferFraction float64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.MinFloor <= 0 {
		t.MinFloor = 5
	}
	if t.SkewFactor <= 0 {
		t.SkewFactor = 1.5
	}
	if t.TransferFraction <= 0 {
		t.TransferFraction = 0.8
	}
	return t
}

// Manager is C4.
type Manager struct {
	tasks      store.Tasks
	workers    store.Workers
	interval   time.Duration
	thresholds Thresholds
	enq        CompletionSignal
	log        zerolog.Logger
}

// New constructs a Manager. interval <= 0 defaults to 200ms (spec §4.4).
// enq reports enqueuer completion for the §4.4 step 3 shutdown check;
// it may be nil, in which case the manager never triggers whole-system
// shutdown on its own (an embedder driving shutdown itself, e.g. tests).
func New(tasks store.Tasks, workers store.Workers, interval time.Duration, thresholds Thresholds, enq CompletionSignal, log zerolog.Logger) *Manager {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Manager{
		tasks:      tasks,
		workers:    workers,
		interval:   interval,
		thresholds: thresholds.withDefaults(),
		enq:        enq,
		log:        log.With().Str("component", "assignment").Logger(),
	}
}

// Run ticks until ctx is canceled or the §4.4 step 3 completion check
// fires (spec §4.4).
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info().Dur("interval", m.interval).Msg("assignment manager starting")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("assignment manager stopping")
			return ctx.Err()
		case <-ticker.C:
			done, err := m.tick(ctx)
			if err != nil {
				m.log.Error().Err(err).Msg("assignment tick")
			}
			if done {
				m.log.Info().Msg("whole-system completion detected, shutting down all workers")
				return nil
			}
		}
	}
}

// tick runs one sweep: reassign orphaned rows, rebalance skewed load
// across still-ACTIVE workers, then check for whole-system completion
// (spec §4.4 steps 1-3). done reports whether step 3 fired.
func (m *Manager) tick(ctx context.Context) (done bool, err error) {
	agg := errorc.New()

	if err := m.reassignOrphaned(ctx); err != nil {
		agg.Add(err)
	}
	if err := m.rebalance(ctx); err != nil {
		agg.Add(err)
	}

	done, cerr := m.checkCompletion(ctx)
	if cerr != nil {
		agg.Add(cerr)
	}

	return done, agg.Err()
}

// checkCompletion implements spec §4.4 step 3: once the enqueuer has
// drained the COMPLETED sentinel and no AVAILABLE rows remain, every
// ACTIVE worker is flipped to SHOULD_SHUTDOWN and the loop exits.
func (m *Manager) checkCompletion(ctx context.Context) (bool, error) {
	if m.enq == nil || !m.enq.Completed() {
		return false, nil
	}
	n, err := m.tasks.CountAvailable(ctx)
	if err != nil {
		return false, err
	}
	if n != 0 {
		return false, nil
	}
	if err := m.workers.SetAllActiveToShouldShutdown(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// reassignOrphaned moves AVAILABLE rows owned by a worker id with no
// matching worker record onto a live ACTIVE worker (spec §4.4 step 1
// — crash recovery for workers that disappeared entirely).
func (m *Manager) reassignOrphaned(ctx context.Context) error {
	missing, err := m.tasks.FindMissingWorkers(ctx)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	active, err := m.workers.ActiveWorkerIDs(ctx)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil // nothing to reassign onto; next tick retries
	}

	agg := errorc.New()
	for i, orphanID := range missing {
		target := active[i%len(active)]
		if _, err := m.tasks.ReassignOwner(ctx, orphanID, target); err != nil {
			agg.Add(err)
		}
	}
	return agg.Err()
}

// workerLoad pairs a worker id with its AVAILABLE row count for sorting.
type workerLoad struct {
	id    int64
	count int
}

// rebalance sorts ACTIVE workers by AVAILABLE-row load and pairs
// longest against shortest down to the midpoint, transferring
// TransferFraction of the longest queue to the shortest wherever the
// pair's skew trips the threshold (spec §4.4 step 2, P6 convergence —
// a single max/min pair per tick does not converge in O(log N) ticks
// once more than two workers are active, so every pair must move).
func (m *Manager) rebalance(ctx context.Context) error {
	counts, err := m.tasks.CountAvailableByWorker(ctx)
	if err != nil {
		return err
	}
	active, err := m.workers.ActiveWorkerIDs(ctx)
	if err != nil {
		return err
	}
	if len(active) < 2 {
		return nil
	}

	loads := make([]workerLoad, len(active))
	total := 0
	for i, id := range active {
		n := counts[id]
		loads[i] = workerLoad{id: id, count: n}
		total += n
	}
	sort.Slice(loads, func(i, j int) bool {
		if loads[i].count != loads[j].count {
			return loads[i].count > loads[j].count
		}
		return loads[i].id < loads[j].id // tie-break: lower worker id first
	})

	average := float64(total) / float64(len(loads))
	floor := math.Max(float64(m.thresholds.MinFloor), m.thresholds.SkewFactor*average)

	agg := errorc.New()
	for i, j := 0, len(loads)-1; i < j; i, j = i+1, j-1 {
		longest, shortest := loads[i], loads[j]
		trip := float64(longest.count) > floor ||
			(shortest.count < m.thresholds.MinFloor && longest.count > m.thresholds.MinFloor)
		if !trip {
			continue
		}
		if _, err := m.tasks.Rebalance(ctx, longest.id, shortest.id, m.thresholds.TransferFraction); err != nil {
			agg.Add(err)
		}
	}
	return agg.Err()
}
