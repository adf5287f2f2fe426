// Package emitter implements C7 (spec §4.7): it claims emit payload
// rows, decompresses and groups them by emitterId in an in-memory
// cache, and flushes each group to its configured downstream sink on
// a size or time trigger. Emitter calls are wrapped in a per-emitter
// sony/gobreaker circuit breaker, so after three consecutive failures
// calls to that sink fail fast for 10 seconds; claiming continues
// regardless of breaker state.
package emitter

import (
	"context"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/sink"
	"github.com/mycelian/docdispatch/internal/store"
	"github.com/mycelian/docdispatch/internal/worker"
)

// Config controls claim batch size and flush triggers (spec §4.7, §6).
type Config struct {
	WorkerID     int64
	ClaimBatch   int
	EmitMaxBytes int64
	EmitWithinMs time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 10
	}
	if c.EmitMaxBytes <= 0 {
		c.EmitMaxBytes = 10_000_000
	}
	if c.EmitWithinMs <= 0 {
		c.EmitWithinMs = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

// Emitter is C7.
type Emitter struct {
	cfg     Config
	emits   store.Emits
	errs    store.ErrorLog
	sinks   *sink.Registry
	log     zerolog.Logger
	cache   *cache
	lastFlush time.Time

	breakers map[string]*gobreaker.CircuitBreaker
}

// New constructs an Emitter.
func New(cfg Config, emits store.Emits, errs store.ErrorLog, sinks *sink.Registry, log zerolog.Logger) *Emitter {
	return &Emitter{
		cfg:      cfg.withDefaults(),
		emits:    emits,
		errs:     errs,
		sinks:    sinks,
		log:      log.With().Str("component", "emitter").Int64("worker_id", cfg.WorkerID).Logger(),
		cache:    newCache(),
		lastFlush: time.Now(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Run claims, groups, and flushes until ctx is canceled (spec §4.7).
func (e *Emitter) Run(ctx context.Context) error {
	e.log.Info().Msg("emitter starting")
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("emitter stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := e.claimAndGroup(ctx); err != nil {
				e.log.Error().Err(err).Msg("claim emit batch")
			}
			if e.shouldFlush() {
				e.flushAll(ctx)
			}
		}
	}
}

// claimAndGroup pulls up to ClaimBatch rows and adds them to the
// in-memory cache, keyed by emitterId (spec §4.7 steps 1-2).
func (e *Emitter) claimAndGroup(ctx context.Context) error {
	rows, err := e.emits.ClaimEmitBatch(ctx, e.cfg.WorkerID, e.cfg.ClaimBatch)
	if err != nil {
		return err
	}
	for _, row := range rows {
		raw, err := s2.Decode(nil, row.Bytes)
		if err != nil {
			e.log.Error().Err(err).Int64("emit_id", row.EmitID).Msg("decompress emit payload")
			continue
		}
		group, err := worker.DecodeEmitGroup(raw)
		if err != nil {
			e.log.Error().Err(err).Int64("emit_id", row.EmitID).Msg("decode emit payload")
			continue
		}
		e.cache.add(claimedRow{emitID: row.EmitID, group: group, size: row.UncompressedSize})
	}
	return nil
}

// shouldFlush reports whether the size or time trigger has fired
// (spec §4.7 step 3).
func (e *Emitter) shouldFlush() bool {
	if e.cache.empty() {
		return false
	}
	if e.cache.bytes > e.cfg.EmitMaxBytes {
		return true
	}
	return time.Since(e.lastFlush) > e.cfg.EmitWithinMs
}

// flushAll emits every grouped emitter's batch and deletes its rows
// on success; on failure the cache is cleared and each row's task is
// logged UNREACHABLE_EMIT (spec §4.7 step 4).
func (e *Emitter) flushAll(ctx context.Context) {
	for emitterID, rows := range e.cache.byEmitter {
		batch := make(sink.Batch, 0, len(rows))
		for _, r := range rows {
			batch = append(batch, r.group)
		}

		if err := e.emitWithBreaker(ctx, emitterID, batch); err != nil {
			e.log.Error().Err(err).Str("emitter", emitterID).Msg("emit batch failed")
			for _, r := range rows {
				entry := model.ErrorLogEntry{
					FetchKey: r.group.EmitKey.Key, Timestamp: time.Now(), ErrorCode: model.ErrUnreachableEmit,
				}
				if logErr := e.errs.InsertErrorLog(ctx, entry); logErr != nil {
					e.log.Error().Err(logErr).Msg("insert unreachable-emit log")
				}
			}
			continue
		}

		for _, r := range rows {
			if err := e.emits.DeleteEmit(ctx, r.emitID); err != nil {
				e.log.Error().Err(err).Int64("emit_id", r.emitID).Msg("delete flushed emit row")
			}
		}
	}
	e.cache.reset()
	e.lastFlush = time.Now()
}

func (e *Emitter) emitWithBreaker(ctx context.Context, emitterID string, batch sink.Batch) error {
	cb, ok := e.breakers[emitterID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "emitter-" + emitterID,
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
		})
		e.breakers[emitterID] = cb
	}
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, e.sinks.Emit(ctx, emitterID, batch)
	})
	return err
}
