package worker

import (
	"context"
	"errors"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog"

	"github.com/mycelian/docdispatch/internal/fetcher"
	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/parser"
	"github.com/mycelian/docdispatch/internal/store"
)

// ErrShouldShutdown is returned by Run when the worker observed its
// own SHOULD_SHUTDOWN status with no task to claim (spec §4.6 step 2).
var ErrShouldShutdown = errors.New("worker: observed SHOULD_SHUTDOWN, exiting clean")

// Config controls the worker's claim poll cadence and per-task timeout.
type Config struct {
	WorkerID    int64
	PollInterval time.Duration
	ParseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

// Worker is C6.
type Worker struct {
	cfg      Config
	tasks    store.Tasks
	workers  store.Workers
	errs     store.ErrorLog
	emits    store.Emits
	fetchers *fetcher.Registry
	parser   parser.Parser
	log      zerolog.Logger
}

// New constructs a Worker.
func New(cfg Config, tasks store.Tasks, workers store.Workers, errs store.ErrorLog, emits store.Emits, fetchers *fetcher.Registry, p parser.Parser, log zerolog.Logger) *Worker {
	return &Worker{
		cfg:      cfg.withDefaults(),
		tasks:    tasks,
		workers:  workers,
		errs:     errs,
		emits:    emits,
		fetchers: fetchers,
		parser:   p,
		log:      log.With().Str("component", "worker").Int64("worker_id", cfg.WorkerID).Logger(),
	}
}

// Run executes the claim/parse/emit loop until ctx is canceled or the
// worker observes SHOULD_SHUTDOWN with nothing left to do (spec §4.6).
func (w *Worker) Run(ctx context.Context) error {
	if err := w.workers.UpsertWorker(ctx, w.cfg.WorkerID, model.WorkerActive); err != nil {
		return err
	}
	w.log.Info().Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		task, err := w.tasks.ClaimNextTaskForWorker(ctx, w.cfg.WorkerID)
		if err != nil {
			w.log.Error().Err(err).Msg("claim task")
			time.Sleep(w.cfg.PollInterval)
			continue
		}

		if task == nil {
			shouldShutdown, err := w.shouldShutdown(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("check worker status")
			} else if shouldShutdown {
				if err := w.workers.UpsertWorker(ctx, w.cfg.WorkerID, model.WorkerShutdown); err != nil {
					return err
				}
				w.log.Info().Msg("worker observed SHOULD_SHUTDOWN, exiting clean")
				return ErrShouldShutdown
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		w.process(ctx, task)
	}
}

func (w *Worker) shouldShutdown(ctx context.Context) (bool, error) {
	status, err := w.workers.Status(ctx, w.cfg.WorkerID)
	if err != nil {
		return false, err
	}
	return status == model.WorkerShouldShutdown, nil
}

// process runs one task through fetch -> parse -> emit -> mark
// processed (spec §4.6 steps 3-5), applying the onParseException
// policy on parser failure and, on a fetch failure, logging it and
// resetting the row to AVAILABLE for retry.
func (w *Worker) process(ctx context.Context, task *model.Task) {
	tuple, err := model.DecodeTuple(task.JSON)
	if err != nil {
		w.terminalFail(ctx, task, model.ErrUnknownParse, tuple.FetchKey)
		return
	}

	parseCtx := ctx
	var cancel context.CancelFunc
	if w.cfg.ParseTimeout > 0 {
		parseCtx, cancel = context.WithTimeout(ctx, w.cfg.ParseTimeout)
		defer cancel()
	}

	records, fetchErr, parseErr := w.fetchAndParse(parseCtx, tuple)
	if fetchErr != nil {
		w.log.Warn().Err(fetchErr).Str("fetcher", tuple.FetchKey.FetcherID).Msg("fetch failed, resetting for retry")
		if err := w.logAndReset(ctx, task, tuple.FetchKey, model.ErrUnreachableFetch); err != nil {
			w.log.Error().Err(err).Msg("reset task after fetch failure")
		}
		return
	}

	if parseErr != nil {
		w.handleParseException(ctx, task, tuple, parseErr)
		return
	}

	if err := w.emitAndComplete(ctx, task, tuple.EmitKey, records); err != nil {
		w.log.Error().Err(err).Msg("emit and complete")
	}
}

func (w *Worker) fetchAndParse(ctx context.Context, tuple model.FetchEmitTuple) ([]model.MetadataRecord, error, error) {
	stream, err := w.fetchers.Fetch(ctx, tuple.FetchKey.FetcherID, tuple.FetchKey.Key)
	if err != nil {
		return nil, err, nil
	}
	defer func() { _ = stream.Close() }()

	records, err := w.parser.Parse(ctx, stream, tuple.Metadata)
	if err != nil {
		return nil, nil, err
	}
	return records, nil, nil
}

// handleParseException applies the tuple's onParseException policy
// (spec §4.6 "Parse failure policy").
func (w *Worker) handleParseException(ctx context.Context, task *model.Task, tuple model.FetchEmitTuple, parseErr error) {
	policy := tuple.OnParseException
	if policy == "" {
		policy = model.PolicySkip
	}

	switch policy {
	case model.PolicyEmitEmpty:
		if err := w.emitAndComplete(ctx, task, tuple.EmitKey, nil); err != nil {
			w.log.Error().Err(err).Msg("emit empty on parse exception")
		}
	default: // SKIP
		w.terminalFail(ctx, task, model.ErrUnknownParse, tuple.FetchKey)
	}
}

// emitAndComplete compresses and inserts the emit payload, then marks
// the task row processed (spec §4.6 steps 4-5).
func (w *Worker) emitAndComplete(ctx context.Context, task *model.Task, key model.EmitKey, records []model.MetadataRecord) error {
	group := model.EmitGroup{EmitKey: key, Metadata: records}
	raw, err := encodeEmitGroup(group)
	if err != nil {
		return err
	}
	compressed := s2.Encode(nil, raw)

	if _, err := w.emits.InsertEmitPayload(ctx, w.cfg.WorkerID, int64(len(raw)), compressed); err != nil {
		return err
	}
	return w.tasks.MarkTaskProcessed(ctx, task.TaskID)
}

// terminalFail logs a terminal error-log entry and deletes the task
// row without retry (spec §4.6 SKIP policy, §7).
func (w *Worker) terminalFail(ctx context.Context, task *model.Task, code model.ErrorCode, key model.FetchKey) {
	entry := model.ErrorLogEntry{
		TaskID: task.TaskID, FetchKey: encodeFetchKey(key), Timestamp: time.Now(),
		Retry: task.Retry, ErrorCode: code,
	}
	if err := w.errs.InsertErrorLog(ctx, entry); err != nil {
		w.log.Error().Err(err).Msg("insert error log")
	}
	if err := w.tasks.DeleteTask(ctx, task.TaskID); err != nil {
		w.log.Error().Err(err).Msg("delete terminally failed task")
	}
}

// logAndReset returns the row to AVAILABLE with retry+1, then logs the
// retryable error with that same retry value (spec I3, §7 fetcher
// failure handling, §9 Open Question 1 — the task row and its error
// log entry must agree on retry).
func (w *Worker) logAndReset(ctx context.Context, task *model.Task, key model.FetchKey, code model.ErrorCode) error {
	newRetry, err := w.tasks.ResetTaskToAvailable(ctx, task.TaskID)
	if err != nil {
		return err
	}
	entry := model.ErrorLogEntry{
		TaskID: task.TaskID, FetchKey: encodeFetchKey(key), Timestamp: time.Now(),
		Retry: newRetry, ErrorCode: code,
	}
	return w.errs.InsertErrorLog(ctx, entry)
}

func encodeFetchKey(k model.FetchKey) string {
	return k.FetcherID + ":" + k.Key
}

// DecodeEmitGroup reverses encodeEmitGroup — used by the emitter (C7)
// once it has decompressed a claimed row's bytes.
func DecodeEmitGroup(raw []byte) (model.EmitGroup, error) {
	return decodeEmitGroup(raw)
}
