// Package store defines the task-store persistence surface used by the
// dispatcher (spec §3, §4.1). Concrete backends live in sibling packages
// (postgres, sqlitestore, memstore); all implement the same contract so
// C2–C8 never depend on a specific database.
package store

import (
	"context"

	"github.com/mycelian/docdispatch/internal/model"
)

// Store groups the four durable resource areas spec §3/§6 names.
type Store interface {
	Tasks() Tasks
	Workers() Workers
	Errors() ErrorLog
	Emits() Emits

	// HealthPing verifies connectivity to the underlying backend.
	HealthPing(ctx context.Context) error

	// Close releases backend resources (connection pool, embedded file).
	Close() error
}

// Tasks is the C1 task-row operation set (spec §4.1).
type Tasks interface {
	// InsertTask creates an AVAILABLE row with retry=0 and returns its id.
	InsertTask(ctx context.Context, json string, workerID int64) (int64, error)

	// ClaimNextTaskForWorker atomically claims the oldest AVAILABLE row
	// owned by workerID, transitioning it to IN_PROCESS. Returns
	// (nil, nil) when no row is available.
	ClaimNextTaskForWorker(ctx context.Context, workerID int64) (*model.Task, error)

	// MarkTaskProcessed deletes the row (terminal success, spec I4).
	MarkTaskProcessed(ctx context.Context, taskID int64) error

	// ResetTaskToAvailable returns the row to AVAILABLE with
	// retry = current retry + 1 (spec I3, Open Question 1).
	ResetTaskToAvailable(ctx context.Context, taskID int64) (newRetry int32, err error)

	// DeleteTask removes a row without marking it processed — used for
	// terminal failures (SKIP policy, undecodable tuple).
	DeleteTask(ctx context.Context, taskID int64) error

	// ListInProcessForWorker lists all IN_PROCESS rows owned by workerID
	// (crash recovery, spec §4.1/§4.5).
	ListInProcessForWorker(ctx context.Context, workerID int64) ([]model.Task, error)

	// FindMissingWorkers returns worker ids that own AVAILABLE or
	// IN_PROCESS rows but have no corresponding worker record (spec §4.4 step 1).
	FindMissingWorkers(ctx context.Context) ([]int64, error)

	// ReassignOwner re-stamps every AVAILABLE row owned by fromWorkerID
	// to toWorkerID (spec §4.4 step 1).
	ReassignOwner(ctx context.Context, fromWorkerID, toWorkerID int64) (int, error)

	// Rebalance re-stamps a randomized ~fraction of fromWorkerID's
	// AVAILABLE rows to toWorkerID (spec §4.4 step 2).
	Rebalance(ctx context.Context, fromWorkerID, toWorkerID int64, fraction float64) (int, error)

	// CountAvailable returns the total number of AVAILABLE rows.
	CountAvailable(ctx context.Context) (int, error)

	// CountAvailableByWorker returns AVAILABLE row counts keyed by worker id.
	CountAvailableByWorker(ctx context.Context) (map[int64]int, error)
}

// Workers is the worker-registry operation set (spec §4.1).
type Workers interface {
	// UpsertWorker inserts or updates a worker record's status.
	UpsertWorker(ctx context.Context, workerID int64, status model.WorkerStatus) error

	// ActiveWorkerIDs returns worker ids currently ACTIVE (not SHOULD_SHUTDOWN/SHUTDOWN).
	ActiveWorkerIDs(ctx context.Context) ([]int64, error)

	// SetAllActiveToShouldShutdown flips every ACTIVE worker to
	// SHOULD_SHUTDOWN (spec §4.4 step 3).
	SetAllActiveToShouldShutdown(ctx context.Context) error

	// Status returns a worker's current status.
	Status(ctx context.Context, workerID int64) (model.WorkerStatus, error)

	// DeleteWorker removes a worker record entirely (abandon, spec §4.5 restart policy).
	DeleteWorker(ctx context.Context, workerID int64) error
}

// ErrorLog is the append-only error log (spec §3, §4.1).
type ErrorLog interface {
	InsertErrorLog(ctx context.Context, entry model.ErrorLogEntry) error

	// ListErrorLog returns every entry recorded for taskID, oldest first
	// (spec §8 scenario 4 verifies exactly one entry per recovered row).
	ListErrorLog(ctx context.Context, taskID int64) ([]model.ErrorLogEntry, error)
}

// Emits is the emit-payload operation set (spec §4.1, §4.7).
type Emits interface {
	// InsertEmitPayload inserts a READY row and returns its id.
	InsertEmitPayload(ctx context.Context, workerID int64, uncompressedSize int64, bytes []byte) (int64, error)

	// ClaimEmitBatch atomically claims up to max READY rows for workerID,
	// transitioning them to EMITTING, and returns the claimed rows (spec §4.1).
	ClaimEmitBatch(ctx context.Context, workerID int64, max int) ([]model.EmitPayload, error)

	// DeleteEmit removes a row — the acknowledgement of durable emission (spec I8).
	DeleteEmit(ctx context.Context, emitID int64) error

	// ResetEmittingForWorker reverts every EMITTING row owned by
	// workerID back to READY (emitter-crash recovery, spec I7).
	ResetEmittingForWorker(ctx context.Context, workerID int64) (int, error)

	// CountAll returns total emit rows — used by tests/close() to assert drain (spec P4).
	CountAll(ctx context.Context) (int, error)
}
