// Package memstore implements the task store entirely in memory,
// guarded by a single mutex. It exists purely for unit tests (spec §9
// Design Note: component tests should not require a database), trading
// concurrency for simplicity since no test exercises it at scale.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/store"
)

// New returns a fresh, empty in-memory Store.
func New() store.Store {
	s := &memStore{
		taskRows:  map[int64]*model.Task{},
		workerRow: map[int64]model.WorkerStatus{},
		emitRows:  map[int64]*model.EmitPayload{},
	}
	return s
}

type memStore struct {
	mu sync.Mutex

	nextTaskID int64
	taskRows   map[int64]*model.Task

	workerRow map[int64]model.WorkerStatus

	errLog []model.ErrorLogEntry

	nextEmitID int64
	emitRows   map[int64]*model.EmitPayload
}

func (s *memStore) Tasks() store.Tasks     { return (*memTasks)(s) }
func (s *memStore) Workers() store.Workers { return (*memWorkers)(s) }
func (s *memStore) Errors() store.ErrorLog { return (*memErrors)(s) }
func (s *memStore) Emits() store.Emits     { return (*memEmits)(s) }

func (s *memStore) HealthPing(context.Context) error { return nil }
func (s *memStore) Close() error                     { return nil }

type memTasks memStore

func (t *memTasks) lock() *memStore   { return (*memStore)(t) }
func (t *memTasks) InsertTask(_ context.Context, json string, workerID int64) (int64, error) {
	s := t.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTaskID++
	id := s.nextTaskID
	s.taskRows[id] = &model.Task{
		TaskID: id, Status: model.TaskAvailable, WorkerID: workerID,
		Retry: 0, Timestamp: time.Now(), JSON: json,
	}
	return id, nil
}

func (t *memTasks) ClaimNextTaskForWorker(_ context.Context, workerID int64) (*model.Task, error) {
	s := t.lock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*model.Task
	for _, tk := range s.taskRows {
		if tk.WorkerID == workerID && tk.Status == model.TaskAvailable {
			candidates = append(candidates, tk)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Timestamp.Before(candidates[j].Timestamp) })
	chosen := candidates[0]
	chosen.Status = model.TaskInProcess
	chosen.Timestamp = time.Now()
	cp := *chosen
	return &cp, nil
}

func (t *memTasks) MarkTaskProcessed(_ context.Context, taskID int64) error {
	s := t.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.taskRows, taskID)
	return nil
}

func (t *memTasks) DeleteTask(_ context.Context, taskID int64) error {
	s := t.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.taskRows, taskID)
	return nil
}

func (t *memTasks) ResetTaskToAvailable(_ context.Context, taskID int64) (int32, error) {
	s := t.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	tk, ok := s.taskRows[taskID]
	if !ok {
		return 0, model.ErrNotFound
	}
	tk.Status = model.TaskAvailable
	tk.Retry++
	tk.Timestamp = time.Now()
	return tk.Retry, nil
}

func (t *memTasks) ListInProcessForWorker(_ context.Context, workerID int64) ([]model.Task, error) {
	s := t.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Task
	for _, tk := range s.taskRows {
		if tk.WorkerID == workerID && tk.Status == model.TaskInProcess {
			out = append(out, *tk)
		}
	}
	return out, nil
}

func (t *memTasks) FindMissingWorkers(_ context.Context) ([]int64, error) {
	s := t.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int64]bool{}
	var out []int64
	for _, tk := range s.taskRows {
		if _, ok := s.workerRow[tk.WorkerID]; !ok && !seen[tk.WorkerID] {
			seen[tk.WorkerID] = true
			out = append(out, tk.WorkerID)
		}
	}
	return out, nil
}

func (t *memTasks) ReassignOwner(_ context.Context, fromWorkerID, toWorkerID int64) (int, error) {
	s := t.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tk := range s.taskRows {
		if tk.WorkerID == fromWorkerID && tk.Status == model.TaskAvailable {
			tk.WorkerID = toWorkerID
			tk.Timestamp = time.Now()
			n++
		}
	}
	return n, nil
}

func (t *memTasks) Rebalance(_ context.Context, fromWorkerID, toWorkerID int64, fraction float64) (int, error) {
	s := t.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if fraction <= 0 {
		return 0, nil
	}
	var candidates []*model.Task
	for _, tk := range s.taskRows {
		if tk.WorkerID == fromWorkerID && tk.Status == model.TaskAvailable {
			candidates = append(candidates, tk)
		}
	}
	n := int(float64(len(candidates)) * fraction)
	for i := 0; i < n && i < len(candidates); i++ {
		candidates[i].WorkerID = toWorkerID
		candidates[i].Timestamp = time.Now()
	}
	return n, nil
}

func (t *memTasks) CountAvailable(_ context.Context) (int, error) {
	s := t.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tk := range s.taskRows {
		if tk.Status == model.TaskAvailable {
			n++
		}
	}
	return n, nil
}

func (t *memTasks) CountAvailableByWorker(_ context.Context) (map[int64]int, error) {
	s := t.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64]int{}
	for _, tk := range s.taskRows {
		if tk.Status == model.TaskAvailable {
			out[tk.WorkerID]++
		}
	}
	return out, nil
}

type memWorkers memStore

func (w *memWorkers) lock() *memStore { return (*memStore)(w) }

func (w *memWorkers) UpsertWorker(_ context.Context, workerID int64, status model.WorkerStatus) error {
	s := w.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workerRow[workerID] = status
	return nil
}

func (w *memWorkers) ActiveWorkerIDs(_ context.Context) ([]int64, error) {
	s := w.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id, st := range s.workerRow {
		if st == model.WorkerActive {
			out = append(out, id)
		}
	}
	return out, nil
}

func (w *memWorkers) SetAllActiveToShouldShutdown(_ context.Context) error {
	s := w.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.workerRow {
		if st == model.WorkerActive {
			s.workerRow[id] = model.WorkerShouldShutdown
		}
	}
	return nil
}

func (w *memWorkers) Status(_ context.Context, workerID int64) (model.WorkerStatus, error) {
	s := w.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.workerRow[workerID]
	if !ok {
		return 0, model.ErrNotFound
	}
	return st, nil
}

func (w *memWorkers) DeleteWorker(_ context.Context, workerID int64) error {
	s := w.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workerRow, workerID)
	return nil
}

type memErrors memStore

func (e *memErrors) InsertErrorLog(_ context.Context, entry model.ErrorLogEntry) error {
	s := (*memStore)(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	s.errLog = append(s.errLog, entry)
	return nil
}

func (e *memErrors) ListErrorLog(_ context.Context, taskID int64) ([]model.ErrorLogEntry, error) {
	s := (*memStore)(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ErrorLogEntry
	for _, entry := range s.errLog {
		if entry.TaskID == taskID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type memEmits memStore

func (e *memEmits) lock() *memStore { return (*memStore)(e) }

func (e *memEmits) InsertEmitPayload(_ context.Context, workerID int64, uncompressedSize int64, bytes []byte) (int64, error) {
	s := e.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEmitID++
	id := s.nextEmitID
	s.emitRows[id] = &model.EmitPayload{
		EmitID: id, Status: model.EmitReady, WorkerID: workerID,
		Timestamp: time.Now(), UncompressedSize: uncompressedSize, Bytes: bytes,
	}
	return id, nil
}

func (e *memEmits) ClaimEmitBatch(_ context.Context, workerID int64, max int) ([]model.EmitPayload, error) {
	s := e.lock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*model.EmitPayload
	for _, p := range s.emitRows {
		if p.Status == model.EmitReady {
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Timestamp.Before(candidates[j].Timestamp) })
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	out := make([]model.EmitPayload, 0, len(candidates))
	for _, p := range candidates {
		p.Status = model.EmitEmitting
		p.WorkerID = workerID
		p.Timestamp = time.Now()
		out = append(out, *p)
	}
	return out, nil
}

func (e *memEmits) DeleteEmit(_ context.Context, emitID int64) error {
	s := e.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.emitRows, emitID)
	return nil
}

func (e *memEmits) ResetEmittingForWorker(_ context.Context, workerID int64) (int, error) {
	s := e.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.emitRows {
		if p.WorkerID == workerID && p.Status == model.EmitEmitting {
			p.Status = model.EmitReady
			p.Timestamp = time.Now()
			n++
		}
	}
	return n, nil
}

func (e *memEmits) CountAll(_ context.Context) (int, error) {
	s := e.lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emitRows), nil
}
