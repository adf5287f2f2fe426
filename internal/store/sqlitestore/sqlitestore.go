// Package sqlitestore implements the task store over an embedded SQLite
// database (spec §9 Design Note: a single-binary deployment needs a
// store that doesn't require a running Postgres). SQLite has no
// row-level locking, so claims use BEGIN IMMEDIATE to take the
// write lock for the whole database and a short busy-retry loop in
// place of Postgres's SELECT ... FOR UPDATE SKIP LOCKED.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    task_id    INTEGER PRIMARY KEY AUTOINCREMENT,
    status     INTEGER NOT NULL,
    worker_id  INTEGER NOT NULL,
    retry      INTEGER NOT NULL DEFAULT 0,
    ts         DATETIME NOT NULL,
    json       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_worker_status ON tasks (worker_id, status, ts);

CREATE TABLE IF NOT EXISTS workers (
    worker_id  INTEGER PRIMARY KEY,
    status     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS errors (
    task_id    INTEGER NOT NULL,
    fetch_key  TEXT NOT NULL,
    ts         DATETIME NOT NULL,
    retry      INTEGER NOT NULL,
    error_code INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS emits (
    emit_id            INTEGER PRIMARY KEY AUTOINCREMENT,
    status             INTEGER NOT NULL,
    worker_id          INTEGER NOT NULL,
    ts                 DATETIME NOT NULL,
    uncompressed_size  INTEGER NOT NULL,
    bytes              BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_emits_status_ts ON emits (status, ts);
`

// Open opens (creating if absent) a SQLite database file at path and
// applies the schema. path may be ":memory:" for ephemeral stores.
func Open(path string) (store.Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers; avoid pool contention masking busy errors.

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite ddl %q: %w", stmt, err)
		}
	}
	return &liteStore{db: db}, nil
}

type liteStore struct{ db *sql.DB }

func (s *liteStore) Tasks() store.Tasks     { return &tasks{db: s.db} }
func (s *liteStore) Workers() store.Workers { return &workers{db: s.db} }
func (s *liteStore) Errors() store.ErrorLog { return &errorLog{db: s.db} }
func (s *liteStore) Emits() store.Emits     { return &emits{db: s.db} }

func (s *liteStore) HealthPing(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *liteStore) Close() error                         { return s.db.Close() }

// withImmediate retries fn under a BEGIN IMMEDIATE transaction (the
// _txlock=immediate DSN option set in Open makes BeginTx issue it),
// backing off on SQLITE_BUSY the way Postgres callers rely on
// FOR UPDATE SKIP LOCKED to never need to.
func withImmediate(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			if isBusy(err) {
				lastErr = err
				sleepBackoff(attempt)
				continue
			}
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isBusy(err) {
				lastErr = err
				sleepBackoff(attempt)
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				lastErr = err
				sleepBackoff(attempt)
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("sqlite: exceeded busy retries: %w", lastErr)
}

func isBusy(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "busy")
}

func sleepBackoff(attempt int) {
	base := time.Duration(attempt+1) * 10 * time.Millisecond
	jitter := time.Duration(rand.IntN(10)) * time.Millisecond
	time.Sleep(base + jitter)
}

// --- Tasks ---

type tasks struct{ db *sql.DB }

func (t *tasks) InsertTask(ctx context.Context, json string, workerID int64) (int64, error) {
	res, err := t.db.ExecContext(ctx, `
		INSERT INTO tasks (status, worker_id, retry, ts, json)
		VALUES (?, ?, 0, ?, ?)`, model.TaskAvailable, workerID, time.Now(), json)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *tasks) ClaimNextTaskForWorker(ctx context.Context, workerID int64) (*model.Task, error) {
	var task *model.Task
	err := withImmediate(ctx, t.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT task_id, retry, json FROM tasks
			WHERE worker_id = ? AND status = ?
			ORDER BY ts ASC LIMIT 1`, workerID, model.TaskAvailable)
		var found model.Task
		if err := row.Scan(&found.TaskID, &found.Retry, &found.JSON); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, ts = ? WHERE task_id = ?`,
			model.TaskInProcess, time.Now(), found.TaskID); err != nil {
			return err
		}
		found.Status = model.TaskInProcess
		found.WorkerID = workerID
		task = &found
		return nil
	})
	return task, err
}

func (t *tasks) MarkTaskProcessed(ctx context.Context, taskID int64) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID)
	return err
}

func (t *tasks) DeleteTask(ctx context.Context, taskID int64) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID)
	return err
}

func (t *tasks) ResetTaskToAvailable(ctx context.Context, taskID int64) (int32, error) {
	var retry int32
	err := withImmediate(ctx, t.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, retry = retry + 1, ts = ?
			WHERE task_id = ?`, model.TaskAvailable, time.Now(), taskID); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT retry FROM tasks WHERE task_id = ?`, taskID).Scan(&retry)
	})
	return retry, err
}

func (t *tasks) ListInProcessForWorker(ctx context.Context, workerID int64) ([]model.Task, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT task_id, status, worker_id, retry, ts, json
		FROM tasks WHERE worker_id = ? AND status = ?`, workerID, model.TaskInProcess)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		var tk model.Task
		if err := rows.Scan(&tk.TaskID, &tk.Status, &tk.WorkerID, &tk.Retry, &tk.Timestamp, &tk.JSON); err != nil {
			return nil, err
		}
		out = append(out, tk)
	}
	return out, rows.Err()
}

func (t *tasks) FindMissingWorkers(ctx context.Context) ([]int64, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT DISTINCT tk.worker_id FROM tasks tk
		LEFT JOIN workers w ON w.worker_id = tk.worker_id
		WHERE w.worker_id IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (t *tasks) ReassignOwner(ctx context.Context, fromWorkerID, toWorkerID int64) (int, error) {
	res, err := t.db.ExecContext(ctx, `
		UPDATE tasks SET worker_id = ?, ts = ?
		WHERE worker_id = ? AND status = ?`,
		toWorkerID, time.Now(), fromWorkerID, model.TaskAvailable)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *tasks) Rebalance(ctx context.Context, fromWorkerID, toWorkerID int64, fraction float64) (int, error) {
	if fraction <= 0 {
		return 0, nil
	}
	var affected int
	err := withImmediate(ctx, t.db, func(tx *sql.Tx) error {
		var total int
		if err := tx.QueryRowContext(ctx, `
			SELECT count(*) FROM tasks WHERE worker_id = ? AND status = ?`,
			fromWorkerID, model.TaskAvailable).Scan(&total); err != nil {
			return err
		}
		n := int(float64(total) * fraction)
		if n <= 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET worker_id = ?, ts = ?
			WHERE task_id IN (
				SELECT task_id FROM tasks
				WHERE worker_id = ? AND status = ?
				ORDER BY random() LIMIT ?
			)`, toWorkerID, time.Now(), fromWorkerID, model.TaskAvailable, n)
		if err != nil {
			return err
		}
		a, err := res.RowsAffected()
		affected = int(a)
		return err
	})
	return affected, err
}

func (t *tasks) CountAvailable(ctx context.Context) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE status = ?`, model.TaskAvailable).Scan(&n)
	return n, err
}

func (t *tasks) CountAvailableByWorker(ctx context.Context) (map[int64]int, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT worker_id, count(*) FROM tasks WHERE status = ? GROUP BY worker_id`, model.TaskAvailable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]int{}
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// --- Workers ---

type workers struct{ db *sql.DB }

func (w *workers) UpsertWorker(ctx context.Context, workerID int64, status model.WorkerStatus) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, status) VALUES (?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET status = excluded.status`, workerID, status)
	return err
}

func (w *workers) ActiveWorkerIDs(ctx context.Context) ([]int64, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT worker_id FROM workers WHERE status = ?`, model.WorkerActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (w *workers) SetAllActiveToShouldShutdown(ctx context.Context) error {
	_, err := w.db.ExecContext(ctx, `
		UPDATE workers SET status = ? WHERE status = ?`,
		model.WorkerShouldShutdown, model.WorkerActive)
	return err
}

func (w *workers) Status(ctx context.Context, workerID int64) (model.WorkerStatus, error) {
	var s model.WorkerStatus
	err := w.db.QueryRowContext(ctx, `SELECT status FROM workers WHERE worker_id = ?`, workerID).Scan(&s)
	return s, err
}

func (w *workers) DeleteWorker(ctx context.Context, workerID int64) error {
	_, err := w.db.ExecContext(ctx, `DELETE FROM workers WHERE worker_id = ?`, workerID)
	return err
}

// --- ErrorLog ---

type errorLog struct{ db *sql.DB }

func (e *errorLog) InsertErrorLog(ctx context.Context, entry model.ErrorLogEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO errors (task_id, fetch_key, ts, retry, error_code)
		VALUES (?, ?, ?, ?, ?)`, entry.TaskID, entry.FetchKey, ts, entry.Retry, entry.ErrorCode)
	return err
}

func (e *errorLog) ListErrorLog(ctx context.Context, taskID int64) ([]model.ErrorLogEntry, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT task_id, fetch_key, ts, retry, error_code FROM errors
		WHERE task_id = ? ORDER BY ts`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ErrorLogEntry
	for rows.Next() {
		var entry model.ErrorLogEntry
		if err := rows.Scan(&entry.TaskID, &entry.FetchKey, &entry.Timestamp, &entry.Retry, &entry.ErrorCode); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// --- Emits ---

type emits struct{ db *sql.DB }

func (e *emits) InsertEmitPayload(ctx context.Context, workerID int64, uncompressedSize int64, bytes []byte) (int64, error) {
	res, err := e.db.ExecContext(ctx, `
		INSERT INTO emits (status, worker_id, ts, uncompressed_size, bytes)
		VALUES (?, ?, ?, ?, ?)`, model.EmitReady, workerID, time.Now(), uncompressedSize, bytes)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (e *emits) ClaimEmitBatch(ctx context.Context, workerID int64, max int) ([]model.EmitPayload, error) {
	var claimed []model.EmitPayload
	err := withImmediate(ctx, e.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT emit_id FROM emits WHERE status = ?
			ORDER BY ts ASC LIMIT ?`, model.EmitReady, max)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]any, 0, len(ids)+2)
		args = append(args, model.EmitEmitting, workerID)
		for _, id := range ids {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE emits SET status = ?, worker_id = ?, ts = CURRENT_TIMESTAMP
			WHERE emit_id IN (%s)`, placeholders), args...); err != nil {
			return err
		}

		qargs := make([]any, 0, len(ids))
		for _, id := range ids {
			qargs = append(qargs, id)
		}
		qrows, err := tx.QueryContext(ctx, fmt.Sprintf(`
			SELECT emit_id, status, worker_id, ts, uncompressed_size, bytes
			FROM emits WHERE emit_id IN (%s)`, placeholders), qargs...)
		if err != nil {
			return err
		}
		defer qrows.Close()
		for qrows.Next() {
			var p model.EmitPayload
			if err := qrows.Scan(&p.EmitID, &p.Status, &p.WorkerID, &p.Timestamp, &p.UncompressedSize, &p.Bytes); err != nil {
				return err
			}
			claimed = append(claimed, p)
		}
		return qrows.Err()
	})
	return claimed, err
}

func (e *emits) DeleteEmit(ctx context.Context, emitID int64) error {
	_, err := e.db.ExecContext(ctx, `DELETE FROM emits WHERE emit_id = ?`, emitID)
	return err
}

func (e *emits) ResetEmittingForWorker(ctx context.Context, workerID int64) (int, error) {
	res, err := e.db.ExecContext(ctx, `
		UPDATE emits SET status = ?, ts = ?
		WHERE worker_id = ? AND status = ?`,
		model.EmitReady, time.Now(), workerID, model.EmitEmitting)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (e *emits) CountAll(ctx context.Context) (int, error) {
	var n int
	err := e.db.QueryRowContext(ctx, `SELECT count(*) FROM emits`).Scan(&n)
	return n, err
}
