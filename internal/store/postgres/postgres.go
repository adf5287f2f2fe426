// Package postgres implements the task store (spec §3, §4.1, §6) over
// PostgreSQL using database/sql and the pgx stdlib driver, with
// SELECT ... FOR UPDATE SKIP LOCKED row claims — the pattern spec §4.1
// requires for claimNextTaskForWorker and claimEmitBatch.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/store"
)

// Open opens a PostgreSQL connection via the pgx stdlib driver and
// verifies connectivity.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Bootstrap runs the DDL against dsn, creating the four tables if absent.
func Bootstrap(ctx context.Context, dsn string) error {
	db, err := Open(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	for _, stmt := range DefaultDDLStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ddl %q: %w", stmt, err)
		}
	}
	return nil
}

// pgStore implements store.Store over a *sql.DB.
type pgStore struct{ db *sql.DB }

// NewWithDB constructs a Postgres-backed store from an already-open DB handle.
func NewWithDB(db *sql.DB) store.Store { return &pgStore{db: db} }

func (s *pgStore) Tasks() store.Tasks     { return &tasks{db: s.db} }
func (s *pgStore) Workers() store.Workers { return &workers{db: s.db} }
func (s *pgStore) Errors() store.ErrorLog { return &errorLog{db: s.db} }
func (s *pgStore) Emits() store.Emits     { return &emits{db: s.db} }

func (s *pgStore) HealthPing(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *pgStore) Close() error                         { return s.db.Close() }

// --- Tasks ---

type tasks struct{ db *sql.DB }

func (t *tasks) InsertTask(ctx context.Context, json string, workerID int64) (int64, error) {
	var id int64
	row := t.db.QueryRowContext(ctx, `
		INSERT INTO tasks (status, worker_id, retry, ts, json)
		VALUES ($1, $2, 0, now(), $3)
		RETURNING task_id`, model.TaskAvailable, workerID, json)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *tasks) ClaimNextTaskForWorker(ctx context.Context, workerID int64) (*model.Task, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var task model.Task
	row := tx.QueryRowContext(ctx, `
		SELECT task_id, retry, json
		FROM tasks
		WHERE worker_id = $1 AND status = $2
		ORDER BY ts ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, workerID, model.TaskAvailable)
	if err := row.Scan(&task.TaskID, &task.Retry, &task.JSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = $1, ts = now() WHERE task_id = $2`,
		model.TaskInProcess, task.TaskID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task.Status = model.TaskInProcess
	task.WorkerID = workerID
	return &task, nil
}

func (t *tasks) MarkTaskProcessed(ctx context.Context, taskID int64) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID)
	return err
}

func (t *tasks) DeleteTask(ctx context.Context, taskID int64) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID)
	return err
}

func (t *tasks) ResetTaskToAvailable(ctx context.Context, taskID int64) (int32, error) {
	var retry int32
	row := t.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = $1, retry = retry + 1, ts = now()
		WHERE task_id = $2
		RETURNING retry`, model.TaskAvailable, taskID)
	if err := row.Scan(&retry); err != nil {
		return 0, err
	}
	return retry, nil
}

func (t *tasks) ListInProcessForWorker(ctx context.Context, workerID int64) ([]model.Task, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT task_id, status, worker_id, retry, ts, json
		FROM tasks WHERE worker_id = $1 AND status = $2`, workerID, model.TaskInProcess)
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
		SELECT DISTINCT tk.worker_id
		FROM tasks tk
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
		UPDATE tasks SET worker_id = $1, ts = now()
		WHERE worker_id = $2 AND status = $3`,
		toWorkerID, fromWorkerID, model.TaskAvailable)
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
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var total int
	if err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM tasks WHERE worker_id = $1 AND status = $2`,
		fromWorkerID, model.TaskAvailable).Scan(&total); err != nil {
		return 0, err
	}
	n := int(float64(total) * fraction)
	if n <= 0 {
		return 0, tx.Commit()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET worker_id = $1, ts = now()
		WHERE task_id IN (
			SELECT task_id FROM tasks
			WHERE worker_id = $2 AND status = $3
			ORDER BY random()
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)`, toWorkerID, fromWorkerID, model.TaskAvailable, n)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (t *tasks) CountAvailable(ctx context.Context) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE status = $1`, model.TaskAvailable).Scan(&n)
	return n, err
}

func (t *tasks) CountAvailableByWorker(ctx context.Context) (map[int64]int, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT worker_id, count(*) FROM tasks WHERE status = $1 GROUP BY worker_id`, model.TaskAvailable)
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
		INSERT INTO workers (worker_id, status) VALUES ($1, $2)
		ON CONFLICT (worker_id) DO UPDATE SET status = EXCLUDED.status`, workerID, status)
	return err
}

func (w *workers) ActiveWorkerIDs(ctx context.Context) ([]int64, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT worker_id FROM workers WHERE status = $1`, model.WorkerActive)
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
		UPDATE workers SET status = $1 WHERE status = $2`,
		model.WorkerShouldShutdown, model.WorkerActive)
	return err
}

func (w *workers) Status(ctx context.Context, workerID int64) (model.WorkerStatus, error) {
	var s model.WorkerStatus
	err := w.db.QueryRowContext(ctx, `SELECT status FROM workers WHERE worker_id = $1`, workerID).Scan(&s)
	return s, err
}

func (w *workers) DeleteWorker(ctx context.Context, workerID int64) error {
	_, err := w.db.ExecContext(ctx, `DELETE FROM workers WHERE worker_id = $1`, workerID)
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
		VALUES ($1, $2, $3, $4, $5)`,
		entry.TaskID, entry.FetchKey, ts, entry.Retry, entry.ErrorCode)
	return err
}

func (e *errorLog) ListErrorLog(ctx context.Context, taskID int64) ([]model.ErrorLogEntry, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT task_id, fetch_key, ts, retry, error_code FROM errors
		WHERE task_id = $1 ORDER BY ts`, taskID)
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
	var id int64
	row := e.db.QueryRowContext(ctx, `
		INSERT INTO emits (status, worker_id, ts, uncompressed_size, bytes)
		VALUES ($1, $2, now(), $3, $4)
		RETURNING emit_id`, model.EmitReady, workerID, uncompressedSize, bytes)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (e *emits) ClaimEmitBatch(ctx context.Context, workerID int64, max int) ([]model.EmitPayload, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT emit_id FROM emits
		WHERE status = $1
		ORDER BY ts ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, model.EmitReady, max)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE emits SET status = $1, worker_id = $2, ts = now()
		WHERE emit_id = ANY($3)`, model.EmitEmitting, workerID, pqInt64Array(ids)); err != nil {
		return nil, err
	}

	claimed := make([]model.EmitPayload, 0, len(ids))
	qrows, err := tx.QueryContext(ctx, `
		SELECT emit_id, status, worker_id, ts, uncompressed_size, bytes
		FROM emits WHERE emit_id = ANY($1)`, pqInt64Array(ids))
	if err != nil {
		return nil, err
	}
	for qrows.Next() {
		var p model.EmitPayload
		if err := qrows.Scan(&p.EmitID, &p.Status, &p.WorkerID, &p.Timestamp, &p.UncompressedSize, &p.Bytes); err != nil {
			qrows.Close()
			return nil, err
		}
		claimed = append(claimed, p)
	}
	qrows.Close()
	if err := qrows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (e *emits) DeleteEmit(ctx context.Context, emitID int64) error {
	_, err := e.db.ExecContext(ctx, `DELETE FROM emits WHERE emit_id = $1`, emitID)
	return err
}

func (e *emits) ResetEmittingForWorker(ctx context.Context, workerID int64) (int, error) {
	res, err := e.db.ExecContext(ctx, `
		UPDATE emits SET status = $1, ts = now()
		WHERE worker_id = $2 AND status = $3`,
		model.EmitReady, workerID, model.EmitEmitting)
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

// pqInt64Array renders an int64 slice as a Postgres array literal
// usable with = ANY($n) without importing a driver-specific array type.
func pqInt64Array(ids []int64) string {
	s := "{"
	for i, id := range ids {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%d", id)
	}
	return s + "}"
}
