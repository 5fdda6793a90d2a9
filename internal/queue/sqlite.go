// Package queue is the SQLite work queue that receives dispatched invocations
// and hands them to the worker pool.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"localbeat/internal/domain"
)

var (
	ErrEmpty    = errors.New("no tasks ready")
	ErrNotFound = errors.New("task not found")
)

const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCanceled  = "canceled"
)

const DefaultQueue = "default"

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  payload BLOB NOT NULL,
  queue TEXT NOT NULL DEFAULT 'default',
  priority INTEGER NOT NULL DEFAULT 5,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed','canceled')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  next_run_at INTEGER NOT NULL,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  leased_until INTEGER,
  expires_at INTEGER,
  idempotency_key TEXT,
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(state, queue, next_run_at, priority DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  finished_at INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);`)
	return err
}

type Repository interface {
	Enqueue(ctx context.Context, t domain.Task) (string, error)
	// LeaseNext claims the next ready task of queue ("" means any queue).
	// It returns ErrEmpty when nothing is ready.
	LeaseNext(ctx context.Context, now time.Time, queue string) (domain.Task, Lease, error)
	Retry(ctx context.Context, id, err string, delay time.Duration) error
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, err string) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error)
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

type Lease struct{ Until time.Time }

func (r *sqliteRepo) Enqueue(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Queue == "" {
		t.Queue = DefaultQueue
	}
	if t.Priority == 0 {
		t.Priority = 5
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 5
	}
	if t.VisibilityTimeout == 0 {
		t.VisibilityTimeout = 60
	}
	if t.Payload == nil {
		t.Payload = []byte("{}")
	}

	// an existing task with the same idempotency key wins
	if t.IdempotencyKey != nil {
		var existing string
		err := r.db.QueryRowContext(ctx, "SELECT id FROM tasks WHERE idempotency_key = ?", *t.IdempotencyKey).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}

	now := r.now().UnixNano()
	next := now
	if !t.NextRunAt.IsZero() {
		next = t.NextRunAt.UnixNano()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,type,payload,queue,priority,state,attempts,max_attempts,next_run_at,visibility_timeout,expires_at,idempotency_key,created_at,updated_at)
VALUES (?,?,?,?,?,'queued',0,?,?,?,?,?,?,?)
`, id, t.Type, t.Payload, t.Queue, t.Priority, t.MaxAttempts, next, t.VisibilityTimeout, nanos(t.ExpiresAt), t.IdempotencyKey, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", t.Type, err)
	}
	return id, nil
}

func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time, queue string) (t domain.Task, l Lease, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, Lease{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	at := now.UnixNano()
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+`
FROM tasks
WHERE state='queued' AND next_run_at <= ? AND (? = '' OR queue = ?) AND (expires_at IS NULL OR expires_at > ?)
ORDER BY priority DESC, created_at ASC
LIMIT 1
`, at, queue, queue, at)
	t, err = scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrEmpty
		return domain.Task{}, Lease{}, err
	}
	if err != nil {
		return domain.Task{}, Lease{}, err
	}

	until := now.Add(time.Duration(t.VisibilityTimeout) * time.Second)
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET state='running', leased_until=?, updated_at=? WHERE id=?`,
		until.UnixNano(), at, t.ID)
	if err != nil {
		return domain.Task{}, Lease{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Task{}, Lease{}, err
	}
	t.State = StateRunning
	return t, Lease{Until: until}, nil
}

// Retry records a failed attempt and requeues the task after delay, or marks
// it failed once max_attempts is reached.
func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	now := r.now()
	return r.finish(ctx, id, false, errStr, `
UPDATE tasks
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_run_at = ?,
    leased_until = NULL,
    last_error = ?,
    updated_at = ?
WHERE id = ?`, now.Add(delay).UnixNano(), errStr, now.UnixNano(), id)
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	return r.finish(ctx, id, true, "", `
UPDATE tasks SET state='succeeded', attempts=attempts+1, leased_until=NULL, updated_at=? WHERE id=?`,
		r.now().UnixNano(), id)
}

// Fail is a hard failure: the task moves to failed and stops.
func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	return r.finish(ctx, id, false, errStr, `
UPDATE tasks SET state='failed', attempts=attempts+1, leased_until=NULL, last_error=?, updated_at=? WHERE id=?`,
		errStr, r.now().UnixNano(), id)
}

// finish logs the attempt and applies update in one transaction.
func (r *sqliteRepo) finish(ctx context.Context, id string, success bool, errStr, update string, args ...any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO task_attempts(task_id, finished_at, success, error) VALUES (?,?,?,?)`,
		id, r.now().UnixNano(), success, errStr); err != nil {
		return err
	}
	return tx.Commit()
}

// RecoverStale requeues running tasks whose lease ran out.
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	at := now.UnixNano()
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET state='queued', next_run_at=?, leased_until=NULL, updated_at=?
WHERE state='running' AND leased_until IS NOT NULL AND leased_until < ?`, at, at, at)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ExpireOverdue cancels queued tasks whose expiry has passed.
func (r *sqliteRepo) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	at := now.UnixNano()
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET state='canceled', last_error='expired', updated_at=?
WHERE state='queued' AND expires_at IS NOT NULL AND expires_at <= ?`, at, at)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

func (r *sqliteRepo) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

const taskCols = `id,type,payload,queue,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,expires_at,idempotency_key,last_error,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (domain.Task, error) {
	var (
		t                     domain.Task
		next, created, update int64
		expires               sql.NullInt64
		idem                  sql.NullString
	)
	err := sc.Scan(&t.ID, &t.Type, &t.Payload, &t.Queue, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.State,
		&next, &t.VisibilityTimeout, &expires, &idem, &t.LastError, &created, &update)
	if err != nil {
		return domain.Task{}, err
	}
	t.NextRunAt = time.Unix(0, next).UTC()
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, update).UTC()
	if expires.Valid {
		e := time.Unix(0, expires.Int64).UTC()
		t.ExpiresAt = &e
	}
	if idem.Valid {
		s := idem.String
		t.IdempotencyKey = &s
	}
	return t, nil
}

func nanos(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixNano()
}
