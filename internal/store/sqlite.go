// Package store persists periodic task records in SQLite.
//
// Every row carries a version that is bumped on each write; conditional saves
// compare it to detect concurrent modification by other scheduler processes or
// the management API.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
	"localbeat/internal/domain"
)

var (
	ErrNotFound = errors.New("periodic task not found")
	ErrConflict = errors.New("periodic task modified concurrently")
)

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// Precondition guards a Save. The zero value is an unconditional upsert.
type Precondition struct {
	// Version the stored row must still carry.
	Version int64
	// Absent requires that no row with the name exists yet.
	Absent bool
}

// Store is an owned handle on the database. Close releases it.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database file and ensures the schema.
func Open(cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	db.SetMaxIdleConns(1)

	s := New(db)
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. The caller owns db.
func New(db *sql.DB) *Store { return &Store{db: db, now: time.Now} }

// DB exposes the connection so the work queue can share the file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the periodic_tasks table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS periodic_tasks (
  name TEXT PRIMARY KEY,
  task TEXT NOT NULL,
  interval_every INTEGER,
  interval_period TEXT,
  cron_minute TEXT,
  cron_hour TEXT,
  cron_day_of_week TEXT,
  cron_day_of_month TEXT,
  cron_month_of_year TEXT,
  args TEXT NOT NULL DEFAULT '[]',
  kwargs TEXT NOT NULL DEFAULT '{}',
  queue TEXT NOT NULL DEFAULT '',
  exchange TEXT NOT NULL DEFAULT '',
  routing_key TEXT NOT NULL DEFAULT '',
  soft_time_limit INTEGER NOT NULL DEFAULT 0,
  expires INTEGER,
  enabled INTEGER NOT NULL DEFAULT 0,
  start_after INTEGER,
  run_immediately INTEGER NOT NULL DEFAULT 0,
  last_run_at INTEGER,
  total_run_count INTEGER NOT NULL DEFAULT 0 CHECK(total_run_count >= 0),
  max_run_count INTEGER NOT NULL DEFAULT 0 CHECK(max_run_count >= 0),
  date_changed INTEGER,
  description TEXT NOT NULL DEFAULT '',
  version INTEGER NOT NULL DEFAULT 1
);`)
	return err
}

const selectCols = `name,task,interval_every,interval_period,cron_minute,cron_hour,cron_day_of_week,cron_day_of_month,cron_month_of_year,
args,kwargs,queue,exchange,routing_key,soft_time_limit,expires,enabled,start_after,run_immediately,
last_run_at,total_run_count,max_run_count,date_changed,description,version`

func (s *Store) List(ctx context.Context) ([]domain.PeriodicTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectCols+` FROM periodic_tasks ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PeriodicTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, name string) (domain.PeriodicTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM periodic_tasks WHERE name=?`, name)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PeriodicTask{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, err
}

// Save validates and writes t under cond, returning the stored record with
// its new version and change date.
func (s *Store) Save(ctx context.Context, t domain.PeriodicTask, cond Precondition) (domain.PeriodicTask, error) {
	if err := t.Validate(); err != nil {
		return domain.PeriodicTask{}, err
	}
	now := s.now().UTC()
	t.DateChanged = &now
	vals, err := values(t)
	if err != nil {
		return domain.PeriodicTask{}, err
	}

	var row *sql.Row
	switch {
	case cond.Absent:
		row = s.db.QueryRowContext(ctx, `INSERT INTO periodic_tasks (`+writeCols+`,version) VALUES (`+placeholders+`,1)
ON CONFLICT(name) DO NOTHING RETURNING version`, vals...)
	case cond.Version > 0:
		args := append(vals[1:], t.Name, cond.Version)
		row = s.db.QueryRowContext(ctx, `UPDATE periodic_tasks SET `+updateSet+`,version=version+1
WHERE name=? AND version=? RETURNING version`, args...)
	default:
		row = s.db.QueryRowContext(ctx, `INSERT INTO periodic_tasks (`+writeCols+`,version) VALUES (`+placeholders+`,1)
ON CONFLICT(name) DO UPDATE SET `+upsertSet+`,version=periodic_tasks.version+1 RETURNING version`, vals...)
	}

	err = row.Scan(&t.Version)
	if errors.Is(err, sql.ErrNoRows) {
		if cond.Absent {
			return domain.PeriodicTask{}, fmt.Errorf("%w: %s already exists", ErrConflict, t.Name)
		}
		return domain.PeriodicTask{}, s.missOrConflict(ctx, t.Name)
	}
	if err != nil {
		return domain.PeriodicTask{}, err
	}
	return t, nil
}

func (s *Store) missOrConflict(ctx context.Context, name string) error {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM periodic_tasks WHERE name=?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is at version %d", ErrConflict, name, v)
}

func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM periodic_tasks WHERE name=?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

var writeColNames = []string{
	"name", "task", "interval_every", "interval_period",
	"cron_minute", "cron_hour", "cron_day_of_week", "cron_day_of_month", "cron_month_of_year",
	"args", "kwargs", "queue", "exchange", "routing_key", "soft_time_limit", "expires",
	"enabled", "start_after", "run_immediately", "last_run_at", "total_run_count", "max_run_count",
	"date_changed", "description",
}

var (
	writeCols    = strings.Join(writeColNames, ",")
	placeholders = strings.TrimSuffix(strings.Repeat("?,", len(writeColNames)), ",")
	updateSet    = assignments(writeColNames[1:], func(c string) string { return c + "=?" })
	upsertSet    = assignments(writeColNames[1:], func(c string) string { return c + "=excluded." + c })
)

func assignments(cols []string, f func(string) string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = f(c)
	}
	return strings.Join(parts, ",")
}

// values returns column values in writeColNames order.
func values(t domain.PeriodicTask) ([]any, error) {
	args := t.Args
	if args == nil {
		args = []any{}
	}
	kwargs := t.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	aj, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	kj, err := json.Marshal(kwargs)
	if err != nil {
		return nil, fmt.Errorf("encode kwargs: %w", err)
	}

	var every, period any
	if t.Interval != nil {
		every, period = t.Interval.Every, t.Interval.Period
	}
	var cm, ch, cdw, cdm, cmy any
	if t.Crontab != nil {
		c := t.Crontab.Normalized()
		cm, ch, cdw, cdm, cmy = c.Minute, c.Hour, c.DayOfWeek, c.DayOfMonth, c.MonthOfYear
	}
	return []any{
		t.Name, t.Task, every, period,
		cm, ch, cdw, cdm, cmy,
		string(aj), string(kj), t.Queue, t.Exchange, t.RoutingKey, t.SoftTimeLimit, nanos(t.Expires),
		t.Enabled, nanos(t.StartAfter), t.RunImmediately, nanos(t.LastRunAt), t.TotalRunCount, t.MaxRunCount,
		nanos(t.DateChanged), t.Description,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (domain.PeriodicTask, error) {
	var (
		t                     domain.PeriodicTask
		every                 sql.NullInt64
		period                sql.NullString
		cm, ch, cdw, cdm, cmy sql.NullString
		aj, kj                string
		expires, startAfter   sql.NullInt64
		lastRun, changed      sql.NullInt64
	)
	err := sc.Scan(&t.Name, &t.Task, &every, &period, &cm, &ch, &cdw, &cdm, &cmy,
		&aj, &kj, &t.Queue, &t.Exchange, &t.RoutingKey, &t.SoftTimeLimit, &expires,
		&t.Enabled, &startAfter, &t.RunImmediately, &lastRun, &t.TotalRunCount, &t.MaxRunCount,
		&changed, &t.Description, &t.Version)
	if err != nil {
		return domain.PeriodicTask{}, err
	}
	if every.Valid || period.Valid {
		t.Interval = &domain.Interval{Every: int(every.Int64), Period: period.String}
	}
	if cm.Valid {
		t.Crontab = &domain.Crontab{
			Minute: cm.String, Hour: ch.String, DayOfWeek: cdw.String,
			DayOfMonth: cdm.String, MonthOfYear: cmy.String,
		}
	}
	if err := json.Unmarshal([]byte(aj), &t.Args); err != nil {
		return domain.PeriodicTask{}, fmt.Errorf("decode args of %s: %w", t.Name, err)
	}
	if err := json.Unmarshal([]byte(kj), &t.Kwargs); err != nil {
		return domain.PeriodicTask{}, fmt.Errorf("decode kwargs of %s: %w", t.Name, err)
	}
	t.Expires = fromNanos(expires)
	t.StartAfter = fromNanos(startAfter)
	t.LastRunAt = fromNanos(lastRun)
	t.DateChanged = fromNanos(changed)
	return t, nil
}

// Timestamps are stored as unix nanoseconds so they round-trip exactly.
func nanos(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
