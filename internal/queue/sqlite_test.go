package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"localbeat/internal/domain"
	"localbeat/internal/store"
)

var t0 = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRepo(t *testing.T) (*sqliteRepo, *testClock) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "queue.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, EnsureSchema(st.DB()))
	clock := &testClock{t: t0}
	return &sqliteRepo{db: st.DB(), now: clock.now}, clock
}

func TestEnqueueDefaultsAndGet(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	id, err := r.Enqueue(ctx, domain.Task{Type: "report"})
	require.NoError(t, err)
	assert.Contains(t, id, "tsk_")

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "report", got.Type)
	assert.Equal(t, DefaultQueue, got.Queue)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, 5, got.MaxAttempts)
	assert.Equal(t, 60, got.VisibilityTimeout)
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, t0, got.NextRunAt)
	assert.Nil(t, got.ExpiresAt)

	_, err = r.Get(ctx, "tsk_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnqueueIdempotencyKey(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	key := "nightly-2026-10-16"

	a, err := r.Enqueue(ctx, domain.Task{Type: "x", IdempotencyKey: &key})
	require.NoError(t, err)
	b, err := r.Enqueue(ctx, domain.Task{Type: "x", IdempotencyKey: &key})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	tasks, err := r.ListRecentTasks(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestLeaseNextOrderingAndFilters(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()

	low, err := r.Enqueue(ctx, domain.Task{Type: "low", Priority: 1})
	require.NoError(t, err)
	clock.advance(time.Millisecond)
	high, err := r.Enqueue(ctx, domain.Task{Type: "high", Priority: 9})
	require.NoError(t, err)
	clock.advance(time.Millisecond)
	other, err := r.Enqueue(ctx, domain.Task{Type: "other", Queue: "reports"})
	require.NoError(t, err)
	later, err := r.Enqueue(ctx, domain.Task{Type: "later", NextRunAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	past := t0.Add(-time.Second)
	_, err = r.Enqueue(ctx, domain.Task{Type: "stale", ExpiresAt: &past})
	require.NoError(t, err)

	now := clock.now()
	tk, lease, err := r.LeaseNext(ctx, now, DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, high, tk.ID)
	assert.Equal(t, StateRunning, tk.State)
	assert.Equal(t, now.Add(60*time.Second), lease.Until)

	tk, _, err = r.LeaseNext(ctx, now, DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, low, tk.ID)

	_, _, err = r.LeaseNext(ctx, now, DefaultQueue)
	assert.ErrorIs(t, err, ErrEmpty, "future and expired tasks are skipped")

	tk, _, err = r.LeaseNext(ctx, now, "")
	require.NoError(t, err)
	assert.Equal(t, other, tk.ID)

	tk, _, err = r.LeaseNext(ctx, t0.Add(time.Hour), "")
	require.NoError(t, err)
	assert.Equal(t, later, tk.ID)
}

func TestRetryUntilMaxAttempts(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()

	id, err := r.Enqueue(ctx, domain.Task{Type: "flaky", MaxAttempts: 2})
	require.NoError(t, err)
	_, _, err = r.LeaseNext(ctx, clock.now(), "")
	require.NoError(t, err)

	require.NoError(t, r.Retry(ctx, id, "boom", 10*time.Second))
	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "boom", got.LastError)
	assert.Equal(t, t0.Add(10*time.Second), got.NextRunAt)

	_, _, err = r.LeaseNext(ctx, clock.now(), "")
	assert.ErrorIs(t, err, ErrEmpty)

	clock.advance(10 * time.Second)
	_, _, err = r.LeaseNext(ctx, clock.now(), "")
	require.NoError(t, err)
	require.NoError(t, r.Retry(ctx, id, "boom again", time.Second))
	got, err = r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 2, got.Attempts)
}

func TestSucceedAndFail(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	ok, err := r.Enqueue(ctx, domain.Task{Type: "ok"})
	require.NoError(t, err)
	bad, err := r.Enqueue(ctx, domain.Task{Type: "bad"})
	require.NoError(t, err)

	require.NoError(t, r.Succeed(ctx, ok))
	require.NoError(t, r.Fail(ctx, bad, "no handler"))

	got, err := r.Get(ctx, ok)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	got, err = r.Get(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "no handler", got.LastError)

	assert.ErrorIs(t, r.Succeed(ctx, "tsk_missing"), ErrNotFound)

	var attempts int
	require.NoError(t, r.db.QueryRow(`SELECT COUNT(*) FROM task_attempts`).Scan(&attempts))
	assert.Equal(t, 2, attempts)
}

func TestRecoverStale(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()

	id, err := r.Enqueue(ctx, domain.Task{Type: "slow", VisibilityTimeout: 30})
	require.NoError(t, err)
	_, _, err = r.LeaseNext(ctx, clock.now(), "")
	require.NoError(t, err)

	n, err := r.RecoverStale(ctx, t0.Add(29*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = r.RecoverStale(ctx, t0.Add(31*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
}

func TestExpireOverdue(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	exp := t0.Add(time.Minute)
	id, err := r.Enqueue(ctx, domain.Task{Type: "report", ExpiresAt: &exp})
	require.NoError(t, err)
	keep, err := r.Enqueue(ctx, domain.Task{Type: "report"})
	require.NoError(t, err)

	n, err := r.ExpireOverdue(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = r.ExpireOverdue(ctx, exp)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, got.State)
	assert.Equal(t, "expired", got.LastError)
	got, err = r.Get(ctx, keep)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
}
