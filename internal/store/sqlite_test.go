package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"localbeat/internal/domain"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "beat.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sample(name string) domain.PeriodicTask {
	return domain.PeriodicTask{
		Name:     name,
		Task:     "shell",
		Interval: &domain.Interval{Every: 3, Period: "seconds"},
		Args:     []any{"a", float64(2)},
		Kwargs:   map[string]any{"command": "echo"},
		Enabled:  true,
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	last := time.Date(2026, 5, 1, 10, 0, 0, 123456789, time.UTC)
	start := last.Add(time.Hour)
	in := sample("rt")
	in.LastRunAt = &last
	in.StartAfter = &start
	in.TotalRunCount = 4
	in.MaxRunCount = 9
	in.Queue = "reports"
	in.SoftTimeLimit = 30
	in.Description = "round trip"

	saved, err := s.Save(ctx, in, Precondition{Absent: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)
	require.NotNil(t, saved.DateChanged)

	got, err := s.Get(ctx, "rt")
	require.NoError(t, err)
	assert.Equal(t, saved.Version, got.Version)
	assert.Equal(t, *in.Interval, *got.Interval)
	assert.Nil(t, got.Crontab)
	assert.Equal(t, in.Args, got.Args)
	assert.Equal(t, in.Kwargs, got.Kwargs)
	assert.True(t, last.Equal(*got.LastRunAt))
	assert.True(t, start.Equal(*got.StartAfter))
	assert.Equal(t, 4, got.TotalRunCount)
	assert.Equal(t, 9, got.MaxRunCount)
	assert.Equal(t, "reports", got.Queue)
	assert.Equal(t, 30, got.SoftTimeLimit)
	assert.True(t, got.Enabled)
	assert.Equal(t, "round trip", got.Description)
}

func TestSaveCrontabNormalized(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	rec := sample("cron")
	rec.Interval = nil
	rec.Crontab = &domain.Crontab{Minute: "*/5", Hour: "1, 2"}
	_, err := s.Save(ctx, rec, Precondition{})
	require.NoError(t, err)

	got, err := s.Get(ctx, "cron")
	require.NoError(t, err)
	require.NotNil(t, got.Crontab)
	assert.Nil(t, got.Interval)
	assert.Equal(t, domain.Crontab{Minute: "*/5", Hour: "1,2", DayOfWeek: "*", DayOfMonth: "*", MonthOfYear: "*"}, *got.Crontab)
}

func TestSaveValidates(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	both := sample("both")
	both.Crontab = &domain.Crontab{}
	_, err := s.Save(ctx, both, Precondition{})
	assert.ErrorIs(t, err, domain.ErrScheduleConflict)

	none := sample("none")
	none.Interval = nil
	_, err = s.Save(ctx, none, Precondition{})
	assert.ErrorIs(t, err, domain.ErrScheduleMissing)

	_, err = s.Get(ctx, "both")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSavePreconditions(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	v1, err := s.Save(ctx, sample("p"), Precondition{Absent: true})
	require.NoError(t, err)

	_, err = s.Save(ctx, sample("p"), Precondition{Absent: true})
	assert.ErrorIs(t, err, ErrConflict)

	v2, err := s.Save(ctx, v1, Precondition{Version: v1.Version})
	require.NoError(t, err)
	assert.Equal(t, v1.Version+1, v2.Version)

	// stale version loses
	_, err = s.Save(ctx, v1, Precondition{Version: v1.Version})
	assert.ErrorIs(t, err, ErrConflict)

	// unconditional upsert always wins and bumps the version
	v3, err := s.Save(ctx, v1, Precondition{})
	require.NoError(t, err)
	assert.Equal(t, v2.Version+1, v3.Version)

	missing := sample("ghost")
	_, err = s.Save(ctx, missing, Precondition{Version: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentConditionalSavesOneWins(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	base, err := s.Save(ctx, sample("race"), Precondition{})
	require.NoError(t, err)

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      int
		conflict int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rec := base
			rec.TotalRunCount = n + 1
			_, err := s.Save(ctx, rec, Precondition{Version: base.Version})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won++
			} else if assert.ErrorIs(t, err, ErrConflict) {
				conflict++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, won)
	assert.Equal(t, writers-1, conflict)
}

func TestListAndDelete(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for _, n := range []string{"b", "a", "c"} {
		_, err := s.Save(ctx, sample(n), Precondition{})
		require.NoError(t, err)
	}
	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Name)

	require.NoError(t, s.Delete(ctx, "b"))
	assert.ErrorIs(t, s.Delete(ctx, "b"), ErrNotFound)

	all, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSaveStampsDateChanged(t *testing.T) {
	s := openTest(t)
	fixed := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })

	saved, err := s.Save(context.Background(), sample("d"), Precondition{})
	require.NoError(t, err)
	assert.True(t, fixed.Equal(*saved.DateChanged))

	got, err := s.Get(context.Background(), "d")
	require.NoError(t, err)
	assert.True(t, fixed.Equal(*got.DateChanged))
}
