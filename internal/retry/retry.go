// Package retry holds the small retry policies shared by the beat loop and
// the worker pool.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Jitter returns a random duration in [0, max).
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// OnConflict runs attempt and, if it fails with an error matching conflict,
// waits for wait and runs it exactly once more. Any other error is returned
// as-is without retrying.
func OnConflict(ctx context.Context, conflict error, wait time.Duration, attempt func(ctx context.Context, try int) error) error {
	err := attempt(ctx, 0)
	if err == nil || !errors.Is(err, conflict) {
		return err
	}
	if serr := Sleep(ctx, wait); serr != nil {
		return err
	}
	return attempt(ctx, 1)
}

// Backoff doubles from base per failed attempt and caps at max.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts <= 0 {
		return base
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
