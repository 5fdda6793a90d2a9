package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceRunPersistsEveryDispatch(t *testing.T) {
	rec := intervalTask("fast", 5000, "microseconds")
	rec.RunImmediately = true
	st := newMemStore(rec)
	p := &fakeProducer{}
	s := New(Config{RefreshInterval: 30 * time.Millisecond, MaxInterval: 10 * time.Millisecond}, st, p,
		WithLogger(zerolog.Nop()))
	svc := NewService(s)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}

	n := p.count("fast")
	assert.Greater(t, n, 1)
	assert.Equal(t, n, st.get("fast").TotalRunCount)
	assert.False(t, st.get("fast").RunImmediately)
}

func TestServiceStopDuringBackoff(t *testing.T) {
	st := newMemStore(intervalTask("x", 1, "seconds"))
	st.listErr = errBroken
	s := New(Config{}, st, &fakeProducer{}, WithLogger(zerolog.Nop()))
	svc := NewService(s)

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	svc.Stop()
	svc.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.Zero(t, s.Stats().Dispatched)
}
