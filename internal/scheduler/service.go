package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"localbeat/internal/retry"
)

// Service drives a Scheduler: tick, sleep for the returned wait, repeat.
// On exit it runs the final sync.
type Service struct {
	sched    *Scheduler
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	// ShutdownTimeout bounds the final sync.
	ShutdownTimeout time.Duration
}

func NewService(sched *Scheduler) *Service {
	return &Service{
		sched:           sched,
		log:             sched.log,
		stop:            make(chan struct{}),
		ShutdownTimeout: 10 * time.Second,
	}
}

// Run blocks until ctx is cancelled or Stop is called.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info().
		Dur("refresh_interval", s.sched.cfg.RefreshInterval).
		Dur("max_interval", s.sched.cfg.MaxInterval).
		Msg("beat service started")
	defer s.shutdown()

	failures := 0
	for {
		wait, err := s.sched.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			wait = retry.Backoff(failures, time.Second, 12*s.sched.cfg.MaxInterval)
			s.log.Error().Err(err).Int("failures", failures).Dur("retry_in", wait).Msg("tick failed")
		} else {
			failures = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.stop:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	s.sched.Shutdown(ctx)
	s.log.Info().Msg("beat service stopped")
}
