// Package worker runs queued tasks through registered handlers.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"localbeat/internal/domain"
	"localbeat/internal/queue"
	"localbeat/internal/retry"
)

// Handler executes one task. The context carries the task's time limit.
type Handler interface {
	Handle(ctx context.Context, p queue.Payload) error
}

type HandlerFunc func(ctx context.Context, p queue.Payload) error

func (f HandlerFunc) Handle(ctx context.Context, p queue.Payload) error { return f(ctx, p) }

type Config struct {
	Size int
	Poll time.Duration
	// Queue restricts leasing to one queue. Empty means all queues.
	Queue      string
	MaxBackoff time.Duration
}

type Pool struct {
	repo     queue.Repository
	handlers map[string]Handler
	cfg      Config
	log      zerolog.Logger
	sem      chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool builds a pool; handlers are keyed by task name.
func NewPool(repo queue.Repository, handlers map[string]Handler, cfg Config, log zerolog.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return &Pool{
		repo:     repo,
		handlers: handlers,
		cfg:      cfg,
		log:      log,
		sem:      make(chan struct{}, cfg.Size),
		stop:     make(chan struct{}),
	}
}

// Run polls until ctx is cancelled or Stop is called, then waits for running
// tasks to return.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info().Int("size", p.cfg.Size).Str("queue", p.cfg.Queue).Msg("worker pool started")
	defer func() {
		p.wg.Wait()
		p.log.Info().Msg("worker pool stopped")
	}()

	t := time.NewTicker(p.cfg.Poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stop:
			return nil
		case now := <-t.C:
			p.maintain(ctx, now)
			p.drain(ctx, now)
		}
	}
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) maintain(ctx context.Context, now time.Time) {
	if n, err := p.repo.RecoverStale(ctx, now); err != nil {
		p.log.Error().Err(err).Msg("recover stale tasks")
	} else if n > 0 {
		p.log.Warn().Int("count", n).Msg("requeued tasks with expired leases")
	}
	if n, err := p.repo.ExpireOverdue(ctx, now); err != nil {
		p.log.Error().Err(err).Msg("expire overdue tasks")
	} else if n > 0 {
		p.log.Info().Int("count", n).Msg("canceled expired tasks")
	}
}

func (p *Pool) drain(ctx context.Context, now time.Time) {
	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		}
		tk, _, err := p.repo.LeaseNext(ctx, now, p.cfg.Queue)
		if err != nil {
			<-p.sem
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("lease next task")
			}
			return
		}
		p.wg.Add(1)
		go func(tk domain.Task) {
			defer func() {
				<-p.sem
				p.wg.Done()
			}()
			p.execute(ctx, tk)
		}(tk)
	}
}

func (p *Pool) execute(ctx context.Context, tk domain.Task) {
	l := p.log.With().Str("task_id", tk.ID).Str("task", tk.Type).Int("attempt", tk.Attempts+1).Logger()
	// bookkeeping must land even when ctx is already cancelled
	bg := context.WithoutCancel(ctx)

	h, ok := p.handlers[tk.Type]
	if !ok {
		l.Error().Msg("no handler registered")
		if err := p.repo.Fail(bg, tk.ID, "no handler"); err != nil {
			l.Error().Err(err).Msg("mark failed")
		}
		return
	}
	payload, err := queue.DecodePayload(tk.Payload)
	if err != nil {
		l.Error().Err(err).Msg("bad payload")
		if err := p.repo.Fail(bg, tk.ID, err.Error()); err != nil {
			l.Error().Err(err).Msg("mark failed")
		}
		return
	}

	c, cancel := context.WithTimeout(ctx, time.Duration(tk.VisibilityTimeout)*time.Second)
	defer cancel()
	start := time.Now()
	if err := h.Handle(c, payload); err != nil {
		delay := retry.Backoff(tk.Attempts+1, time.Second, p.cfg.MaxBackoff)
		l.Warn().Err(err).Dur("retry_in", delay).Msg("task failed")
		if err := p.repo.Retry(bg, tk.ID, err.Error(), delay); err != nil {
			l.Error().Err(err).Msg("schedule retry")
		}
		return
	}
	if err := p.repo.Succeed(bg, tk.ID); err != nil {
		l.Error().Err(err).Msg("mark succeeded")
		return
	}
	l.Debug().Dur("took", time.Since(start)).Msg("task succeeded")
}
