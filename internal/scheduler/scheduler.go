// Package scheduler decides when periodic tasks are due and dispatches them.
//
// A Scheduler owns the in-memory entries built from the store. Each Tick
// refreshes them when stale, dispatches the due ones and returns how long the
// caller should sleep before ticking again. Run state goes back to the store
// on Sync using versioned writes, so several scheduler processes can share one
// store without locks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"localbeat/internal/domain"
	"localbeat/internal/retry"
	"localbeat/internal/store"
)

var ErrStoreUnavailable = errors.New("store unavailable")

// Store is the subset of the record store the loop consumes.
type Store interface {
	List(ctx context.Context) ([]domain.PeriodicTask, error)
	Get(ctx context.Context, name string) (domain.PeriodicTask, error)
	Save(ctx context.Context, t domain.PeriodicTask, cond store.Precondition) (domain.PeriodicTask, error)
}

// Producer receives due invocations. Submit must not wait for the task to run.
type Producer interface {
	Submit(ctx context.Context, inv domain.Invocation) error
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Config struct {
	// RefreshInterval is the maximum age of the cached entries before the
	// store is polled again.
	RefreshInterval time.Duration
	// MaxInterval caps the wait returned by Tick.
	MaxInterval time.Duration
	// RecheckDelay is the wait reported by dormant entries.
	RecheckDelay time.Duration
	// RetryJitter bounds the random pause before retrying a conflicting save.
	RetryJitter time.Duration
	// Location is used to evaluate crontab fields. Nil means UTC.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 5 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.RecheckDelay <= 0 {
		c.RecheckDelay = DefaultRecheckDelay
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

type Option func(*Scheduler)

func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(s *Scheduler) { s.log = l } }

type Stats struct {
	Entries          int
	Dispatched       uint64
	DispatchFailures uint64
	SyncFailures     uint64
	LastRefresh      time.Time
}

type Scheduler struct {
	cfg      Config
	store    Store
	producer Producer
	clock    Clock
	log      zerolog.Logger

	entries     map[string]*Entry
	order       []string
	lastRefresh time.Time
	// pending holds entries whose last save failed; their run state is
	// carried into the rebuilt entry so it is not lost with the cache.
	pending map[string]*Entry
	warn    map[string]*rate.Limiter

	mu    sync.Mutex
	stats Stats
}

func New(cfg Config, st Store, p Producer, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		store:    st,
		producer: p,
		clock:    systemClock{},
		log:      log.Logger.With().Str("component", "beat").Logger(),
		entries:  map[string]*Entry{},
		pending:  map[string]*Entry{},
		warn:     map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Tick runs one scheduling pass and returns the recommended sleep before the
// next one. A store read failure during refresh is returned wrapped in
// ErrStoreUnavailable and nothing is dispatched.
func (s *Scheduler) Tick(ctx context.Context) (time.Duration, error) {
	if s.needsRefresh(s.clock.Now()) {
		if err := s.refresh(ctx); err != nil {
			return 0, err
		}
	}

	now := s.clock.Now()
	wait := s.cfg.MaxInterval
	for _, name := range s.order {
		e := s.entries[name]
		due, next := e.IsDue(now)
		if next < wait {
			wait = next
		}
		if !due {
			continue
		}
		// advance before submitting so this entry cannot fire twice
		adv := e.Advance(now)
		s.entries[name] = adv
		s.dispatch(ctx, adv)
	}
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

func (s *Scheduler) needsRefresh(now time.Time) bool {
	return s.lastRefresh.IsZero() || now.Sub(s.lastRefresh) > s.cfg.RefreshInterval
}

func (s *Scheduler) refresh(ctx context.Context) error {
	s.Sync(ctx)

	recs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	now := s.clock.Now()
	entries := make(map[string]*Entry, len(recs))
	order := make([]string, 0, len(recs))
	for _, rec := range recs {
		e, err := NewEntry(rec, now, s.cfg.Location, s.cfg.RecheckDelay)
		if err != nil {
			s.warnInvalid(rec.Name, err)
			continue
		}
		if old, ok := s.pending[rec.Name]; ok {
			e.absorb(old)
		}
		entries[rec.Name] = e
		order = append(order, rec.Name)
	}
	s.entries, s.order, s.lastRefresh = entries, order, now
	s.pending = map[string]*Entry{}

	s.mu.Lock()
	s.stats.Entries = len(order)
	s.stats.LastRefresh = now
	s.mu.Unlock()
	s.log.Debug().Int("entries", len(order)).Msg("schedule refreshed")
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, e *Entry) {
	err := s.producer.Submit(ctx, e.Invocation())

	s.mu.Lock()
	if err != nil {
		s.stats.DispatchFailures++
	} else {
		s.stats.Dispatched++
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Str("entry", e.Name).Str("task", e.Task).Msg("dispatch failed")
		return
	}
	s.log.Info().
		Str("entry", e.Name).
		Str("task", e.Task).
		Int("total_run_count", e.TotalRunCount).
		Msg("task dispatched")
}

func (s *Scheduler) warnInvalid(name string, err error) {
	lim, ok := s.warn[name]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute), 1)
		s.warn[name] = lim
	}
	if lim.Allow() {
		s.log.Error().Err(err).Str("entry", name).Msg("invalid schedule, entry skipped")
	}
}

// Sync writes the run state of every changed entry back to the store. A
// failing entry is logged and kept for the next sync; it never stops the
// others.
func (s *Scheduler) Sync(ctx context.Context) {
	for _, name := range s.order {
		e := s.entries[name]
		if !e.changed() {
			continue
		}
		saved, err := s.save(ctx, e)
		if err != nil {
			s.pending[name] = e
			s.mu.Lock()
			s.stats.SyncFailures++
			s.mu.Unlock()
			s.log.Warn().Err(err).Str("entry", name).Msg("failed to save run state")
			continue
		}
		e.record = saved
		delete(s.pending, name)
	}
}

// save reconciles e into its record snapshot and writes it conditioned on
// the snapshot's version. On a conflict it re-reads the record and tries
// once more, keeping a run request that arrived in between.
func (s *Scheduler) save(ctx context.Context, e *Entry) (domain.PeriodicTask, error) {
	var saved domain.PeriodicTask
	err := retry.OnConflict(ctx, store.ErrConflict, retry.Jitter(s.cfg.RetryJitter), func(ctx context.Context, try int) error {
		rec := e.record
		requested := false
		if try > 0 {
			fresh, err := s.store.Get(ctx, e.Name)
			if err != nil {
				return err
			}
			// a run request written after our snapshot has not been served yet
			requested = fresh.RunImmediately && !e.record.RunImmediately
			rec = fresh
		}
		e.Reconcile(&rec)
		rec.RunImmediately = rec.RunImmediately || requested
		out, err := s.store.Save(ctx, rec, store.Precondition{Version: rec.Version})
		if err != nil {
			return err
		}
		saved = out
		if requested {
			e.RunImmediately = true
		}
		return nil
	})
	return saved, err
}

// Shutdown performs the final sync so advances made since the last refresh
// are not lost.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.Sync(ctx)
	s.log.Info().Int("entries", len(s.order)).Msg("beat state synced")
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Entries returns the current entries in name order.
func (s *Scheduler) Entries() []*Entry {
	out := make([]*Entry, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.entries[name])
	}
	return out
}

// changed reports whether the entry has run state the record lacks. A
// run-immediately flag counts only once the entry has served it.
func (e *Entry) changed() bool {
	r := e.record
	return e.TotalRunCount > r.TotalRunCount ||
		r.LastRunAt == nil ||
		e.LastRunAt.After(*r.LastRunAt) ||
		(r.RunImmediately && !e.RunImmediately)
}

// absorb carries forward run state from an entry whose save failed.
func (e *Entry) absorb(old *Entry) {
	if old.TotalRunCount > e.TotalRunCount {
		e.TotalRunCount = old.TotalRunCount
		e.RunImmediately = e.RunImmediately && old.RunImmediately
	}
	if old.LastRunAt.After(e.LastRunAt) {
		e.LastRunAt = old.LastRunAt
	}
}
