package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"localbeat/internal/domain"
	"localbeat/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memStore mimics the SQLite store's versioned writes.
type memStore struct {
	mu      sync.Mutex
	recs    map[string]domain.PeriodicTask
	listErr error
	// conflicts makes the next N conditional saves lose a race.
	conflicts int
	saves     int
}

func newMemStore(recs ...domain.PeriodicTask) *memStore {
	m := &memStore{recs: map[string]domain.PeriodicTask{}}
	for _, r := range recs {
		if _, err := m.Save(context.Background(), r, store.Precondition{}); err != nil {
			panic(err)
		}
	}
	return m
}

func (m *memStore) List(ctx context.Context) ([]domain.PeriodicTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]domain.PeriodicTask, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) Get(ctx context.Context, name string) (domain.PeriodicTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[name]
	if !ok {
		return domain.PeriodicTask{}, store.ErrNotFound
	}
	return r, nil
}

func (m *memStore) Save(ctx context.Context, t domain.PeriodicTask, cond store.Precondition) (domain.PeriodicTask, error) {
	if err := t.Validate(); err != nil {
		return domain.PeriodicTask{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.recs[t.Name]
	switch {
	case cond.Absent && exists:
		return domain.PeriodicTask{}, store.ErrConflict
	case cond.Version > 0 && !exists:
		return domain.PeriodicTask{}, store.ErrNotFound
	case cond.Version > 0 && m.conflicts > 0:
		m.conflicts--
		cur.Version++
		m.recs[t.Name] = cur
		return domain.PeriodicTask{}, store.ErrConflict
	case cond.Version > 0 && cur.Version != cond.Version:
		return domain.PeriodicTask{}, store.ErrConflict
	}
	t.Version = cur.Version + 1
	m.recs[t.Name] = t
	m.saves++
	return t, nil
}

func (m *memStore) get(name string) domain.PeriodicTask {
	r, err := m.Get(context.Background(), name)
	if err != nil {
		panic(err)
	}
	return r
}

// update applies f the way the management API would, as a conditional write.
func (m *memStore) update(name string, f func(*domain.PeriodicTask)) {
	r := m.get(name)
	f(&r)
	if _, err := m.Save(context.Background(), r, store.Precondition{Version: r.Version}); err != nil {
		panic(err)
	}
}

type dispatched struct {
	at  time.Time
	inv domain.Invocation
}

type fakeProducer struct {
	mu    sync.Mutex
	clock Clock
	sent  []dispatched
	err   error
}

func (p *fakeProducer) Submit(ctx context.Context, inv domain.Invocation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	var at time.Time
	if p.clock != nil {
		at = p.clock.Now()
	}
	p.sent = append(p.sent, dispatched{at: at, inv: inv})
	return nil
}

func (p *fakeProducer) count(task string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, d := range p.sent {
		if d.inv.Task == task {
			n++
		}
	}
	return n
}

func (p *fakeProducer) times() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]time.Time, len(p.sent))
	for i, d := range p.sent {
		out[i] = d.at
	}
	return out
}

var errBroken = errors.New("connection refused")

func intervalTask(name string, every int, period string) domain.PeriodicTask {
	return domain.PeriodicTask{
		Name:     name,
		Task:     name,
		Interval: &domain.Interval{Every: every, Period: period},
		Args:     []any{name},
		Kwargs:   map[string]any{},
		Enabled:  true,
	}
}
