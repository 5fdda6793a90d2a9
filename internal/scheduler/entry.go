package scheduler

import (
	"fmt"
	"time"

	"localbeat/internal/domain"
	"localbeat/internal/schedule"
)

// DefaultRecheckDelay is how often dormant entries (disabled, not yet
// started, or out of runs) are looked at again.
const DefaultRecheckDelay = 5 * time.Second

// Entry is the in-memory scheduling view of one task record. Its run
// counters are authoritative between store polls and are merged back into
// the record by Reconcile.
type Entry struct {
	Name    string
	Task    string
	Rule    schedule.Rule
	Args    []any
	Kwargs  map[string]any
	Options domain.Options

	TotalRunCount int
	LastRunAt     time.Time

	Enabled        bool
	StartAfter     *time.Time
	MaxRunCount    int
	RunImmediately bool

	recheck time.Duration
	// record is the snapshot this entry was built from; its Version is the
	// precondition for the next save.
	record domain.PeriodicTask
}

// NewEntry builds an entry from a record snapshot. A missing last run time
// defaults to now. It fails with schedule.ErrInvalidSchedule (or a
// structural domain error) when the rule cannot be resolved.
func NewEntry(rec domain.PeriodicTask, now time.Time, loc *time.Location, recheck time.Duration) (*Entry, error) {
	rule, err := schedule.FromRecord(rec, loc)
	if err != nil {
		return nil, err
	}
	if recheck <= 0 {
		recheck = DefaultRecheckDelay
	}
	last := now
	if rec.LastRunAt != nil && !rec.LastRunAt.IsZero() {
		last = *rec.LastRunAt
	}
	return &Entry{
		Name:           rec.Name,
		Task:           rec.Task,
		Rule:           rule,
		Args:           rec.Args,
		Kwargs:         rec.Kwargs,
		Options:        rec.Options(),
		TotalRunCount:  rec.TotalRunCount,
		LastRunAt:      last,
		Enabled:        rec.Enabled,
		StartAfter:     rec.StartAfter,
		MaxRunCount:    rec.MaxRunCount,
		RunImmediately: rec.RunImmediately,
		recheck:        recheck,
		record:         rec,
	}, nil
}

// IsDue layers lifecycle policy over the schedule rule. The first matching
// condition decides.
func (e *Entry) IsDue(now time.Time) (bool, time.Duration) {
	if !e.Enabled {
		return false, e.recheck
	}
	if e.StartAfter != nil && now.Before(*e.StartAfter) {
		return false, e.recheck
	}
	if e.MaxRunCount > 0 && e.TotalRunCount >= e.MaxRunCount {
		return false, e.recheck
	}
	if e.RunImmediately {
		// the override decides due-ness, the rule still sets the next wait
		_, wait := e.Rule.IsDue(e.LastRunAt, now)
		return true, wait
	}
	return e.Rule.IsDue(e.LastRunAt, now)
}

// Advance returns the successor entry after a dispatch at now.
func (e *Entry) Advance(now time.Time) *Entry {
	next := *e
	next.LastRunAt = now
	next.TotalRunCount = e.TotalRunCount + 1
	next.RunImmediately = false
	return &next
}

// Reconcile merges the entry's run state into rec. Counters and the last run
// time only move forward, so an entry built from a stale snapshot can never
// undo a newer write. The run-immediately flag is always cleared.
func (e *Entry) Reconcile(rec *domain.PeriodicTask) {
	if e.TotalRunCount > rec.TotalRunCount {
		rec.TotalRunCount = e.TotalRunCount
	}
	if rec.LastRunAt == nil || e.LastRunAt.After(*rec.LastRunAt) {
		last := e.LastRunAt
		rec.LastRunAt = &last
	}
	rec.RunImmediately = false
}

// Invocation is what gets handed to the producer for this entry.
func (e *Entry) Invocation() domain.Invocation {
	return domain.Invocation{Task: e.Task, Args: e.Args, Kwargs: e.Kwargs, Options: e.Options}
}

// Record is the snapshot the entry was built from or last saved as.
func (e *Entry) Record() domain.PeriodicTask { return e.record }

func (e *Entry) String() string {
	return fmt.Sprintf("%s: %s args=%v kwargs=%v {%s}", e.Name, e.Task, e.Args, e.Kwargs, e.Rule)
}
