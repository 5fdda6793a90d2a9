// Package schedule computes due-ness for interval and cron rules.
//
// Rules are pure: IsDue depends only on the rule, the last run time and the
// supplied current time.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"localbeat/internal/domain"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Rule reports whether a task last run at lastRunAt is due at now, and how
// long until it should be checked again.
type Rule interface {
	IsDue(lastRunAt, now time.Time) (bool, time.Duration)
	String() string
}

// units has one entry per domain.Periods value.
var units = map[string]time.Duration{
	"days":         24 * time.Hour,
	"hours":        time.Hour,
	"minutes":      time.Minute,
	"seconds":      time.Second,
	"microseconds": time.Microsecond,
}

type IntervalRule struct {
	def   domain.Interval
	every time.Duration
}

func NewInterval(iv domain.Interval) (IntervalRule, error) {
	unit, ok := units[iv.Period]
	if !ok {
		return IntervalRule{}, fmt.Errorf("%w: unknown period %q, want one of %s",
			ErrInvalidSchedule, iv.Period, strings.Join(domain.Periods, ", "))
	}
	if iv.Every < 0 {
		return IntervalRule{}, fmt.Errorf("%w: every must be >= 0, got %d", ErrInvalidSchedule, iv.Every)
	}
	if int64(iv.Every) > math.MaxInt64/int64(unit) {
		return IntervalRule{}, fmt.Errorf("%w: every %d %s is too long", ErrInvalidSchedule, iv.Every, iv.Period)
	}
	return IntervalRule{def: iv, every: time.Duration(iv.Every) * unit}, nil
}

// IsDue is due once the full interval has elapsed since lastRunAt. Once due,
// the returned wait is the full interval, the cadence that follows a run.
func (r IntervalRule) IsDue(lastRunAt, now time.Time) (bool, time.Duration) {
	rem := r.every - now.Sub(lastRunAt)
	if rem <= 0 {
		return true, r.every
	}
	return false, rem
}

func (r IntervalRule) String() string { return r.def.String() }

// cronParser accepts the five standard fields, including ranges, lists,
// steps and month/weekday names.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type CronRule struct {
	def  domain.Crontab
	spec *cron.SpecSchedule
}

// NewCron expands the crontab fields, evaluating matches in loc (UTC when nil).
// robfig only parses the fields here; matching and the search for the next
// instant are done by CronRule itself.
func NewCron(ct domain.Crontab, loc *time.Location) (CronRule, error) {
	ct = ct.Normalized()
	expr := fmt.Sprintf("%s %s %s %s %s", ct.Minute, ct.Hour, ct.DayOfMonth, ct.MonthOfYear, ct.DayOfWeek)
	s, err := cronParser.Parse(expr)
	if err != nil {
		return CronRule{}, fmt.Errorf("%w: crontab %q: %v", ErrInvalidSchedule, expr, err)
	}
	spec, ok := s.(*cron.SpecSchedule)
	if !ok {
		return CronRule{}, fmt.Errorf("%w: crontab %q is not a field schedule", ErrInvalidSchedule, expr)
	}
	if loc == nil {
		loc = time.UTC
	}
	spec.Location = loc
	return CronRule{def: ct, spec: spec}, nil
}

// cronHorizon bounds the search for a matching minute. A day-of-month and
// weekday pair such as 29 February on a Monday recurs within this window.
const cronHorizon = 50

// Next returns the first minute strictly after t matched by all five fields,
// or the zero time when none exists within cronHorizon years.
func (r CronRule) Next(t time.Time) time.Time {
	loc := r.spec.Location
	limit := t.In(loc).AddDate(cronHorizon, 0, 0)
	// robfig ORs restricted day fields, so its candidates are a superset of
	// ours; a rejected candidate can only fail on the day.
	n := r.spec.Next(t)
	for !n.IsZero() && !n.After(limit) {
		if r.Matches(n) {
			return n
		}
		dayEnd := time.Date(n.Year(), n.Month(), n.Day()+1, 0, 0, 0, 0, loc)
		n = r.spec.Next(dayEnd.Add(-time.Nanosecond))
	}
	return time.Time{}
}

// Matches reports whether t falls in a minute selected by all five fields.
// Day-of-month and day-of-week must both match, like every other field.
func (r CronRule) Matches(t time.Time) bool {
	s := r.spec
	t = t.In(s.Location)
	return 1<<uint(t.Minute())&s.Minute != 0 &&
		1<<uint(t.Hour())&s.Hour != 0 &&
		1<<uint(t.Day())&s.Dom != 0 &&
		1<<uint(t.Month())&s.Month != 0 &&
		1<<uint(t.Weekday())&s.Dow != 0
}

// IsDue is due when a matching instant lies in (lastRunAt, now]. The wait is
// the time until the next matching instant after the relevant baseline.
func (r CronRule) IsDue(lastRunAt, now time.Time) (bool, time.Duration) {
	next := r.Next(lastRunAt)
	if next.IsZero() {
		return false, dormantWait
	}
	if !next.After(now) {
		following := r.Next(now)
		if following.IsZero() {
			return true, dormantWait
		}
		return true, following.Sub(now)
	}
	return false, next.Sub(now)
}

const dormantWait = 24 * time.Hour

func (r CronRule) String() string { return r.def.String() }

// FromRecord resolves the schedule variant carried by a task record.
func FromRecord(t domain.PeriodicTask, loc *time.Location) (Rule, error) {
	switch {
	case t.Interval != nil && t.Crontab != nil:
		return nil, domain.ErrScheduleConflict
	case t.Interval != nil:
		return NewInterval(*t.Interval)
	case t.Crontab != nil:
		return NewCron(*t.Crontab, loc)
	default:
		return nil, domain.ErrScheduleMissing
	}
}
