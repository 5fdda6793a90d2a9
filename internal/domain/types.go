package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrScheduleConflict = errors.New("cannot define both interval and crontab schedule")
	ErrScheduleMissing  = errors.New("must define either interval or crontab schedule")
	ErrInvalidRecord    = errors.New("invalid periodic task")
)

// Periods are the authorized values for Interval.Period.
var Periods = []string{"days", "hours", "minutes", "seconds", "microseconds"}

// Task is one unit of work in the queue.
type Task struct {
	ID                string
	Type              string
	Payload           []byte
	Queue             string
	Priority          int
	Attempts          int
	MaxAttempts       int
	State             string
	NextRunAt         time.Time
	VisibilityTimeout int // seconds
	ExpiresAt         *time.Time
	IdempotencyKey    *string
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Interval struct {
	Every  int    `json:"every"`
	Period string `json:"period"`
}

func (i Interval) String() string {
	if i.Every == 1 {
		return "every " + strings.TrimSuffix(i.Period, "s")
	}
	return fmt.Sprintf("every %d %s", i.Every, i.Period)
}

// Crontab holds the five cron fields. Empty fields mean "*".
type Crontab struct {
	Minute      string `json:"minute"`
	Hour        string `json:"hour"`
	DayOfWeek   string `json:"day_of_week"`
	DayOfMonth  string `json:"day_of_month"`
	MonthOfYear string `json:"month_of_year"`
}

func (c Crontab) String() string {
	return fmt.Sprintf("%s %s %s %s %s (m/h/d/dM/MY)",
		field(c.Minute), field(c.Hour), field(c.DayOfWeek), field(c.DayOfMonth), field(c.MonthOfYear))
}

func field(v string) string {
	v = strings.ReplaceAll(v, " ", "")
	if v == "" {
		return "*"
	}
	return v
}

// Normalized returns a copy with whitespace stripped and empty fields set to "*".
func (c Crontab) Normalized() Crontab {
	return Crontab{
		Minute:      field(c.Minute),
		Hour:        field(c.Hour),
		DayOfWeek:   field(c.DayOfWeek),
		DayOfMonth:  field(c.DayOfMonth),
		MonthOfYear: field(c.MonthOfYear),
	}
}

// Options are delivery hints handed to the producer with every dispatch.
type Options struct {
	Queue         string     `json:"queue,omitempty"`
	Exchange      string     `json:"exchange,omitempty"`
	RoutingKey    string     `json:"routing_key,omitempty"`
	SoftTimeLimit int        `json:"soft_time_limit,omitempty"` // seconds
	Expires       *time.Time `json:"expires,omitempty"`
}

// PeriodicTask is the persisted definition of one periodic task.
// Exactly one of Interval and Crontab is set.
type PeriodicTask struct {
	Name     string         `json:"name"`
	Task     string         `json:"task"`
	Interval *Interval      `json:"interval,omitempty"`
	Crontab  *Crontab       `json:"crontab,omitempty"`
	Args     []any          `json:"args"`
	Kwargs   map[string]any `json:"kwargs"`

	Queue         string     `json:"queue,omitempty"`
	Exchange      string     `json:"exchange,omitempty"`
	RoutingKey    string     `json:"routing_key,omitempty"`
	SoftTimeLimit int        `json:"soft_time_limit,omitempty"`
	Expires       *time.Time `json:"expires,omitempty"`

	Enabled        bool       `json:"enabled"`
	StartAfter     *time.Time `json:"start_after,omitempty"`
	RunImmediately bool       `json:"run_immediately"`

	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	TotalRunCount int        `json:"total_run_count"`
	MaxRunCount   int        `json:"max_run_count"` // 0 means unlimited

	DateChanged *time.Time `json:"date_changed,omitempty"`
	Description string     `json:"description,omitempty"`

	// Version is bumped by the store on every save.
	Version int64 `json:"version"`
}

// Validate checks the structural invariants enforced on every persist.
func (t PeriodicTask) Validate() error {
	if t.Interval != nil && t.Crontab != nil {
		return ErrScheduleConflict
	}
	if t.Interval == nil && t.Crontab == nil {
		return ErrScheduleMissing
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(t.Task) == "" {
		return fmt.Errorf("%w: task is required", ErrInvalidRecord)
	}
	if t.TotalRunCount < 0 || t.MaxRunCount < 0 {
		return fmt.Errorf("%w: run counts must be >= 0", ErrInvalidRecord)
	}
	return nil
}

func (t PeriodicTask) Options() Options {
	return Options{
		Queue:         t.Queue,
		Exchange:      t.Exchange,
		RoutingKey:    t.RoutingKey,
		SoftTimeLimit: t.SoftTimeLimit,
		Expires:       t.Expires,
	}
}

func (t PeriodicTask) String() string {
	switch {
	case t.Interval != nil:
		return t.Name + ": " + t.Interval.String()
	case t.Crontab != nil:
		return t.Name + ": " + t.Crontab.String()
	default:
		return t.Name + ": {no schedule}"
	}
}

// Invocation is what the scheduler hands to the producer on dispatch.
type Invocation struct {
	Task    string         `json:"task"`
	Args    []any          `json:"args"`
	Kwargs  map[string]any `json:"kwargs"`
	Options Options        `json:"options"`
}
