// Package schedule implements the trigger engine: pure functions that
// compute the next fire time of a job from its schedule spec.
//
// Two trigger kinds exist. Interval triggers fire at a fixed period from
// the reference time. Cron triggers match calendar instants described by
// six fields (seconds first), parsed with robfig/cron semantics.
//
// The engine has no side effects and no clock of its own; callers pass
// the reference time. An invalid spec yields an error, which callers
// treat as "do not schedule" rather than a crash.
package schedule

import (
	"fmt"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/driftlock/muster"
)

// Kind discriminates the trigger variants of a Spec.
type Kind string

const (
	// KindInterval fires at a fixed period from the reference time.
	KindInterval Kind = "interval"
	// KindCron fires at calendar instants matching a cron expression.
	KindCron Kind = "cron"
)

// Interval is a fixed-period trigger. The components are summed; the
// total must be positive.
type Interval struct {
	Seconds int `json:"seconds,omitempty"`
	Minutes int `json:"minutes,omitempty"`
	Hours   int `json:"hours,omitempty"`
}

// Duration returns the summed period.
func (iv Interval) Duration() time.Duration {
	return time.Duration(iv.Hours)*time.Hour +
		time.Duration(iv.Minutes)*time.Minute +
		time.Duration(iv.Seconds)*time.Second
}

// Cron is a calendar trigger. Empty fields default to "*". Field values
// follow robfig/cron syntax (lists, ranges, steps, names).
type Cron struct {
	Second    string `json:"second,omitempty"`
	Minute    string `json:"minute,omitempty"`
	Hour      string `json:"hour,omitempty"`
	Day       string `json:"day,omitempty"`
	DayOfWeek string `json:"day_of_week,omitempty"`
	Month     string `json:"month,omitempty"`
}

// Expression assembles the six-field cron expression in parser order:
// second, minute, hour, day-of-month, month, day-of-week.
func (c Cron) Expression() string {
	return strings.Join([]string{
		defaultStar(c.Second),
		defaultStar(c.Minute),
		defaultStar(c.Hour),
		defaultStar(c.Day),
		defaultStar(c.Month),
		defaultStar(c.DayOfWeek),
	}, " ")
}

func defaultStar(field string) string {
	if field == "" {
		return "*"
	}
	return field
}

// fields reports the raw field values for validation.
func (c Cron) fields() []string {
	return []string{c.Second, c.Minute, c.Hour, c.Day, c.DayOfWeek, c.Month}
}

// Spec is a job's trigger configuration. Exactly one variant matching
// Kind must be set. Specs marshal to JSON for storage.
type Spec struct {
	Kind     Kind      `json:"kind"`
	Interval *Interval `json:"interval,omitempty"`
	Cron     *Cron     `json:"cron,omitempty"`
}

// Every returns an interval Spec firing once per period d.
// Sub-second components are truncated.
func Every(d time.Duration) Spec {
	d = d.Truncate(time.Second)
	return Spec{
		Kind: KindInterval,
		Interval: &Interval{
			Hours:   int(d / time.Hour),
			Minutes: int(d % time.Hour / time.Minute),
			Seconds: int(d % time.Minute / time.Second),
		},
	}
}

// On returns a cron Spec for the given calendar trigger.
func On(c Cron) Spec {
	return Spec{Kind: KindCron, Cron: &c}
}

// parser accepts six-field expressions with a seconds column.
var parser = cronlib.NewParser(
	cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// compiled caches parsed cron schedules keyed by expression.
var compiled sync.Map // string -> cronlib.Schedule

func compile(expr string) (cronlib.Schedule, error) {
	if cached, ok := compiled.Load(expr); ok {
		return cached.(cronlib.Schedule), nil
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}

	compiled.Store(expr, sched)
	return sched, nil
}

// Validate reports whether the spec can ever produce a fire time.
func Validate(spec Spec) error {
	switch spec.Kind {
	case KindInterval:
		if spec.Interval == nil {
			return fmt.Errorf("schedule: %w: interval kind without interval", muster.ErrInvalidSchedule)
		}
		if spec.Interval.Seconds < 0 || spec.Interval.Minutes < 0 || spec.Interval.Hours < 0 {
			return fmt.Errorf("schedule: %w: negative interval component", muster.ErrInvalidSchedule)
		}
		if spec.Interval.Duration() <= 0 {
			return fmt.Errorf("schedule: %w: interval must be positive", muster.ErrInvalidSchedule)
		}
		return nil

	case KindCron:
		if spec.Cron == nil {
			return fmt.Errorf("schedule: %w: cron kind without cron fields", muster.ErrInvalidSchedule)
		}
		for _, f := range spec.Cron.fields() {
			if strings.ContainsAny(f, " \t") {
				return fmt.Errorf("schedule: %w: cron field %q contains whitespace", muster.ErrInvalidSchedule, f)
			}
		}
		if _, err := compile(spec.Cron.Expression()); err != nil {
			return fmt.Errorf("schedule: %w: %v", muster.ErrInvalidSchedule, err)
		}
		return nil

	default:
		return fmt.Errorf("schedule: %w: unknown kind %q", muster.ErrInvalidSchedule, spec.Kind)
	}
}

// Next computes the first fire time strictly after the reference time.
// An invalid spec returns the zero time and an error.
func Next(spec Spec, after time.Time) (time.Time, error) {
	if err := Validate(spec); err != nil {
		return time.Time{}, err
	}

	switch spec.Kind {
	case KindInterval:
		return after.Add(spec.Interval.Duration()), nil
	default:
		sched, err := compile(spec.Cron.Expression())
		if err != nil {
			return time.Time{}, fmt.Errorf("schedule: %w: %v", muster.ErrInvalidSchedule, err)
		}
		// robfig reports an expression that never matches (e.g. Feb 30)
		// as the zero time rather than a parse error.
		next := sched.Next(after)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("schedule: %w: %q never fires", muster.ErrInvalidSchedule, spec.Cron.Expression())
		}
		return next, nil
	}
}
