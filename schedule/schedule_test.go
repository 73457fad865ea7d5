package schedule_test

import (
	"errors"
	"testing"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/schedule"
)

var reference = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) // a Tuesday

func TestIntervalNext(t *testing.T) {
	tests := []struct {
		name string
		spec schedule.Spec
		want time.Duration
	}{
		{"five minutes", schedule.Every(5 * time.Minute), 5 * time.Minute},
		{"ninety seconds", schedule.Every(90 * time.Second), 90 * time.Second},
		{"mixed components", schedule.Spec{
			Kind:     schedule.KindInterval,
			Interval: &schedule.Interval{Hours: 1, Minutes: 2, Seconds: 3},
		}, time.Hour + 2*time.Minute + 3*time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := schedule.Next(tt.spec, reference)
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if want := reference.Add(tt.want); !got.Equal(want) {
				t.Errorf("expected %v, got %v", want, got)
			}
			if !got.After(reference) {
				t.Errorf("fire time %v not strictly after reference %v", got, reference)
			}
		})
	}
}

func TestEveryDecomposition(t *testing.T) {
	spec := schedule.Every(time.Hour + 2*time.Minute + 3*time.Second)
	iv := spec.Interval
	if iv == nil {
		t.Fatal("expected interval variant")
	}
	if iv.Hours != 1 || iv.Minutes != 2 || iv.Seconds != 3 {
		t.Errorf("expected 1h2m3s, got %dh%dm%ds", iv.Hours, iv.Minutes, iv.Seconds)
	}
}

func TestCronNext(t *testing.T) {
	tests := []struct {
		name string
		cron schedule.Cron
		want time.Time
	}{
		{
			"daily at 04:30",
			schedule.Cron{Second: "0", Minute: "30", Hour: "4"},
			time.Date(2026, 3, 10, 4, 30, 0, 0, time.UTC),
		},
		{
			"mondays at 09:00",
			schedule.Cron{Second: "0", Minute: "0", Hour: "9", DayOfWeek: "1"},
			time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC),
		},
		{
			"first of june",
			schedule.Cron{Second: "0", Minute: "0", Hour: "0", Day: "1", Month: "6"},
			time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			"every five minutes",
			schedule.Cron{Second: "0", Minute: "*/5"},
			time.Date(2026, 3, 10, 0, 5, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := schedule.Next(schedule.On(tt.cron), reference)
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCronNextStrictlyAfter(t *testing.T) {
	// Reference sits exactly on a matching instant; the next fire must be
	// the following occurrence, never the reference itself.
	spec := schedule.On(schedule.Cron{Second: "0", Minute: "30", Hour: "4"})
	onTheDot := time.Date(2026, 3, 10, 4, 30, 0, 0, time.UTC)

	got, err := schedule.Next(spec, onTheDot)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	want := time.Date(2026, 3, 11, 4, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestCronExpressionDefaults(t *testing.T) {
	var c schedule.Cron
	if got := c.Expression(); got != "* * * * * *" {
		t.Errorf("expected all wildcards, got %q", got)
	}

	c = schedule.Cron{Second: "0", Minute: "15", Hour: "8", Day: "1", DayOfWeek: "MON", Month: "6"}
	if got := c.Expression(); got != "0 15 8 1 6 MON" {
		t.Errorf("unexpected expression %q", got)
	}
}

func TestInvalidSpecs(t *testing.T) {
	tests := []struct {
		name string
		spec schedule.Spec
	}{
		{"zero interval", schedule.Spec{Kind: schedule.KindInterval, Interval: &schedule.Interval{}}},
		{"negative component", schedule.Spec{Kind: schedule.KindInterval, Interval: &schedule.Interval{Minutes: -1, Hours: 1}}},
		{"interval kind without variant", schedule.Spec{Kind: schedule.KindInterval}},
		{"cron kind without variant", schedule.Spec{Kind: schedule.KindCron}},
		{"unknown kind", schedule.Spec{Kind: "hourly"}},
		{"empty kind", schedule.Spec{}},
		{"bad cron field", schedule.On(schedule.Cron{Minute: "61"})},
		{"whitespace cron field", schedule.On(schedule.Cron{Minute: "0 0"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := schedule.Validate(tt.spec); !errors.Is(err, muster.ErrInvalidSchedule) {
				t.Errorf("Validate: expected ErrInvalidSchedule, got %v", err)
			}

			got, err := schedule.Next(tt.spec, reference)
			if !errors.Is(err, muster.ErrInvalidSchedule) {
				t.Errorf("Next: expected ErrInvalidSchedule, got %v", err)
			}
			if !got.IsZero() {
				t.Errorf("Next: expected zero time for invalid spec, got %v", got)
			}
		})
	}
}

func TestCronNeverFires(t *testing.T) {
	// February 30th parses but never matches a real date.
	spec := schedule.On(schedule.Cron{Second: "0", Minute: "0", Hour: "0", Day: "30", Month: "2"})
	if err := schedule.Validate(spec); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if _, err := schedule.Next(spec, reference); !errors.Is(err, muster.ErrInvalidSchedule) {
		t.Errorf("expected ErrInvalidSchedule for an unsatisfiable expression, got %v", err)
	}
}

func TestValidateAcceptsNames(t *testing.T) {
	specs := []schedule.Spec{
		schedule.On(schedule.Cron{DayOfWeek: "MON-FRI"}),
		schedule.On(schedule.Cron{Month: "JAN,JUL"}),
		schedule.On(schedule.Cron{Second: "*/15", Minute: "0-30"}),
	}
	for _, spec := range specs {
		if err := schedule.Validate(spec); err != nil {
			t.Errorf("Validate(%+v) failed: %v", spec.Cron, err)
		}
	}
}
