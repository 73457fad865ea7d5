package job_test

import (
	"testing"
	"time"

	"github.com/driftlock/muster/job"
	"github.com/driftlock/muster/schedule"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   job.Status
		terminal bool
	}{
		{job.StatusPending, false},
		{job.StatusRunning, false},
		{job.StatusSuccess, true},
		{job.StatusFailed, true},
		{job.StatusTimeout, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestDefinitionRunnable(t *testing.T) {
	tests := []struct {
		name     string
		opts     []job.Option
		runnable bool
	}{
		{"enabled", nil, true},
		{"paused", []job.Option{job.Paused()}, false},
		{"disabled", []job.Option{job.Disabled()}, false},
		{"disabled and paused", []job.Option{job.Disabled(), job.Paused()}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := job.New(tt.name, schedule.Every(time.Minute), "pkg.fn", job.KindFunction, tt.opts...)
			if got := d.Runnable(); got != tt.runnable {
				t.Errorf("Runnable() = %v, want %v", got, tt.runnable)
			}
		})
	}
}

func TestDefinitionExecTimeout(t *testing.T) {
	fallback := 10 * time.Minute

	d := job.New("with-timeout", schedule.Every(time.Minute), "pkg.fn", job.KindFunction,
		job.WithTimeout(30*time.Second))
	if got := d.ExecTimeout(fallback); got != 30*time.Second {
		t.Errorf("expected job timeout, got %v", got)
	}

	d = job.New("without-timeout", schedule.Every(time.Minute), "pkg.fn", job.KindFunction)
	if got := d.ExecTimeout(fallback); got != fallback {
		t.Errorf("expected fallback timeout, got %v", got)
	}
}

func TestNewExecution(t *testing.T) {
	d := job.New("nightly", schedule.Every(time.Hour), "reports.cleanup", job.KindQueueTask,
		job.WithTimeout(time.Minute))

	e := job.NewExecution(d, job.TriggerScheduler, 10*time.Minute)

	if e.Status != job.StatusPending {
		t.Errorf("status = %q, want pending", e.Status)
	}
	if e.JobID != d.ID {
		t.Errorf("job id = %v, want %v", e.JobID, d.ID)
	}
	if e.JobName != "nightly" {
		t.Errorf("job name = %q, want %q", e.JobName, "nightly")
	}
	if e.TriggeredBy != job.TriggerScheduler {
		t.Errorf("triggered by = %q, want scheduler", e.TriggeredBy)
	}
	if !e.TaskID.IsNil() {
		t.Error("fresh execution must not carry a task id")
	}

	// Deadline comes from the job's own timeout, not the fallback.
	want := e.CreatedAt.Add(time.Minute)
	if !e.ExpiresAt.Equal(want) {
		t.Errorf("expires at = %v, want %v", e.ExpiresAt, want)
	}
}
