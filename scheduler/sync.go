package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftlock/muster/id"
	"github.com/driftlock/muster/job"
	"github.com/driftlock/muster/schedule"
	"github.com/driftlock/muster/taskqueue"
)

// syncOnce walks every runnable job definition and fires the due ones.
// Per-job errors are logged and never abort the pass.
func (s *Scheduler) syncOnce(ctx context.Context) {
	defs, err := s.jobs.ListJobs(ctx, job.ListOpts{})
	if err != nil {
		s.logger.Error("sync: list jobs failed", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, d := range defs {
		if !d.Runnable() {
			continue
		}
		s.syncJob(ctx, d, now)
	}
}

func (s *Scheduler) syncJob(ctx context.Context, d *job.Definition, now time.Time) {
	if d.NextRunAt == nil {
		s.seedNextRun(ctx, d, now)
		return
	}

	due := *d.NextRunAt
	if due.After(now) {
		return
	}

	if now.Sub(due) > s.misfireGrace {
		// Too stale to fire; skip the missed occurrence.
		s.advance(ctx, d, now, true)
		return
	}

	s.fire(ctx, d, now)
}

// seedNextRun handles a job the scheduler has never considered.
// Interval jobs are due from the moment they are created; cron jobs
// wait for their first calendar match.
func (s *Scheduler) seedNextRun(ctx context.Context, d *job.Definition, now time.Time) {
	if d.Schedule.Kind == schedule.KindInterval {
		s.fire(ctx, d, now)
		return
	}

	next, err := schedule.Next(d.Schedule, now)
	if err != nil {
		s.logger.Error("sync: invalid schedule",
			slog.String("job_name", d.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.jobs.UpdateJobNextRun(ctx, d.ID, &next); err != nil {
		s.logger.Error("sync: persist next run failed",
			slog.String("job_name", d.Name),
			slog.String("error", err.Error()),
		)
	}
}

// fire dispatches one occurrence and advances the schedule. If the
// execution row cannot even be created, next_run_at is left alone so
// the next tick retries the occurrence.
func (s *Scheduler) fire(ctx context.Context, d *job.Definition, now time.Time) {
	e, err := s.launch(ctx, d, job.TriggerScheduler)
	if err != nil && e == nil {
		s.logger.Error("sync: fire failed",
			slog.String("job_name", d.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	s.advance(ctx, d, now, false)
}

// advance persists the next occurrence computed from now.
func (s *Scheduler) advance(ctx context.Context, d *job.Definition, now time.Time, skipped bool) {
	next, err := schedule.Next(d.Schedule, now)
	if err != nil {
		s.logger.Error("sync: invalid schedule",
			slog.String("job_name", d.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	if skipped {
		s.logger.Warn("skipping missed occurrence",
			slog.String("job_name", d.Name),
			slog.Time("was_due", *d.NextRunAt),
			slog.Time("next_run", next),
		)
	}

	if err := s.jobs.UpdateJobNextRun(ctx, d.ID, &next); err != nil {
		s.logger.Error("sync: persist next run failed",
			slog.String("job_name", d.Name),
			slog.String("error", err.Error()),
		)
	}
}

// launch creates a pending execution for the job and dispatches it.
// A dispatch failure is recorded on the execution and returned with
// the failed row.
func (s *Scheduler) launch(ctx context.Context, d *job.Definition, trigger job.TriggeredBy) (*job.Execution, error) {
	e := job.NewExecution(d, trigger, s.defaultTimeout)
	if err := s.jobs.CreateExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("scheduler: create execution for %q: %w", d.Name, err)
	}

	if err := s.dispatch(ctx, d, e); err != nil {
		s.failExecution(ctx, e, err)
		return e, err
	}

	if s.hooks != nil {
		s.hooks.EmitJobFired(ctx, d, e)
	}
	s.logger.Info("job dispatched",
		slog.String("job_name", d.Name),
		slog.String("execution_id", e.ID.String()),
		slog.String("triggered_by", string(trigger)),
	)
	return e, nil
}

// dispatch routes the task by handler kind: queue tasks go to the
// queue, standalone functions always run in the dispatching process.
func (s *Scheduler) dispatch(ctx context.Context, d *job.Definition, e *job.Execution) error {
	t := taskqueue.NewTask(d, e)

	if d.HandlerKind == job.KindFunction {
		if s.executor == nil {
			return fmt.Errorf("scheduler: job %q is a standalone function but no executor is configured", d.Name)
		}
		go func() {
			if err := s.executor.Execute(context.Background(), t); err != nil {
				s.logger.Debug("standalone function failed",
					slog.String("job_name", t.JobName),
					slog.String("error", err.Error()),
				)
			}
		}()
		return nil
	}

	return s.queue.Submit(ctx, t)
}

// failExecution records a dispatch failure on the execution row.
func (s *Scheduler) failExecution(ctx context.Context, e *job.Execution, dispatchErr error) {
	now := time.Now().UTC()
	e.Status = job.StatusFailed
	e.Error = dispatchErr.Error()
	e.CompletedAt = &now
	e.UpdatedAt = now

	if err := s.jobs.UpdateExecution(ctx, e); err != nil {
		s.logger.Error("record dispatch failure failed",
			slog.String("execution_id", e.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if s.hooks != nil {
		s.hooks.EmitExecutionFailed(ctx, e, dispatchErr)
	}
	s.logger.Error("dispatch failed",
		slog.String("job_name", e.JobName),
		slog.String("execution_id", e.ID.String()),
		slog.String("error", dispatchErr.Error()),
	)
}

// TriggerNow dispatches a job immediately, bypassing its schedule and
// leaving next_run_at untouched. It works on any instance, leader or
// not, and fires even paused or disabled jobs: a manual trigger states
// operator intent. Returns the created execution.
func (s *Scheduler) TriggerNow(ctx context.Context, jobID id.JobID, trigger job.TriggeredBy) (*job.Execution, error) {
	d, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.launch(ctx, d, trigger)
}
