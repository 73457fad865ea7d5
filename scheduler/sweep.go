package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/job"
)

// housekeepingLoop runs the expiry sweep and instance cleanup on the
// reap interval. Both are leader-only; followers idle.
func (s *Scheduler) housekeepingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsLeader() {
				continue
			}
			ctx := context.Background()
			now := time.Now().UTC()
			if _, err := s.SweepExpired(ctx, now); err != nil {
				s.logger.Error("expiry sweep failed", slog.String("error", err.Error()))
			}
			if _, err := s.CleanStaleInstances(ctx, now); err != nil {
				s.logger.Error("instance cleanup failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepExpired marks every non-terminal execution whose deadline passed
// before now as timed out. Returns the number of executions swept.
func (s *Scheduler) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.jobs.ListExpiredExecutions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list expired executions: %w", err)
	}

	swept := 0
	for _, e := range expired {
		e.Status = job.StatusTimeout
		e.Error = fmt.Sprintf("execution expired at %s without completing", e.ExpiresAt.Format(time.RFC3339))
		e.CompletedAt = &now
		e.UpdatedAt = now

		if err := s.jobs.UpdateExecution(ctx, e); err != nil {
			if errors.Is(err, muster.ErrInvalidTransition) {
				// A worker finished between the list and the write.
				continue
			}
			s.logger.Error("sweep: mark execution timed out failed",
				slog.String("execution_id", e.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		swept++
		s.logger.Warn("execution timed out",
			slog.String("job_name", e.JobName),
			slog.String("execution_id", e.ID.String()),
			slog.Time("expired_at", e.ExpiresAt),
		)
		if s.hooks != nil {
			s.hooks.EmitExecutionFailed(ctx, e, errors.New(e.Error))
		}
	}
	return swept, nil
}

// CleanStaleInstances removes instances that have not heartbeat within
// the instance grace window. Returns the number removed.
func (s *Scheduler) CleanStaleInstances(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.instanceGrace)
	n, err := s.cluster.DeleteStaleInstances(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("scheduler: delete stale instances: %w", err)
	}
	if n > 0 {
		s.logger.Info("removed stale instances", slog.Int64("count", n))
	}
	return n, nil
}
