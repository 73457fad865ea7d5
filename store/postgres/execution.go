package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/id"
	"github.com/driftlock/muster/job"
)

// CreateExecution persists a new execution row.
func (s *Store) CreateExecution(ctx context.Context, e *job.Execution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO muster_executions (
			id, job_id, job_name, status, triggered_by, task_id,
			started_at, completed_at, expires_at, result, error,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.JobID, e.JobName, string(e.Status), string(e.TriggeredBy), e.TaskID,
		e.StartedAt, e.CompletedAt, e.ExpiresAt, e.Result, e.Error,
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("muster/postgres: create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, runID id.RunID) (*job.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			id, job_id, job_name, status, triggered_by, task_id,
			started_at, completed_at, expires_at, result, error,
			created_at, updated_at
		FROM muster_executions
		WHERE id = $1`,
		runID,
	)

	e, err := scanExecution(row)
	if err != nil {
		if isNoRows(err) {
			return nil, muster.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("muster/postgres: get execution: %w", err)
	}
	return e, nil
}

// UpdateExecution persists changes to an execution. Terminal rows accept
// no further status change, so a finished execution cannot be claimed or
// failed retroactively.
func (s *Store) UpdateExecution(ctx context.Context, e *job.Execution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE muster_executions SET
			status = $2, task_id = $3, started_at = $4, completed_at = $5,
			expires_at = $6, result = $7, error = $8, updated_at = NOW()
		WHERE id = $1
		  AND (status = $2 OR status NOT IN ('success', 'failed', 'timeout'))`,
		e.ID, string(e.Status), e.TaskID, e.StartedAt, e.CompletedAt,
		e.ExpiresAt, e.Result, e.Error,
	)
	if err != nil {
		return fmt.Errorf("muster/postgres: update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a terminal one.
		var current string
		err = s.pool.QueryRow(ctx,
			`SELECT status FROM muster_executions WHERE id = $1`, e.ID,
		).Scan(&current)
		if isNoRows(err) {
			return muster.ErrExecutionNotFound
		}
		if err != nil {
			return fmt.Errorf("muster/postgres: update execution: %w", err)
		}
		return fmt.Errorf("muster/postgres: execution %s is %s: %w", e.ID, current, muster.ErrInvalidTransition)
	}
	return nil
}

// ListExecutions returns executions matching opts, newest first.
func (s *Store) ListExecutions(ctx context.Context, opts job.ExecListOpts) ([]*job.Execution, error) {
	query := `
		SELECT
			id, job_id, job_name, status, triggered_by, task_id,
			started_at, completed_at, expires_at, result, error,
			created_at, updated_at
		FROM muster_executions
		WHERE 1=1`
	args := []any{}
	argIdx := 1

	if !opts.JobID.IsNil() {
		query += fmt.Sprintf(" AND job_id = $%d", argIdx)
		args = append(args, opts.JobID)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("muster/postgres: list executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// CountExecutions returns the number of executions matching opts.
func (s *Store) CountExecutions(ctx context.Context, opts job.ExecListOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM muster_executions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if !opts.JobID.IsNil() {
		query += fmt.Sprintf(" AND job_id = $%d", argIdx)
		args = append(args, opts.JobID)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("muster/postgres: count executions: %w", err)
	}
	return count, nil
}

// ListExpiredExecutions returns non-terminal executions whose deadline
// passed before now, oldest first.
func (s *Store) ListExpiredExecutions(ctx context.Context, now time.Time) ([]*job.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			id, job_id, job_name, status, triggered_by, task_id,
			started_at, completed_at, expires_at, result, error,
			created_at, updated_at
		FROM muster_executions
		WHERE status NOT IN ('success', 'failed', 'timeout')
		  AND expires_at < $1
		ORDER BY created_at ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("muster/postgres: list expired executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// scanExecution scans a single execution row.
func scanExecution(row pgx.Row) (*job.Execution, error) {
	var (
		e         job.Execution
		statusStr string
		trigStr   string
	)
	err := row.Scan(
		&e.ID, &e.JobID, &e.JobName, &statusStr, &trigStr, &e.TaskID,
		&e.StartedAt, &e.CompletedAt, &e.ExpiresAt, &e.Result, &e.Error,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = job.Status(statusStr)
	e.TriggeredBy = job.TriggeredBy(trigStr)

	return &e, nil
}

// collectExecutions scans all execution rows.
func collectExecutions(rows pgx.Rows) ([]*job.Execution, error) {
	var execs []*job.Execution
	for rows.Next() {
		e, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("muster/postgres: scan execution row: %w", scanErr)
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("muster/postgres: iterate execution rows: %w", err)
	}
	return execs, nil
}
