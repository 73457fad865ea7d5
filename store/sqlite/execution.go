package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/id"
	"github.com/driftlock/muster/job"
)

// CreateExecution persists a new execution row.
func (s *Store) CreateExecution(ctx context.Context, e *job.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO muster_executions (
			id, job_id, job_name, status, triggered_by, task_id,
			started_at, completed_at, expires_at, result, error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, e.JobName, string(e.Status), string(e.TriggeredBy), e.TaskID,
		toNsPtr(e.StartedAt), toNsPtr(e.CompletedAt), toNs(e.ExpiresAt), e.Result, e.Error,
		toNs(e.CreatedAt), toNs(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("muster/sqlite: create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, runID id.RunID) (*job.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			id, job_id, job_name, status, triggered_by, task_id,
			started_at, completed_at, expires_at, result, error,
			created_at, updated_at
		FROM muster_executions
		WHERE id = ?`,
		runID,
	)

	e, err := scanExecution(row)
	if err != nil {
		if isNoRows(err) {
			return nil, muster.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("muster/sqlite: get execution: %w", err)
	}
	return e, nil
}

// UpdateExecution persists changes to an execution. Terminal rows accept
// no further status change.
func (s *Store) UpdateExecution(ctx context.Context, e *job.Execution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE muster_executions SET
			status = ?, task_id = ?, started_at = ?, completed_at = ?,
			expires_at = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ?
		  AND (status = ? OR status NOT IN ('success', 'failed', 'timeout'))`,
		string(e.Status), e.TaskID, toNsPtr(e.StartedAt), toNsPtr(e.CompletedAt),
		toNs(e.ExpiresAt), e.Result, e.Error, toNs(time.Now().UTC()),
		e.ID, string(e.Status),
	)
	if err != nil {
		return fmt.Errorf("muster/sqlite: update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("muster/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a missing row from a terminal one.
		var current string
		err = s.db.QueryRowContext(ctx,
			`SELECT status FROM muster_executions WHERE id = ?`, e.ID,
		).Scan(&current)
		if isNoRows(err) {
			return muster.ErrExecutionNotFound
		}
		if err != nil {
			return fmt.Errorf("muster/sqlite: update execution: %w", err)
		}
		return fmt.Errorf("muster/sqlite: execution %s is %s: %w", e.ID, current, muster.ErrInvalidTransition)
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

	if !opts.JobID.IsNil() {
		query += " AND job_id = ?"
		args = append(args, opts.JobID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("muster/sqlite: list executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// CountExecutions returns the number of executions matching opts.
func (s *Store) CountExecutions(ctx context.Context, opts job.ExecListOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM muster_executions WHERE 1=1`
	args := []any{}

	if !opts.JobID.IsNil() {
		query += " AND job_id = ?"
		args = append(args, opts.JobID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("muster/sqlite: count executions: %w", err)
	}
	return count, nil
}

// ListExpiredExecutions returns non-terminal executions whose deadline
// passed before now, oldest first.
func (s *Store) ListExpiredExecutions(ctx context.Context, now time.Time) ([]*job.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			id, job_id, job_name, status, triggered_by, task_id,
			started_at, completed_at, expires_at, result, error,
			created_at, updated_at
		FROM muster_executions
		WHERE status NOT IN ('success', 'failed', 'timeout')
		  AND expires_at < ?
		ORDER BY created_at ASC`,
		toNs(now),
	)
	if err != nil {
		return nil, fmt.Errorf("muster/sqlite: list expired executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// scanExecution scans a single execution row.
func scanExecution(row rowScanner) (*job.Execution, error) {
	var (
		e           job.Execution
		statusStr   string
		trigStr     string
		startedNs   sql.NullInt64
		completedNs sql.NullInt64
		expiresNs   int64
		createdNs   int64
		updatedNs   int64
	)
	err := row.Scan(
		&e.ID, &e.JobID, &e.JobName, &statusStr, &trigStr, &e.TaskID,
		&startedNs, &completedNs, &expiresNs, &e.Result, &e.Error,
		&createdNs, &updatedNs,
	)
	if err != nil {
		return nil, err
	}

	e.Status = job.Status(statusStr)
	e.TriggeredBy = job.TriggeredBy(trigStr)
	e.StartedAt = fromNsPtr(startedNs)
	e.CompletedAt = fromNsPtr(completedNs)
	e.ExpiresAt = fromNs(expiresNs)
	e.CreatedAt = fromNs(createdNs)
	e.UpdatedAt = fromNs(updatedNs)

	return &e, nil
}

// collectExecutions scans all execution rows.
func collectExecutions(rows *sql.Rows) ([]*job.Execution, error) {
	var execs []*job.Execution
	for rows.Next() {
		e, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("muster/sqlite: scan execution row: %w", scanErr)
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("muster/sqlite: iterate execution rows: %w", err)
	}
	return execs, nil
}
