package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/id"
	"github.com/driftlock/muster/job"
)

// CreateJob persists a new definition. Names are unique.
func (s *Store) CreateJob(ctx context.Context, d *job.Definition) error {
	scheduleJSON, err := json.Marshal(d.Schedule)
	if err != nil {
		return fmt.Errorf("muster/postgres: encode schedule: %w", err)
	}
	argsJSON, err := json.Marshal(d.TaskArgs)
	if err != nil {
		return fmt.Errorf("muster/postgres: encode task args: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO muster_jobs (
			id, name, enabled, paused, schedule, handler, handler_kind,
			task_args, timeout, next_run_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.Name, d.Enabled, d.Paused, scheduleJSON,
		d.Handler, string(d.HandlerKind), argsJSON,
		d.Timeout.Nanoseconds(), d.NextRunAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		// Duplicate ID or duplicate name.
		if isDuplicateKey(err) {
			return muster.ErrJobAlreadyExists
		}
		return fmt.Errorf("muster/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a definition by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Definition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			id, name, enabled, paused, schedule, handler, handler_kind,
			task_args, timeout, next_run_at, created_at, updated_at
		FROM muster_jobs
		WHERE id = $1`,
		jobID,
	)

	d, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, muster.ErrJobNotFound
		}
		return nil, fmt.Errorf("muster/postgres: get job: %w", err)
	}
	return d, nil
}

// GetJobByName retrieves a definition by its unique name.
func (s *Store) GetJobByName(ctx context.Context, name string) (*job.Definition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			id, name, enabled, paused, schedule, handler, handler_kind,
			task_args, timeout, next_run_at, created_at, updated_at
		FROM muster_jobs
		WHERE name = $1`,
		name,
	)

	d, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, muster.ErrJobNotFound
		}
		return nil, fmt.Errorf("muster/postgres: get job by name: %w", err)
	}
	return d, nil
}

// UpdateJob persists changes to an existing definition.
func (s *Store) UpdateJob(ctx context.Context, d *job.Definition) error {
	scheduleJSON, err := json.Marshal(d.Schedule)
	if err != nil {
		return fmt.Errorf("muster/postgres: encode schedule: %w", err)
	}
	argsJSON, err := json.Marshal(d.TaskArgs)
	if err != nil {
		return fmt.Errorf("muster/postgres: encode task args: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE muster_jobs SET
			name = $2, enabled = $3, paused = $4, schedule = $5,
			handler = $6, handler_kind = $7, task_args = $8,
			timeout = $9, next_run_at = $10, updated_at = NOW()
		WHERE id = $1`,
		d.ID, d.Name, d.Enabled, d.Paused, scheduleJSON,
		d.Handler, string(d.HandlerKind), argsJSON,
		d.Timeout.Nanoseconds(), d.NextRunAt,
	)
	if err != nil {
		// Renaming onto an existing name.
		if isDuplicateKey(err) {
			return muster.ErrJobAlreadyExists
		}
		return fmt.Errorf("muster/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return muster.ErrJobNotFound
	}
	return nil
}

// UpdateJobNextRun sets only the cached next fire time. A nil next
// clears it.
func (s *Store) UpdateJobNextRun(ctx context.Context, jobID id.JobID, next *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE muster_jobs SET next_run_at = $2, updated_at = NOW() WHERE id = $1`,
		jobID, next,
	)
	if err != nil {
		return fmt.Errorf("muster/postgres: update job next run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return muster.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a definition by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM muster_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("muster/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return muster.ErrJobNotFound
	}
	return nil
}

// ListJobs returns all definitions ordered by name.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Definition, error) {
	query := `
		SELECT
			id, name, enabled, paused, schedule, handler, handler_kind,
			task_args, timeout, next_run_at, created_at, updated_at
		FROM muster_jobs
		ORDER BY name ASC`
	args := []any{}
	argIdx := 1

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
		return nil, fmt.Errorf("muster/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// scanJob scans a single definition row.
func scanJob(row pgx.Row) (*job.Definition, error) {
	var (
		d            job.Definition
		kindStr      string
		scheduleJSON []byte
		argsJSON     []byte
		timeoutNs    int64
	)
	err := row.Scan(
		&d.ID, &d.Name, &d.Enabled, &d.Paused, &scheduleJSON,
		&d.Handler, &kindStr, &argsJSON,
		&timeoutNs, &d.NextRunAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.HandlerKind = job.HandlerKind(kindStr)
	d.Timeout = time.Duration(timeoutNs)

	if err := json.Unmarshal(scheduleJSON, &d.Schedule); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, &d.TaskArgs); err != nil {
			return nil, fmt.Errorf("decode task args: %w", err)
		}
	}

	return &d, nil
}

// collectJobs scans all definition rows.
func collectJobs(rows pgx.Rows) ([]*job.Definition, error) {
	var jobs []*job.Definition
	for rows.Next() {
		d, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("muster/postgres: scan job row: %w", scanErr)
		}
		jobs = append(jobs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("muster/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
