package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/id"
	"github.com/driftlock/muster/job"
)

// CreateJob persists a new definition. Names are unique.
func (s *Store) CreateJob(ctx context.Context, d *job.Definition) error {
	scheduleJSON, err := json.Marshal(d.Schedule)
	if err != nil {
		return fmt.Errorf("muster/sqlite: encode schedule: %w", err)
	}
	argsJSON, err := json.Marshal(d.TaskArgs)
	if err != nil {
		return fmt.Errorf("muster/sqlite: encode task args: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO muster_jobs (
			id, name, enabled, paused, schedule, handler, handler_kind,
			task_args, timeout, next_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Enabled, d.Paused, scheduleJSON,
		d.Handler, string(d.HandlerKind), argsJSON,
		d.Timeout.Nanoseconds(), toNsPtr(d.NextRunAt), toNs(d.CreatedAt), toNs(d.UpdatedAt),
	)
	if err != nil {
		// Duplicate ID or duplicate name.
		if isDuplicateKey(err) {
			return muster.ErrJobAlreadyExists
		}
		return fmt.Errorf("muster/sqlite: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a definition by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			id, name, enabled, paused, schedule, handler, handler_kind,
			task_args, timeout, next_run_at, created_at, updated_at
		FROM muster_jobs
		WHERE id = ?`,
		jobID,
	)

	d, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, muster.ErrJobNotFound
		}
		return nil, fmt.Errorf("muster/sqlite: get job: %w", err)
	}
	return d, nil
}

// GetJobByName retrieves a definition by its unique name.
func (s *Store) GetJobByName(ctx context.Context, name string) (*job.Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			id, name, enabled, paused, schedule, handler, handler_kind,
			task_args, timeout, next_run_at, created_at, updated_at
		FROM muster_jobs
		WHERE name = ?`,
		name,
	)

	d, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, muster.ErrJobNotFound
		}
		return nil, fmt.Errorf("muster/sqlite: get job by name: %w", err)
	}
	return d, nil
}

// UpdateJob persists changes to an existing definition.
func (s *Store) UpdateJob(ctx context.Context, d *job.Definition) error {
	scheduleJSON, err := json.Marshal(d.Schedule)
	if err != nil {
		return fmt.Errorf("muster/sqlite: encode schedule: %w", err)
	}
	argsJSON, err := json.Marshal(d.TaskArgs)
	if err != nil {
		return fmt.Errorf("muster/sqlite: encode task args: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE muster_jobs SET
			name = ?, enabled = ?, paused = ?, schedule = ?,
			handler = ?, handler_kind = ?, task_args = ?,
			timeout = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		d.Name, d.Enabled, d.Paused, scheduleJSON,
		d.Handler, string(d.HandlerKind), argsJSON,
		d.Timeout.Nanoseconds(), toNsPtr(d.NextRunAt), toNs(time.Now().UTC()),
		d.ID,
	)
	if err != nil {
		// Renaming onto an existing name.
		if isDuplicateKey(err) {
			return muster.ErrJobAlreadyExists
		}
		return fmt.Errorf("muster/sqlite: update job: %w", err)
	}
	return affectedOr(res, muster.ErrJobNotFound)
}

// UpdateJobNextRun sets only the cached next fire time. A nil next
// clears it.
func (s *Store) UpdateJobNextRun(ctx context.Context, jobID id.JobID, next *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE muster_jobs SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		toNsPtr(next), toNs(time.Now().UTC()), jobID,
	)
	if err != nil {
		return fmt.Errorf("muster/sqlite: update job next run: %w", err)
	}
	return affectedOr(res, muster.ErrJobNotFound)
}

// DeleteJob removes a definition by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM muster_jobs WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("muster/sqlite: delete job: %w", err)
	}
	return affectedOr(res, muster.ErrJobNotFound)
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

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			// SQLite requires a LIMIT clause before OFFSET.
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("muster/sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Definition
	for rows.Next() {
		d, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("muster/sqlite: scan job row: %w", scanErr)
		}
		jobs = append(jobs, d)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("muster/sqlite: iterate job rows: %w", err)
	}
	return jobs, nil
}

// scanJob scans a single definition row.
func scanJob(row rowScanner) (*job.Definition, error) {
	var (
		d            job.Definition
		kindStr      string
		scheduleJSON []byte
		argsJSON     []byte
		timeoutNs    int64
		nextRunNs    sql.NullInt64
		createdNs    int64
		updatedNs    int64
	)
	err := row.Scan(
		&d.ID, &d.Name, &d.Enabled, &d.Paused, &scheduleJSON,
		&d.Handler, &kindStr, &argsJSON,
		&timeoutNs, &nextRunNs, &createdNs, &updatedNs,
	)
	if err != nil {
		return nil, err
	}

	d.HandlerKind = job.HandlerKind(kindStr)
	d.Timeout = time.Duration(timeoutNs)
	d.NextRunAt = fromNsPtr(nextRunNs)
	d.CreatedAt = fromNs(createdNs)
	d.UpdatedAt = fromNs(updatedNs)

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

// affectedOr returns notFound when the statement matched no rows.
func affectedOr(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("muster/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
