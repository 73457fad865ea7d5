package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/id"
	"github.com/driftlock/muster/workqueue"
)

// CreateDeployment persists a new queued deployment.
func (s *Store) CreateDeployment(ctx context.Context, dep *workqueue.Deployment) error {
	targetsJSON, err := json.Marshal(dep.Targets)
	if err != nil {
		return fmt.Errorf("muster/postgres: encode targets: %w", err)
	}
	resultsJSON, err := json.Marshal(dep.Results)
	if err != nil {
		return fmt.Errorf("muster/postgres: encode results: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO muster_deployments (
			id, kind, status, payload, targets, created_by, claimed_by,
			claimed_at, completed_at, results, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		dep.ID, dep.Kind, string(dep.Status), []byte(dep.Payload), targetsJSON,
		dep.CreatedBy, dep.ClaimedBy, dep.ClaimedAt, dep.CompletedAt,
		resultsJSON, dep.Error, dep.CreatedAt, dep.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("muster/postgres: create deployment: %w", err)
	}
	return nil
}

// GetDeployment retrieves a deployment by ID.
func (s *Store) GetDeployment(ctx context.Context, depID id.DeploymentID) (*workqueue.Deployment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			id, kind, status, payload, targets, created_by, claimed_by,
			claimed_at, completed_at, results, error, created_at, updated_at
		FROM muster_deployments
		WHERE id = $1`,
		depID,
	)

	dep, err := scanDeployment(row)
	if err != nil {
		if isNoRows(err) {
			return nil, muster.ErrDeploymentNotFound
		}
		return nil, fmt.Errorf("muster/postgres: get deployment: %w", err)
	}
	return dep, nil
}

// ListDeployments returns deployments matching opts, newest first.
func (s *Store) ListDeployments(ctx context.Context, opts workqueue.ListOpts) ([]*workqueue.Deployment, error) {
	query := `
		SELECT
			id, kind, status, payload, targets, created_by, claimed_by,
			claimed_at, completed_at, results, error, created_at, updated_at
		FROM muster_deployments
		WHERE 1=1`
	args := []any{}
	argIdx := 1

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
		return nil, fmt.Errorf("muster/postgres: list deployments: %w", err)
	}
	defer rows.Close()

	return collectDeployments(rows)
}

// ClaimNextDeployment atomically claims the oldest queued deployment for
// the given worker. Uses SELECT FOR UPDATE SKIP LOCKED so concurrent
// workers never claim the same row. Returns (nil, nil) when the queue is
// empty.
func (s *Store) ClaimNextDeployment(ctx context.Context, workerID string) (*workqueue.Deployment, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE muster_deployments
		SET status = 'in_progress', claimed_by = $1, claimed_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM muster_deployments
			WHERE status = 'queued'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING
			id, kind, status, payload, targets, created_by, claimed_by,
			claimed_at, completed_at, results, error, created_at, updated_at`,
		workerID,
	)

	dep, err := scanDeployment(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("muster/postgres: claim deployment: %w", err)
	}
	return dep, nil
}

// CompleteDeployment records a worker's report for an in-progress
// deployment.
func (s *Store) CompleteDeployment(ctx context.Context, depID id.DeploymentID, status workqueue.Status, results []workqueue.TargetResult, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("muster/postgres: deployment %s: %q is not a terminal status: %w", depID, status, muster.ErrInvalidTransition)
	}

	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("muster/postgres: encode results: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE muster_deployments
		SET status = $2, results = $3, error = $4, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'`,
		depID, string(status), resultsJSON, errMsg,
	)
	if err != nil {
		return fmt.Errorf("muster/postgres: complete deployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, curErr := s.deploymentStatus(ctx, depID)
		if curErr != nil {
			return curErr
		}
		return fmt.Errorf("muster/postgres: deployment %s is %s: %w", depID, current, muster.ErrNotInProgress)
	}
	return nil
}

// FailDeployment moves a deployment from the given status to failed.
// Used by the reaper, which must only fail rows still in the state it
// observed.
func (s *Store) FailDeployment(ctx context.Context, depID id.DeploymentID, from workqueue.Status, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE muster_deployments
		SET status = 'failed', error = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		depID, string(from), errMsg,
	)
	if err != nil {
		return fmt.Errorf("muster/postgres: fail deployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, curErr := s.deploymentStatus(ctx, depID)
		if curErr != nil {
			return curErr
		}
		return fmt.Errorf("muster/postgres: deployment %s is %s, not %s: %w", depID, current, from, muster.ErrInvalidTransition)
	}
	return nil
}

// ListOverdueDeployments returns deployments stuck in the given status
// past cutoff. Queued deployments age from creation, in-progress ones
// from their claim.
func (s *Store) ListOverdueDeployments(ctx context.Context, status workqueue.Status, cutoff time.Time) ([]*workqueue.Deployment, error) {
	query := `
		SELECT
			id, kind, status, payload, targets, created_by, claimed_by,
			claimed_at, completed_at, results, error, created_at, updated_at
		FROM muster_deployments`

	switch status {
	case workqueue.StatusQueued:
		query += ` WHERE status = 'queued' AND created_at < $1`
	case workqueue.StatusInProgress:
		query += ` WHERE status = 'in_progress' AND claimed_at IS NOT NULL AND claimed_at < $1`
	default:
		// Terminal deployments have no age to measure.
		return nil, nil
	}

	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("muster/postgres: list overdue deployments: %w", err)
	}
	defer rows.Close()

	return collectDeployments(rows)
}

// deploymentStatus reads the current status for conflict error messages.
func (s *Store) deploymentStatus(ctx context.Context, depID id.DeploymentID) (workqueue.Status, error) {
	var current string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM muster_deployments WHERE id = $1`, depID,
	).Scan(&current)
	if isNoRows(err) {
		return "", muster.ErrDeploymentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("muster/postgres: get deployment status: %w", err)
	}
	return workqueue.Status(current), nil
}

// scanDeployment scans a single deployment row.
func scanDeployment(row pgx.Row) (*workqueue.Deployment, error) {
	var (
		dep         workqueue.Deployment
		statusStr   string
		payload     []byte
		targetsJSON []byte
		resultsJSON []byte
	)
	err := row.Scan(
		&dep.ID, &dep.Kind, &statusStr, &payload, &targetsJSON,
		&dep.CreatedBy, &dep.ClaimedBy, &dep.ClaimedAt, &dep.CompletedAt,
		&resultsJSON, &dep.Error, &dep.CreatedAt, &dep.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	dep.Status = workqueue.Status(statusStr)
	dep.Payload = payload

	if len(targetsJSON) > 0 {
		if err := json.Unmarshal(targetsJSON, &dep.Targets); err != nil {
			return nil, fmt.Errorf("decode targets: %w", err)
		}
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &dep.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}

	return &dep, nil
}

// collectDeployments scans all deployment rows.
func collectDeployments(rows pgx.Rows) ([]*workqueue.Deployment, error) {
	var deps []*workqueue.Deployment
	for rows.Next() {
		dep, scanErr := scanDeployment(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("muster/postgres: scan deployment row: %w", scanErr)
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("muster/postgres: iterate deployment rows: %w", err)
	}
	return deps, nil
}
