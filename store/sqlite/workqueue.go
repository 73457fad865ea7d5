package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/id"
	"github.com/driftlock/muster/workqueue"
)

// CreateDeployment persists a new queued deployment.
func (s *Store) CreateDeployment(ctx context.Context, dep *workqueue.Deployment) error {
	targetsJSON, err := json.Marshal(dep.Targets)
	if err != nil {
		return fmt.Errorf("muster/sqlite: encode targets: %w", err)
	}
	resultsJSON, err := json.Marshal(dep.Results)
	if err != nil {
		return fmt.Errorf("muster/sqlite: encode results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO muster_deployments (
			id, kind, status, payload, targets, created_by, claimed_by,
			claimed_at, completed_at, results, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dep.ID, dep.Kind, string(dep.Status), []byte(dep.Payload), targetsJSON,
		dep.CreatedBy, dep.ClaimedBy, toNsPtr(dep.ClaimedAt), toNsPtr(dep.CompletedAt),
		resultsJSON, dep.Error, toNs(dep.CreatedAt), toNs(dep.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("muster/sqlite: create deployment: %w", err)
	}
	return nil
}

// GetDeployment retrieves a deployment by ID.
func (s *Store) GetDeployment(ctx context.Context, depID id.DeploymentID) (*workqueue.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			id, kind, status, payload, targets, created_by, claimed_by,
			claimed_at, completed_at, results, error, created_at, updated_at
		FROM muster_deployments
		WHERE id = ?`,
		depID,
	)

	dep, err := scanDeployment(row)
	if err != nil {
		if isNoRows(err) {
			return nil, muster.ErrDeploymentNotFound
		}
		return nil, fmt.Errorf("muster/sqlite: get deployment: %w", err)
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
		return nil, fmt.Errorf("muster/sqlite: list deployments: %w", err)
	}
	defer rows.Close()

	return collectDeployments(rows)
}

// ClaimNextDeployment atomically claims the oldest queued deployment for
// the given worker. The single write connection serializes claims, so
// two workers can never win the same row. Returns (nil, nil) when the
// queue is empty.
func (s *Store) ClaimNextDeployment(ctx context.Context, workerID string) (*workqueue.Deployment, error) {
	now := toNs(time.Now().UTC())
	row := s.db.QueryRowContext(ctx, `
		UPDATE muster_deployments
		SET status = 'in_progress', claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM muster_deployments
			WHERE status = 'queued'
			ORDER BY created_at ASC
			LIMIT 1
		)
		RETURNING
			id, kind, status, payload, targets, created_by, claimed_by,
			claimed_at, completed_at, results, error, created_at, updated_at`,
		workerID, now, now,
	)

	dep, err := scanDeployment(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("muster/sqlite: claim deployment: %w", err)
	}
	return dep, nil
}

// CompleteDeployment records a worker's report for an in-progress
// deployment.
func (s *Store) CompleteDeployment(ctx context.Context, depID id.DeploymentID, status workqueue.Status, results []workqueue.TargetResult, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("muster/sqlite: deployment %s: %q is not a terminal status: %w", depID, status, muster.ErrInvalidTransition)
	}

	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("muster/sqlite: encode results: %w", err)
	}

	now := toNs(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE muster_deployments
		SET status = ?, results = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress'`,
		string(status), resultsJSON, errMsg, now, now, depID,
	)
	if err != nil {
		return fmt.Errorf("muster/sqlite: complete deployment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("muster/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		current, curErr := s.deploymentStatus(ctx, depID)
		if curErr != nil {
			return curErr
		}
		return fmt.Errorf("muster/sqlite: deployment %s is %s: %w", depID, current, muster.ErrNotInProgress)
	}
	return nil
}

// FailDeployment moves a deployment from the given status to failed.
func (s *Store) FailDeployment(ctx context.Context, depID id.DeploymentID, from workqueue.Status, errMsg string) error {
	now := toNs(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE muster_deployments
		SET status = 'failed', error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		errMsg, now, now, depID, string(from),
	)
	if err != nil {
		return fmt.Errorf("muster/sqlite: fail deployment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("muster/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		current, curErr := s.deploymentStatus(ctx, depID)
		if curErr != nil {
			return curErr
		}
		return fmt.Errorf("muster/sqlite: deployment %s is %s, not %s: %w", depID, current, from, muster.ErrInvalidTransition)
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
		query += ` WHERE status = 'queued' AND created_at < ?`
	case workqueue.StatusInProgress:
		query += ` WHERE status = 'in_progress' AND claimed_at IS NOT NULL AND claimed_at < ?`
	default:
		// Terminal deployments have no age to measure.
		return nil, nil
	}

	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, toNs(cutoff))
	if err != nil {
		return nil, fmt.Errorf("muster/sqlite: list overdue deployments: %w", err)
	}
	defer rows.Close()

	return collectDeployments(rows)
}

// deploymentStatus reads the current status for conflict error messages.
func (s *Store) deploymentStatus(ctx context.Context, depID id.DeploymentID) (workqueue.Status, error) {
	var current string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM muster_deployments WHERE id = ?`, depID,
	).Scan(&current)
	if isNoRows(err) {
		return "", muster.ErrDeploymentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("muster/sqlite: get deployment status: %w", err)
	}
	return workqueue.Status(current), nil
}

// scanDeployment scans a single deployment row.
func scanDeployment(row rowScanner) (*workqueue.Deployment, error) {
	var (
		dep         workqueue.Deployment
		statusStr   string
		payload     []byte
		targetsJSON []byte
		resultsJSON []byte
		claimedNs   sql.NullInt64
		completedNs sql.NullInt64
		createdNs   int64
		updatedNs   int64
	)
	err := row.Scan(
		&dep.ID, &dep.Kind, &statusStr, &payload, &targetsJSON,
		&dep.CreatedBy, &dep.ClaimedBy, &claimedNs, &completedNs,
		&resultsJSON, &dep.Error, &createdNs, &updatedNs,
	)
	if err != nil {
		return nil, err
	}

	dep.Status = workqueue.Status(statusStr)
	dep.Payload = payload
	dep.ClaimedAt = fromNsPtr(claimedNs)
	dep.CompletedAt = fromNsPtr(completedNs)
	dep.CreatedAt = fromNs(createdNs)
	dep.UpdatedAt = fromNs(updatedNs)

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
func collectDeployments(rows *sql.Rows) ([]*workqueue.Deployment, error) {
	var deps []*workqueue.Deployment
	for rows.Next() {
		dep, scanErr := scanDeployment(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("muster/sqlite: scan deployment row: %w", scanErr)
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("muster/sqlite: iterate deployment rows: %w", err)
	}
	return deps, nil
}
