package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/cluster"
	"github.com/driftlock/muster/id"
)

// RegisterInstance upserts an instance registration.
func (s *Store) RegisterInstance(ctx context.Context, inst *cluster.Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO muster_instances (
			id, hostname, pid, is_leader, heartbeat_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			hostname = excluded.hostname,
			pid = excluded.pid,
			is_leader = excluded.is_leader,
			heartbeat_at = excluded.heartbeat_at,
			updated_at = excluded.updated_at`,
		inst.ID, inst.Hostname, inst.PID, inst.IsLeader,
		toNs(inst.HeartbeatAt), toNs(inst.CreatedAt), toNs(inst.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("muster/sqlite: register instance: %w", err)
	}
	return nil
}

// HeartbeatInstance stamps the instance's heartbeat with the current time.
func (s *Store) HeartbeatInstance(ctx context.Context, instanceID id.InstanceID) error {
	now := toNs(time.Now().UTC())
	res, err := s.db.ExecContext(ctx,
		`UPDATE muster_instances SET heartbeat_at = ?, updated_at = ? WHERE id = ?`,
		now, now, instanceID,
	)
	if err != nil {
		return fmt.Errorf("muster/sqlite: heartbeat instance: %w", err)
	}
	return affectedOr(res, muster.ErrInstanceNotFound)
}

// AcquireLeadership attempts to take or hold the leadership lease. The
// lease is a heartbeat within leaseTTL plus the leader mark.
func (s *Store) AcquireLeadership(ctx context.Context, instanceID id.InstanceID, leaseTTL time.Duration) (bool, error) {
	now := time.Now().UTC()

	// Step 1: clear leader marks whose heartbeat fell outside the lease.
	_, err := s.db.ExecContext(ctx, `
		UPDATE muster_instances
		SET is_leader = 0, updated_at = ?
		WHERE is_leader = 1 AND heartbeat_at <= ?`,
		toNs(now), toNs(now.Add(-leaseTTL)),
	)
	if err != nil {
		return false, fmt.Errorf("muster/sqlite: clear expired leader: %w", err)
	}

	// Step 2: another live leader blocks the claim.
	var otherLeader string
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM muster_instances
		WHERE is_leader = 1 AND id <> ?
		LIMIT 1`,
		instanceID,
	).Scan(&otherLeader)
	if err != nil && !isNoRows(err) {
		return false, fmt.Errorf("muster/sqlite: check leader: %w", err)
	}
	if otherLeader != "" {
		return false, nil
	}

	// Step 3: claim or re-claim leadership.
	res, err := s.db.ExecContext(ctx, `
		UPDATE muster_instances
		SET is_leader = 1, updated_at = ?
		WHERE id = ?`,
		toNs(now), instanceID,
	)
	if err != nil {
		return false, fmt.Errorf("muster/sqlite: claim leadership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("muster/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return false, muster.ErrInstanceNotFound
	}

	return true, nil
}

// ResignLeadership voluntarily drops the caller's leader mark.
func (s *Store) ResignLeadership(ctx context.Context, instanceID id.InstanceID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE muster_instances SET is_leader = 0, updated_at = ? WHERE id = ?`,
		toNs(time.Now().UTC()), instanceID,
	)
	if err != nil {
		return fmt.Errorf("muster/sqlite: resign leadership: %w", err)
	}
	return affectedOr(res, muster.ErrInstanceNotFound)
}

// Leader returns the instance currently holding a live lease.
func (s *Store) Leader(ctx context.Context, leaseTTL time.Duration) (*cluster.Instance, error) {
	cutoff := time.Now().UTC().Add(-leaseTTL)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hostname, pid, is_leader, heartbeat_at, created_at, updated_at
		FROM muster_instances
		WHERE is_leader = 1 AND heartbeat_at > ?
		LIMIT 1`,
		toNs(cutoff),
	)

	inst, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return nil, muster.ErrNoLeader
		}
		return nil, fmt.Errorf("muster/sqlite: get leader: %w", err)
	}
	return inst, nil
}

// ListInstances returns all registered instances.
func (s *Store) ListInstances(ctx context.Context) ([]*cluster.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, pid, is_leader, heartbeat_at, created_at, updated_at
		FROM muster_instances
		ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("muster/sqlite: list instances: %w", err)
	}
	defer rows.Close()

	var instances []*cluster.Instance
	for rows.Next() {
		inst, scanErr := scanInstance(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("muster/sqlite: scan instance row: %w", scanErr)
		}
		instances = append(instances, inst)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("muster/sqlite: iterate instance rows: %w", err)
	}
	return instances, nil
}

// DeregisterInstance removes an instance registration.
func (s *Store) DeregisterInstance(ctx context.Context, instanceID id.InstanceID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM muster_instances WHERE id = ?`,
		instanceID,
	)
	if err != nil {
		return fmt.Errorf("muster/sqlite: deregister instance: %w", err)
	}
	return affectedOr(res, muster.ErrInstanceNotFound)
}

// DeleteStaleInstances removes instances whose heartbeat is older than
// cutoff and returns how many were deleted.
func (s *Store) DeleteStaleInstances(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM muster_instances WHERE heartbeat_at < ?`,
		toNs(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("muster/sqlite: delete stale instances: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("muster/sqlite: rows affected: %w", err)
	}
	return n, nil
}

// scanInstance scans a single instance row.
func scanInstance(row rowScanner) (*cluster.Instance, error) {
	var (
		inst        cluster.Instance
		heartbeatNs int64
		createdNs   int64
		updatedNs   int64
	)
	err := row.Scan(
		&inst.ID, &inst.Hostname, &inst.PID, &inst.IsLeader,
		&heartbeatNs, &createdNs, &updatedNs,
	)
	if err != nil {
		return nil, err
	}

	inst.HeartbeatAt = fromNs(heartbeatNs)
	inst.CreatedAt = fromNs(createdNs)
	inst.UpdatedAt = fromNs(updatedNs)

	return &inst, nil
}
