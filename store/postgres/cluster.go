package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/cluster"
	"github.com/driftlock/muster/id"
)

// RegisterInstance upserts an instance registration.
func (s *Store) RegisterInstance(ctx context.Context, inst *cluster.Instance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO muster_instances (
			id, hostname, pid, is_leader, heartbeat_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			pid = EXCLUDED.pid,
			is_leader = EXCLUDED.is_leader,
			heartbeat_at = EXCLUDED.heartbeat_at,
			updated_at = EXCLUDED.updated_at`,
		inst.ID, inst.Hostname, inst.PID, inst.IsLeader,
		inst.HeartbeatAt, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("muster/postgres: register instance: %w", err)
	}
	return nil
}

// HeartbeatInstance stamps the instance's heartbeat with the current time.
func (s *Store) HeartbeatInstance(ctx context.Context, instanceID id.InstanceID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE muster_instances SET heartbeat_at = NOW(), updated_at = NOW() WHERE id = $1`,
		instanceID,
	)
	if err != nil {
		return fmt.Errorf("muster/postgres: heartbeat instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return muster.ErrInstanceNotFound
	}
	return nil
}

// AcquireLeadership attempts to take or hold the leadership lease. The
// lease is a heartbeat within leaseTTL plus the leader mark; there is no
// separate expiry column to renew.
func (s *Store) AcquireLeadership(ctx context.Context, instanceID id.InstanceID, leaseTTL time.Duration) (bool, error) {
	// Step 1: clear leader marks whose heartbeat fell outside the lease.
	_, err := s.pool.Exec(ctx, `
		UPDATE muster_instances
		SET is_leader = FALSE, updated_at = NOW()
		WHERE is_leader = TRUE AND heartbeat_at <= NOW() - $1::interval`,
		leaseTTL.String(),
	)
	if err != nil {
		return false, fmt.Errorf("muster/postgres: clear expired leader: %w", err)
	}

	// Step 2: another live leader blocks the claim.
	var otherLeader *string
	err = s.pool.QueryRow(ctx, `
		SELECT id FROM muster_instances
		WHERE is_leader = TRUE AND id <> $1
		LIMIT 1`,
		instanceID,
	).Scan(&otherLeader)
	if err != nil && !isNoRows(err) {
		return false, fmt.Errorf("muster/postgres: check leader: %w", err)
	}
	if otherLeader != nil {
		return false, nil
	}

	// Step 3: claim or re-claim leadership.
	tag, claimErr := s.pool.Exec(ctx, `
		UPDATE muster_instances
		SET is_leader = TRUE, updated_at = NOW()
		WHERE id = $1`,
		instanceID,
	)
	if claimErr != nil {
		return false, fmt.Errorf("muster/postgres: claim leadership: %w", claimErr)
	}
	if tag.RowsAffected() == 0 {
		return false, muster.ErrInstanceNotFound
	}

	return true, nil
}

// ResignLeadership voluntarily drops the caller's leader mark.
func (s *Store) ResignLeadership(ctx context.Context, instanceID id.InstanceID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE muster_instances SET is_leader = FALSE, updated_at = NOW() WHERE id = $1`,
		instanceID,
	)
	if err != nil {
		return fmt.Errorf("muster/postgres: resign leadership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return muster.ErrInstanceNotFound
	}
	return nil
}

// Leader returns the instance currently holding a live lease.
func (s *Store) Leader(ctx context.Context, leaseTTL time.Duration) (*cluster.Instance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, hostname, pid, is_leader, heartbeat_at, created_at, updated_at
		FROM muster_instances
		WHERE is_leader = TRUE AND heartbeat_at > NOW() - $1::interval
		LIMIT 1`,
		leaseTTL.String(),
	)

	inst, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return nil, muster.ErrNoLeader
		}
		return nil, fmt.Errorf("muster/postgres: get leader: %w", err)
	}
	return inst, nil
}

// ListInstances returns all registered instances.
func (s *Store) ListInstances(ctx context.Context) ([]*cluster.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, pid, is_leader, heartbeat_at, created_at, updated_at
		FROM muster_instances
		ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("muster/postgres: list instances: %w", err)
	}
	defer rows.Close()

	var instances []*cluster.Instance
	for rows.Next() {
		inst, scanErr := scanInstance(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("muster/postgres: scan instance row: %w", scanErr)
		}
		instances = append(instances, inst)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("muster/postgres: iterate instance rows: %w", err)
	}
	return instances, nil
}

// DeregisterInstance removes an instance registration.
func (s *Store) DeregisterInstance(ctx context.Context, instanceID id.InstanceID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM muster_instances WHERE id = $1`,
		instanceID,
	)
	if err != nil {
		return fmt.Errorf("muster/postgres: deregister instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return muster.ErrInstanceNotFound
	}
	return nil
}

// DeleteStaleInstances removes instances whose heartbeat is older than
// cutoff and returns how many were deleted.
func (s *Store) DeleteStaleInstances(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM muster_instances WHERE heartbeat_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("muster/postgres: delete stale instances: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanInstance scans a single instance row.
func scanInstance(row pgx.Row) (*cluster.Instance, error) {
	var inst cluster.Instance
	err := row.Scan(
		&inst.ID, &inst.Hostname, &inst.PID, &inst.IsLeader,
		&inst.HeartbeatAt, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}
