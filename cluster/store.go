package cluster

import (
	"context"
	"time"

	"github.com/driftlock/muster/id"
)

// Store defines the persistence contract for scheduler instance
// registration and leader election.
//
// Leadership is a lease derived from heartbeats: an instance holds the
// lease while its row is marked leader and its heartbeat is younger than
// the lease TTL. There is no separate expiry column to renew; holding
// the lease is heartbeating plus keeping the leader mark.
type Store interface {
	// RegisterInstance upserts an instance registration.
	RegisterInstance(ctx context.Context, inst *Instance) error

	// HeartbeatInstance stamps the instance's heartbeat with the current
	// time. Returns ErrInstanceNotFound for unknown instances.
	HeartbeatInstance(ctx context.Context, instanceID id.InstanceID) error

	// AcquireLeadership attempts to take or hold the leadership lease.
	// It atomically clears the leader mark from instances whose heartbeat
	// is older than leaseTTL, then claims leadership iff no other live
	// leader remains. Returns true when the caller is the leader after
	// the call; calling it while already leader holds the lease.
	AcquireLeadership(ctx context.Context, instanceID id.InstanceID, leaseTTL time.Duration) (bool, error)

	// ResignLeadership voluntarily drops the caller's leader mark.
	// A no-op when the instance is not the leader.
	ResignLeadership(ctx context.Context, instanceID id.InstanceID) error

	// Leader returns the instance currently holding a live lease, or
	// ErrNoLeader when there is none.
	Leader(ctx context.Context, leaseTTL time.Duration) (*Instance, error)

	// ListInstances returns all registered instances.
	ListInstances(ctx context.Context) ([]*Instance, error)

	// DeregisterInstance removes an instance registration.
	DeregisterInstance(ctx context.Context, instanceID id.InstanceID) error

	// DeleteStaleInstances removes instances whose heartbeat is older
	// than cutoff and returns how many were deleted. Run by the leader.
	DeleteStaleInstances(ctx context.Context, cutoff time.Time) (int64, error)
}
