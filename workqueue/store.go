package workqueue

import (
	"context"
	"time"

	"github.com/driftlock/muster/id"
)

// ListOpts controls filtering and pagination for deployment queries.
type ListOpts struct {
	// Status filters by deployment status. Empty means all statuses.
	Status Status
	// Limit is the maximum number of deployments to return. Zero means
	// no limit.
	Limit int
	// Offset is the number of deployments to skip.
	Offset int
}

// Store defines the persistence contract for the deployment work queue.
//
// Claiming and both terminal transitions are conditional on the current
// status, so concurrent workers, duplicate reports, and reaper overlap
// cannot corrupt a row.
type Store interface {
	// CreateDeployment persists a new queued deployment.
	CreateDeployment(ctx context.Context, dep *Deployment) error

	// GetDeployment retrieves a deployment by ID.
	GetDeployment(ctx context.Context, depID id.DeploymentID) (*Deployment, error)

	// ListDeployments returns deployments matching opts, newest first.
	ListDeployments(ctx context.Context, opts ListOpts) ([]*Deployment, error)

	// ClaimNextDeployment atomically claims the oldest queued deployment
	// for the given worker: queued moves to in_progress with claimed_by
	// and claimed_at stamped. Concurrent callers never receive the same
	// deployment. Returns (nil, nil) when nothing is queued.
	ClaimNextDeployment(ctx context.Context, workerID string) (*Deployment, error)

	// CompleteDeployment records a worker's report: the deployment moves
	// from in_progress to the terminal status with results, error, and
	// completed_at stamped. A deployment not currently in_progress
	// returns ErrNotInProgress and nothing changes.
	CompleteDeployment(ctx context.Context, depID id.DeploymentID, status Status, results []TargetResult, errMsg string) error

	// FailDeployment moves a deployment from the given status to failed
	// with the message and completed_at stamped. Used by the reaper. A
	// row no longer in the from status returns ErrInvalidTransition and
	// nothing changes.
	FailDeployment(ctx context.Context, depID id.DeploymentID, from Status, errMsg string) error

	// ListOverdueDeployments returns deployments stuck in the given
	// status past cutoff: queued rows are measured by created_at,
	// in_progress rows by claimed_at.
	ListOverdueDeployments(ctx context.Context, status Status, cutoff time.Time) ([]*Deployment, error)
}
