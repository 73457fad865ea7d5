package ext

import (
	"context"
	"time"

	"github.com/driftlock/muster/cluster"
	"github.com/driftlock/muster/job"
	"github.com/driftlock/muster/workqueue"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Cluster lifecycle hooks
// ──────────────────────────────────────────────────

// LeaderElected is called when this instance wins the leadership lease.
type LeaderElected interface {
	OnLeaderElected(ctx context.Context, inst *cluster.Instance) error
}

// LeaderLost is called when this instance loses or gives up the lease.
type LeaderLost interface {
	OnLeaderLost(ctx context.Context, inst *cluster.Instance) error
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobFired is called after the scheduler dispatches a due job.
type JobFired interface {
	OnJobFired(ctx context.Context, d *job.Definition, e *job.Execution) error
}

// ExecutionStarted is called when a worker begins running the handler.
type ExecutionStarted interface {
	OnExecutionStarted(ctx context.Context, e *job.Execution) error
}

// ExecutionCompleted is called after a handler returns successfully.
type ExecutionCompleted interface {
	OnExecutionCompleted(ctx context.Context, e *job.Execution, elapsed time.Duration) error
}

// ExecutionFailed is called when an execution fails or times out.
type ExecutionFailed interface {
	OnExecutionFailed(ctx context.Context, e *job.Execution, err error) error
}

// ──────────────────────────────────────────────────
// Deployment lifecycle hooks
// ──────────────────────────────────────────────────

// DeploymentSubmitted is called after a deployment is accepted into the
// work queue.
type DeploymentSubmitted interface {
	OnDeploymentSubmitted(ctx context.Context, dep *workqueue.Deployment) error
}

// DeploymentClaimed is called when a worker claims a deployment.
type DeploymentClaimed interface {
	OnDeploymentClaimed(ctx context.Context, dep *workqueue.Deployment) error
}

// DeploymentCompleted is called when a worker reports a terminal result.
type DeploymentCompleted interface {
	OnDeploymentCompleted(ctx context.Context, dep *workqueue.Deployment) error
}

// DeploymentReaped is called when the reaper fails an abandoned
// deployment.
type DeploymentReaped interface {
	OnDeploymentReaped(ctx context.Context, dep *workqueue.Deployment) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
