package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftlock/muster/cluster"
	"github.com/driftlock/muster/job"
	"github.com/driftlock/muster/workqueue"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type leaderElectedEntry struct {
	name string
	hook LeaderElected
}

type leaderLostEntry struct {
	name string
	hook LeaderLost
}

type jobFiredEntry struct {
	name string
	hook JobFired
}

type executionStartedEntry struct {
	name string
	hook ExecutionStarted
}

type executionCompletedEntry struct {
	name string
	hook ExecutionCompleted
}

type executionFailedEntry struct {
	name string
	hook ExecutionFailed
}

type deploymentSubmittedEntry struct {
	name string
	hook DeploymentSubmitted
}

type deploymentClaimedEntry struct {
	name string
	hook DeploymentClaimed
}

type deploymentCompletedEntry struct {
	name string
	hook DeploymentCompleted
}

type deploymentReapedEntry struct {
	name string
	hook DeploymentReaped
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	leaderElected       []leaderElectedEntry
	leaderLost          []leaderLostEntry
	jobFired            []jobFiredEntry
	executionStarted    []executionStartedEntry
	executionCompleted  []executionCompletedEntry
	executionFailed     []executionFailedEntry
	deploymentSubmitted []deploymentSubmittedEntry
	deploymentClaimed   []deploymentClaimedEntry
	deploymentCompleted []deploymentCompletedEntry
	deploymentReaped    []deploymentReapedEntry
	shutdown            []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(LeaderElected); ok {
		r.leaderElected = append(r.leaderElected, leaderElectedEntry{name, h})
	}
	if h, ok := e.(LeaderLost); ok {
		r.leaderLost = append(r.leaderLost, leaderLostEntry{name, h})
	}
	if h, ok := e.(JobFired); ok {
		r.jobFired = append(r.jobFired, jobFiredEntry{name, h})
	}
	if h, ok := e.(ExecutionStarted); ok {
		r.executionStarted = append(r.executionStarted, executionStartedEntry{name, h})
	}
	if h, ok := e.(ExecutionCompleted); ok {
		r.executionCompleted = append(r.executionCompleted, executionCompletedEntry{name, h})
	}
	if h, ok := e.(ExecutionFailed); ok {
		r.executionFailed = append(r.executionFailed, executionFailedEntry{name, h})
	}
	if h, ok := e.(DeploymentSubmitted); ok {
		r.deploymentSubmitted = append(r.deploymentSubmitted, deploymentSubmittedEntry{name, h})
	}
	if h, ok := e.(DeploymentClaimed); ok {
		r.deploymentClaimed = append(r.deploymentClaimed, deploymentClaimedEntry{name, h})
	}
	if h, ok := e.(DeploymentCompleted); ok {
		r.deploymentCompleted = append(r.deploymentCompleted, deploymentCompletedEntry{name, h})
	}
	if h, ok := e.(DeploymentReaped); ok {
		r.deploymentReaped = append(r.deploymentReaped, deploymentReapedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Cluster event emitters
// ──────────────────────────────────────────────────

// EmitLeaderElected notifies all extensions that implement LeaderElected.
func (r *Registry) EmitLeaderElected(ctx context.Context, inst *cluster.Instance) {
	for _, e := range r.leaderElected {
		if err := e.hook.OnLeaderElected(ctx, inst); err != nil {
			r.logHookError("OnLeaderElected", e.name, err)
		}
	}
}

// EmitLeaderLost notifies all extensions that implement LeaderLost.
func (r *Registry) EmitLeaderLost(ctx context.Context, inst *cluster.Instance) {
	for _, e := range r.leaderLost {
		if err := e.hook.OnLeaderLost(ctx, inst); err != nil {
			r.logHookError("OnLeaderLost", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobFired notifies all extensions that implement JobFired.
func (r *Registry) EmitJobFired(ctx context.Context, d *job.Definition, exec *job.Execution) {
	for _, e := range r.jobFired {
		if err := e.hook.OnJobFired(ctx, d, exec); err != nil {
			r.logHookError("OnJobFired", e.name, err)
		}
	}
}

// EmitExecutionStarted notifies all extensions that implement ExecutionStarted.
func (r *Registry) EmitExecutionStarted(ctx context.Context, exec *job.Execution) {
	for _, e := range r.executionStarted {
		if err := e.hook.OnExecutionStarted(ctx, exec); err != nil {
			r.logHookError("OnExecutionStarted", e.name, err)
		}
	}
}

// EmitExecutionCompleted notifies all extensions that implement ExecutionCompleted.
func (r *Registry) EmitExecutionCompleted(ctx context.Context, exec *job.Execution, elapsed time.Duration) {
	for _, e := range r.executionCompleted {
		if err := e.hook.OnExecutionCompleted(ctx, exec, elapsed); err != nil {
			r.logHookError("OnExecutionCompleted", e.name, err)
		}
	}
}

// EmitExecutionFailed notifies all extensions that implement ExecutionFailed.
func (r *Registry) EmitExecutionFailed(ctx context.Context, exec *job.Execution, execErr error) {
	for _, e := range r.executionFailed {
		if err := e.hook.OnExecutionFailed(ctx, exec, execErr); err != nil {
			r.logHookError("OnExecutionFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Deployment event emitters
// ──────────────────────────────────────────────────

// EmitDeploymentSubmitted notifies all extensions that implement DeploymentSubmitted.
func (r *Registry) EmitDeploymentSubmitted(ctx context.Context, dep *workqueue.Deployment) {
	for _, e := range r.deploymentSubmitted {
		if err := e.hook.OnDeploymentSubmitted(ctx, dep); err != nil {
			r.logHookError("OnDeploymentSubmitted", e.name, err)
		}
	}
}

// EmitDeploymentClaimed notifies all extensions that implement DeploymentClaimed.
func (r *Registry) EmitDeploymentClaimed(ctx context.Context, dep *workqueue.Deployment) {
	for _, e := range r.deploymentClaimed {
		if err := e.hook.OnDeploymentClaimed(ctx, dep); err != nil {
			r.logHookError("OnDeploymentClaimed", e.name, err)
		}
	}
}

// EmitDeploymentCompleted notifies all extensions that implement DeploymentCompleted.
func (r *Registry) EmitDeploymentCompleted(ctx context.Context, dep *workqueue.Deployment) {
	for _, e := range r.deploymentCompleted {
		if err := e.hook.OnDeploymentCompleted(ctx, dep); err != nil {
			r.logHookError("OnDeploymentCompleted", e.name, err)
		}
	}
}

// EmitDeploymentReaped notifies all extensions that implement DeploymentReaped.
func (r *Registry) EmitDeploymentReaped(ctx context.Context, dep *workqueue.Deployment) {
	for _, e := range r.deploymentReaped {
		if err := e.hook.OnDeploymentReaped(ctx, dep); err != nil {
			r.logHookError("OnDeploymentReaped", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
