// Package ext defines the extension system for muster.
//
// Extensions are notified of lifecycle events and can react to them —
// recording metrics, emitting webhooks, writing audit logs, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnExecutionCompleted(ctx context.Context, exec *job.Execution, elapsed time.Duration) error {
//	    log.Printf("execution %s completed in %s", exec.ID, elapsed)
//	    return nil
//	}
//
// # Cluster Lifecycle Hooks
//
//   - [LeaderElected] — this instance won the leadership lease
//   - [LeaderLost] — this instance lost or gave up the lease
//
// # Job Lifecycle Hooks
//
//   - [JobFired] — the scheduler dispatched a due job
//   - [ExecutionStarted] — a worker began running the handler
//   - [ExecutionCompleted] — the handler returned successfully
//   - [ExecutionFailed] — the execution failed or timed out
//
// # Deployment Lifecycle Hooks
//
//   - [DeploymentSubmitted] — a deployment was accepted into the work queue
//   - [DeploymentClaimed] — a worker claimed a deployment
//   - [DeploymentCompleted] — a worker reported a terminal result
//   - [DeploymentReaped] — the reaper failed an abandoned deployment
//
// # Other Hooks
//
//   - [Shutdown] — the node is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
