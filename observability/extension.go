package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/driftlock/muster/cluster"
	"github.com/driftlock/muster/ext"
	"github.com/driftlock/muster/job"
	"github.com/driftlock/muster/workqueue"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/driftlock/muster/observability"

// Compile-time interface checks.
var (
	_ ext.Extension           = (*MetricsExtension)(nil)
	_ ext.LeaderElected       = (*MetricsExtension)(nil)
	_ ext.LeaderLost          = (*MetricsExtension)(nil)
	_ ext.JobFired            = (*MetricsExtension)(nil)
	_ ext.ExecutionStarted    = (*MetricsExtension)(nil)
	_ ext.ExecutionCompleted  = (*MetricsExtension)(nil)
	_ ext.ExecutionFailed     = (*MetricsExtension)(nil)
	_ ext.DeploymentSubmitted = (*MetricsExtension)(nil)
	_ ext.DeploymentClaimed   = (*MetricsExtension)(nil)
	_ ext.DeploymentCompleted = (*MetricsExtension)(nil)
	_ ext.DeploymentReaped    = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters. Register it
// as a muster extension to track fire rates, execution outcomes,
// leadership churn, and deployment throughput.
type MetricsExtension struct {
	leaderElected       metric.Int64Counter
	leaderLost          metric.Int64Counter
	jobFired            metric.Int64Counter
	executionStarted    metric.Int64Counter
	executionCompleted  metric.Int64Counter
	executionFailed     metric.Int64Counter
	deploymentSubmitted metric.Int64Counter
	deploymentClaimed   metric.Int64Counter
	deploymentCompleted metric.Int64Counter
	deploymentReaped    metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global OTel
// MeterProvider. If none is configured, the instruments are noops.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. This variant allows injecting a specific
// MeterProvider for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	// On error, the API returns noop instruments so the extension
	// degrades gracefully.
	m.leaderElected, _ = meter.Int64Counter("muster.leader.elected",
		metric.WithDescription("Leadership lease acquisitions"))
	m.leaderLost, _ = meter.Int64Counter("muster.leader.lost",
		metric.WithDescription("Leadership lease losses and resignations"))
	m.jobFired, _ = meter.Int64Counter("muster.job.fired",
		metric.WithDescription("Jobs dispatched by the scheduler"))
	m.executionStarted, _ = meter.Int64Counter("muster.execution.started",
		metric.WithDescription("Executions whose handler began running"))
	m.executionCompleted, _ = meter.Int64Counter("muster.execution.completed",
		metric.WithDescription("Executions that finished successfully"))
	m.executionFailed, _ = meter.Int64Counter("muster.execution.failed",
		metric.WithDescription("Executions that failed or timed out"))
	m.deploymentSubmitted, _ = meter.Int64Counter("muster.deployment.submitted",
		metric.WithDescription("Deployments accepted into the work queue"))
	m.deploymentClaimed, _ = meter.Int64Counter("muster.deployment.claimed",
		metric.WithDescription("Deployments claimed by workers"))
	m.deploymentCompleted, _ = meter.Int64Counter("muster.deployment.completed",
		metric.WithDescription("Deployments reported terminal by workers"))
	m.deploymentReaped, _ = meter.Int64Counter("muster.deployment.reaped",
		metric.WithDescription("Abandoned deployments failed by the reaper"))
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Cluster lifecycle hooks ─────────────────────────

// OnLeaderElected implements ext.LeaderElected.
func (m *MetricsExtension) OnLeaderElected(ctx context.Context, _ *cluster.Instance) error {
	m.leaderElected.Add(ctx, 1)
	return nil
}

// OnLeaderLost implements ext.LeaderLost.
func (m *MetricsExtension) OnLeaderLost(ctx context.Context, _ *cluster.Instance) error {
	m.leaderLost.Add(ctx, 1)
	return nil
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobFired implements ext.JobFired.
func (m *MetricsExtension) OnJobFired(ctx context.Context, d *job.Definition, _ *job.Execution) error {
	m.jobFired.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_name", d.Name),
	))
	return nil
}

// OnExecutionStarted implements ext.ExecutionStarted.
func (m *MetricsExtension) OnExecutionStarted(ctx context.Context, e *job.Execution) error {
	m.executionStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_name", e.JobName),
	))
	return nil
}

// OnExecutionCompleted implements ext.ExecutionCompleted.
func (m *MetricsExtension) OnExecutionCompleted(ctx context.Context, e *job.Execution, _ time.Duration) error {
	m.executionCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_name", e.JobName),
	))
	return nil
}

// OnExecutionFailed implements ext.ExecutionFailed.
func (m *MetricsExtension) OnExecutionFailed(ctx context.Context, e *job.Execution, _ error) error {
	m.executionFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_name", e.JobName),
		attribute.String("status", string(e.Status)),
	))
	return nil
}

// ── Deployment lifecycle hooks ──────────────────────

// OnDeploymentSubmitted implements ext.DeploymentSubmitted.
func (m *MetricsExtension) OnDeploymentSubmitted(ctx context.Context, dep *workqueue.Deployment) error {
	m.deploymentSubmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", dep.Kind),
	))
	return nil
}

// OnDeploymentClaimed implements ext.DeploymentClaimed.
func (m *MetricsExtension) OnDeploymentClaimed(ctx context.Context, dep *workqueue.Deployment) error {
	m.deploymentClaimed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", dep.Kind),
	))
	return nil
}

// OnDeploymentCompleted implements ext.DeploymentCompleted.
func (m *MetricsExtension) OnDeploymentCompleted(ctx context.Context, dep *workqueue.Deployment) error {
	m.deploymentCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", dep.Kind),
		attribute.String("status", string(dep.Status)),
	))
	return nil
}

// OnDeploymentReaped implements ext.DeploymentReaped.
func (m *MetricsExtension) OnDeploymentReaped(ctx context.Context, dep *workqueue.Deployment) error {
	m.deploymentReaped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", dep.Kind),
	))
	return nil
}
