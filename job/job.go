package job

import (
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/id"
	"github.com/driftlock/muster/schedule"
)

// HandlerKind selects the dispatch path for a job's handler.
type HandlerKind string

const (
	// KindQueueTask submits the handler to the task queue, where it is
	// awaited under the hard execution timeout.
	KindQueueTask HandlerKind = "queue_task"
	// KindFunction invokes the handler directly in the dispatching
	// process, bypassing the queue.
	KindFunction HandlerKind = "standalone_function"
)

// Valid reports whether k is a known handler kind.
func (k HandlerKind) Valid() bool {
	return k == KindQueueTask || k == KindFunction
}

// Definition is a scheduled job. Definitions are authoritative in the
// database; code only binds handler references to functions.
type Definition struct {
	muster.Entity

	ID          id.JobID      `json:"id"`
	Name        string        `json:"name"`
	Enabled     bool          `json:"enabled"`
	Paused      bool          `json:"paused"`
	Schedule    schedule.Spec `json:"schedule"`
	Handler     string        `json:"handler"`
	HandlerKind HandlerKind   `json:"handler_kind"`
	TaskArgs    Args          `json:"task_args,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	NextRunAt   *time.Time    `json:"next_run_at,omitempty"`
}

// Runnable reports whether the sync loop should consider this job.
// Disabled and paused jobs are skipped.
func (d *Definition) Runnable() bool {
	return d.Enabled && !d.Paused
}

// ExecTimeout returns the job's execution timeout, falling back to the
// given default when the definition carries none.
func (d *Definition) ExecTimeout(fallback time.Duration) time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return fallback
}

// Status is the lifecycle state of an execution.
type Status string

const (
	// StatusPending means the execution is recorded but not yet running.
	StatusPending Status = "pending"
	// StatusRunning means the handler is executing.
	StatusRunning Status = "running"
	// StatusSuccess means the handler returned without error.
	StatusSuccess Status = "success"
	// StatusFailed means the handler returned an error or could not be
	// dispatched.
	StatusFailed Status = "failed"
	// StatusTimeout means the execution exceeded its deadline.
	StatusTimeout Status = "timeout"
)

// Terminal reports whether the status is final. Terminal executions
// never transition again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimeout
}

// TriggeredBy records what initiated an execution.
type TriggeredBy string

const (
	// TriggerScheduler marks executions dispatched by the sync loop.
	TriggerScheduler TriggeredBy = "scheduler"
	// TriggerManual marks executions requested by an operator.
	TriggerManual TriggeredBy = "manual"
	// TriggerAPI marks executions requested through the service API.
	TriggerAPI TriggeredBy = "api"
)

// Execution is one run of a job: the full history row.
type Execution struct {
	muster.Entity

	ID          id.RunID    `json:"id"`
	JobID       id.JobID    `json:"job_id"`
	JobName     string      `json:"job_name"`
	Status      Status      `json:"status"`
	TriggeredBy TriggeredBy `json:"triggered_by"`
	TaskID      id.TaskID   `json:"task_id,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Result      []byte      `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// NewExecution returns a pending execution for the given job. ExpiresAt
// is stamped from the job's timeout (or the fallback); the executor
// re-stamps it when the handler actually starts.
func NewExecution(d *Definition, trigger TriggeredBy, defaultTimeout time.Duration) *Execution {
	e := &Execution{
		Entity:      muster.NewEntity(),
		ID:          id.NewRunID(),
		JobID:       d.ID,
		JobName:     d.Name,
		Status:      StatusPending,
		TriggeredBy: trigger,
	}
	e.ExpiresAt = e.CreatedAt.Add(d.ExecTimeout(defaultTimeout))
	return e
}
