package taskqueue

import (
	"context"
	"time"

	"github.com/driftlock/muster/id"
	"github.com/driftlock/muster/job"
)

// Task is the unit of work handed to a queue: everything a worker
// needs to run one execution without loading the job definition first.
// Tasks serialize to JSON for transport over Redis Streams.
type Task struct {
	ID          id.TaskID       `json:"id"`
	JobID       id.JobID        `json:"job_id"`
	ExecutionID id.RunID        `json:"execution_id"`
	JobName     string          `json:"job_name"`
	Handler     string          `json:"handler"`
	HandlerKind job.HandlerKind `json:"handler_kind"`
	Args        job.Args        `json:"args,omitempty"`
	TriggeredBy job.TriggeredBy `json:"triggered_by"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// NewTask builds the task for one execution of the given job. The args
// are copied so later edits to the definition do not leak into queued
// work.
func NewTask(d *job.Definition, e *job.Execution) *Task {
	var args job.Args
	if len(d.TaskArgs) > 0 {
		args = make(job.Args, len(d.TaskArgs))
		for k, v := range d.TaskArgs {
			args[k] = v
		}
	}
	return &Task{
		ID:          id.NewTaskID(),
		JobID:       d.ID,
		ExecutionID: e.ID,
		JobName:     d.Name,
		Handler:     d.Handler,
		HandlerKind: d.HandlerKind,
		Args:        args,
		TriggeredBy: e.TriggeredBy,
		Timeout:     d.Timeout,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// Queue accepts tasks for asynchronous execution.
type Queue interface {
	// Submit enqueues a task without blocking. A queue at capacity
	// returns ErrQueueFull rather than waiting; the dispatcher fails
	// the execution instead of stalling the sync loop.
	Submit(ctx context.Context, t *Task) error
}
