// Package taskqueue carries due executions from the scheduler to the
// workers that run them — a Task wire format, an Executor that invokes
// registered handlers through middleware, an in-process queue for
// single-node deployments, and a Redis Streams queue for worker fleets.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/job"
	"github.com/driftlock/muster/middleware"
)

// hooks is the slice of the extension registry the executor emits to.
type hooks interface {
	EmitExecutionStarted(ctx context.Context, e *job.Execution)
	EmitExecutionCompleted(ctx context.Context, e *job.Execution, elapsed time.Duration)
	EmitExecutionFailed(ctx context.Context, e *job.Execution, err error)
}

// outcome is what a finished handler goroutine reports back.
type outcome struct {
	result any
	err    error
}

// Executor runs a single task through the middleware chain and the
// registered handler, recording start, outcome, and result on the
// execution row. It is shared by the in-process queue and the Redis
// consumer.
type Executor struct {
	registry       *job.Registry
	store          job.Store
	hooks          hooks
	mw             middleware.Middleware
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorHooks sets the lifecycle hook sink for execution events.
func WithExecutorHooks(h hooks) ExecutorOption {
	return func(e *Executor) { e.hooks = h }
}

// WithMiddleware installs the middleware chain handlers run through.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// WithDefaultTimeout sets the execution timeout applied when a task
// carries none.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.defaultTimeout = d }
}

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an Executor backed by the given handler registry
// and execution store.
func NewExecutor(registry *job.Registry, store job.Store, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:       registry,
		store:          store,
		mw:             middleware.Chain(),
		defaultTimeout: muster.DefaultConfig().DispatchTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one task end to end: resolve the handler, mark the
// execution running, invoke the handler through middleware under the
// task's timeout, and record the outcome. The returned error is the
// handler's failure or the configuration error that prevented dispatch;
// store errors surface only when no handler error exists. Tasks whose
// execution was already resolved (a redelivery, or a row swept while
// the task sat in the queue) return nil so transports can acknowledge
// them safely.
func (e *Executor) Execute(ctx context.Context, t *Task) error {
	exec, err := e.store.GetExecution(ctx, t.ExecutionID)
	if err != nil {
		return fmt.Errorf("taskqueue: load execution %s: %w", t.ExecutionID, err)
	}

	entry, cfgErr := e.resolve(t)
	if cfgErr != nil {
		return e.failOnConfig(ctx, exec, cfgErr)
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	if err := e.recordStart(ctx, exec, t, timeout); err != nil {
		if errors.Is(err, muster.ErrInvalidTransition) {
			e.logger.Warn("skipping task for resolved execution",
				slog.String("task_id", t.ID.String()),
				slog.String("execution_id", t.ExecutionID.String()),
				slog.String("job_name", t.JobName),
			)
			return nil
		}
		return err
	}
	if e.hooks != nil {
		e.hooks.EmitExecutionStarted(ctx, exec)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Run in a goroutine so a handler that ignores its context cannot
	// wedge the worker; on deadline the goroutine is abandoned and the
	// execution resolves as timed out. The result travels through the
	// channel, never a shared variable, so the abandoned goroutine
	// cannot race a late write against the outcome record.
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		var out outcome
		out.err = e.mw(runCtx, exec, func(ctx context.Context) error {
			r, err := entry.Fn(ctx, t.Args)
			out.result = r
			return err
		})
		done <- out
	}()

	var runErr error
	var result any
	select {
	case out := <-done:
		runErr, result = out.err, out.result
	case <-runCtx.Done():
		// The deadline and a parent cancellation (worker shutdown)
		// arrive on the same channel; only the former is a timeout.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			runErr = fmt.Errorf("job %s timed out after %s: %w", t.JobName, timeout, runCtx.Err())
		} else {
			runErr = fmt.Errorf("job %s canceled before completing: %w", t.JobName, runCtx.Err())
		}
	}
	elapsed := time.Since(start)

	return e.recordOutcome(ctx, exec, runErr, result, elapsed)
}

// resolve looks up the task's handler and validates kind and args. Any
// failure here is a configuration error: the execution fails without
// the handler ever being invoked.
func (e *Executor) resolve(t *Task) (*job.Entry, error) {
	entry, err := e.registry.Resolve(t.Handler)
	if err != nil {
		return nil, err
	}
	if entry.Kind != t.HandlerKind {
		return nil, fmt.Errorf("taskqueue: %w: task for %q wants %s, handler %q registered as %s",
			muster.ErrHandlerKindMismatch, t.JobName, t.HandlerKind, entry.Ref, entry.Kind)
	}
	if err := entry.CheckArgs(t.Args); err != nil {
		return nil, err
	}
	return entry, nil
}

// recordStart transitions the execution to running, binds it to the
// task, and re-stamps the expiry from the actual start time.
func (e *Executor) recordStart(ctx context.Context, exec *job.Execution, t *Task, timeout time.Duration) error {
	now := time.Now().UTC()
	exec.Status = job.StatusRunning
	exec.TaskID = t.ID
	exec.StartedAt = &now
	exec.ExpiresAt = now.Add(timeout)
	exec.UpdatedAt = now

	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("taskqueue: mark execution %s running: %w", exec.ID, err)
	}
	return nil
}

// recordOutcome writes the terminal status. A store failure here never
// masks the handler's own error.
func (e *Executor) recordOutcome(ctx context.Context, exec *job.Execution, runErr error, result any, elapsed time.Duration) error {
	now := time.Now().UTC()
	exec.CompletedAt = &now
	exec.UpdatedAt = now

	switch {
	case runErr == nil:
		exec.Status = job.StatusSuccess
		exec.Error = ""
		exec.Result = e.marshalResult(exec, result)
	case errors.Is(runErr, context.DeadlineExceeded):
		exec.Status = job.StatusTimeout
		exec.Error = runErr.Error()
	default:
		exec.Status = job.StatusFailed
		exec.Error = runErr.Error()
	}

	if writeErr := e.store.UpdateExecution(ctx, exec); writeErr != nil {
		e.logger.Error("failed to record execution outcome",
			slog.String("execution_id", exec.ID.String()),
			slog.String("job_name", exec.JobName),
			slog.String("status", string(exec.Status)),
			slog.String("error", writeErr.Error()),
		)
		if runErr != nil {
			return runErr
		}
		return writeErr
	}

	if runErr != nil {
		if e.hooks != nil {
			e.hooks.EmitExecutionFailed(ctx, exec, runErr)
		}
		return runErr
	}
	if e.hooks != nil {
		e.hooks.EmitExecutionCompleted(ctx, exec, elapsed)
	}
	return nil
}

// failOnConfig records a dispatch-time configuration error (missing
// handler, kind mismatch, undeclared args) as a failed execution. The
// handler is never invoked, so StartedAt stays empty and no timeout
// applies.
func (e *Executor) failOnConfig(ctx context.Context, exec *job.Execution, cfgErr error) error {
	now := time.Now().UTC()
	exec.Status = job.StatusFailed
	exec.Error = cfgErr.Error()
	exec.CompletedAt = &now
	exec.UpdatedAt = now

	if writeErr := e.store.UpdateExecution(ctx, exec); writeErr != nil {
		e.logger.Error("failed to record configuration error",
			slog.String("execution_id", exec.ID.String()),
			slog.String("job_name", exec.JobName),
			slog.String("error", writeErr.Error()),
		)
	} else if e.hooks != nil {
		e.hooks.EmitExecutionFailed(ctx, exec, cfgErr)
	}

	e.logger.Warn("execution failed on configuration",
		slog.String("execution_id", exec.ID.String()),
		slog.String("job_name", exec.JobName),
		slog.String("error", cfgErr.Error()),
	)
	return cfgErr
}

// marshalResult serializes a handler's return value for storage. A
// value that does not marshal is dropped with a warning rather than
// failing a run that already succeeded.
func (e *Executor) marshalResult(exec *job.Execution, result any) []byte {
	if result == nil {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		e.logger.Warn("handler result is not serializable",
			slog.String("execution_id", exec.ID.String()),
			slog.String("job_name", exec.JobName),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return raw
}
