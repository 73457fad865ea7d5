package job

import (
	"context"
	"time"

	"github.com/driftlock/muster/id"
)

// ListOpts controls pagination for job definition list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// ExecListOpts controls filtering and pagination for execution queries.
type ExecListOpts struct {
	// JobID filters by job. Nil means all jobs.
	JobID id.JobID
	// Status filters by execution status. Empty means all statuses.
	Status Status
	// Limit is the maximum number of executions to return. Zero means no limit.
	Limit int
	// Offset is the number of executions to skip.
	Offset int
}

// Store defines the persistence contract for job definitions and their
// executions.
type Store interface {
	// CreateJob persists a new definition. Names are unique; a duplicate
	// returns ErrJobAlreadyExists.
	CreateJob(ctx context.Context, d *Definition) error

	// GetJob retrieves a definition by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Definition, error)

	// GetJobByName retrieves a definition by its unique name.
	GetJobByName(ctx context.Context, name string) (*Definition, error)

	// UpdateJob persists changes to an existing definition.
	UpdateJob(ctx context.Context, d *Definition) error

	// UpdateJobNextRun sets only the cached next fire time. Nil clears it.
	UpdateJobNextRun(ctx context.Context, jobID id.JobID, next *time.Time) error

	// DeleteJob removes a definition by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ListJobs returns all definitions ordered by name.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Definition, error)

	// CreateExecution persists a new execution row.
	CreateExecution(ctx context.Context, e *Execution) error

	// GetExecution retrieves an execution by ID.
	GetExecution(ctx context.Context, runID id.RunID) (*Execution, error)

	// UpdateExecution persists changes to an execution. A row already in
	// a terminal status accepts no further status change; attempting one
	// returns ErrInvalidTransition.
	UpdateExecution(ctx context.Context, e *Execution) error

	// ListExecutions returns executions matching opts, newest first.
	ListExecutions(ctx context.Context, opts ExecListOpts) ([]*Execution, error)

	// CountExecutions returns the number of executions matching opts.
	CountExecutions(ctx context.Context, opts ExecListOpts) (int64, error)

	// ListExpiredExecutions returns non-terminal executions whose
	// deadline passed before now. The sweep marks them timed out.
	ListExpiredExecutions(ctx context.Context, now time.Time) ([]*Execution, error)
}
