package job

import (
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/id"
	"github.com/driftlock/muster/schedule"
)

// Option configures a Definition at creation.
type Option func(*Definition)

// WithArgs sets the named arguments passed to the handler on every run.
func WithArgs(args Args) Option {
	return func(d *Definition) {
		d.TaskArgs = args
	}
}

// WithTimeout sets the per-job execution timeout. Zero uses the node
// default.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Definition) {
		d.Timeout = timeout
	}
}

// Disabled creates the definition disabled; it is never synced until
// enabled.
func Disabled() Option {
	return func(d *Definition) {
		d.Enabled = false
	}
}

// Paused creates the definition paused; it keeps its next fire time but
// is skipped by the sync loop.
func Paused() Option {
	return func(d *Definition) {
		d.Paused = true
	}
}

// New constructs an enabled Definition with a fresh ID.
func New(name string, spec schedule.Spec, handlerRef string, kind HandlerKind, opts ...Option) *Definition {
	d := &Definition{
		Entity:      muster.NewEntity(),
		ID:          id.NewJobID(),
		Name:        name,
		Enabled:     true,
		Schedule:    spec,
		Handler:     handlerRef,
		HandlerKind: kind,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}
