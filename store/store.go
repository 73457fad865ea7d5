// Package store defines the aggregate persistence interface. Each
// subsystem (job, cluster, workqueue, device) defines its own store
// interface; the composite Store composes them all. Backends: Postgres,
// SQLite, and Memory.
package store

import (
	"context"

	"github.com/driftlock/muster/cluster"
	"github.com/driftlock/muster/device"
	"github.com/driftlock/muster/job"
	"github.com/driftlock/muster/workqueue"
)

// Store is the aggregate persistence interface. A single backend
// implements every subsystem store plus the lifecycle operations.
type Store interface {
	job.Store
	cluster.Store
	workqueue.Store
	device.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
