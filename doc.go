// Package muster provides a database-backed job scheduling and work-queue
// core for Go. It offers periodic jobs (interval or cron triggers) with full
// execution history, leader-elected high-availability scheduling, and a
// deployment work queue that remote workers claim atomically.
//
// Muster is designed as a library, not a service. Import it, configure a
// store, register handlers as ordinary Go functions, and start a node.
//
// # Quick Start
//
//	n, err := muster.New(
//	    muster.WithStore(pgStore),
//	    muster.WithConcurrency(20),
//	)
//
// # Architecture
//
// Muster follows a composable store pattern where each subsystem (job,
// cluster, workqueue, device) defines its own store interface. A single
// backend implements all of them.
//
// Any number of processes may run a scheduler against the same store; a
// database lease elects exactly one leader, which syncs job definitions,
// dispatches due work, and runs the housekeeping sweeps. Followers
// heartbeat and stand by for failover.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package muster
