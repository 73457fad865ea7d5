// Package cluster provides scheduler instance registration and
// database-lease leader election.
//
// When multiple Muster processes share a store, each registers itself as
// an [Instance] and heartbeats on every scheduler tick. Exactly one
// instance at a time holds the leadership lease; only the leader syncs
// job definitions, dispatches due work, and runs the housekeeping
// sweeps. Followers heartbeat and stand by for failover.
//
// # Lease Semantics
//
// The lease is derived from heartbeats rather than a separate expiry:
// an instance is the live leader while its row carries the leader mark
// and its heartbeat is younger than the lease TTL (twice the heartbeat
// interval). [Store.AcquireLeadership] atomically clears expired leader
// marks and claims the lease iff no other live leader remains, so a
// crashed leader is replaced within one TTL without any operator action.
//
// There is no fencing epoch: between lease expiry and the old leader
// noticing, a brief dual-dispatch window exists. Handlers are expected
// to tolerate duplicate dispatch.
package cluster
