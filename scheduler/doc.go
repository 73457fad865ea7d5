// Package scheduler runs the control loop of a muster node: instance
// registration, heartbeat-based leader election, schedule sync, and
// the housekeeping sweeps.
//
// Every instance heartbeats and competes for the leadership lease on a
// fixed interval. The lease is derived from heartbeats (see cluster):
// a leader that stops heartbeating loses it after the TTL and a
// follower takes over on its next tick. Only the leader syncs
// schedules and sweeps, which keeps firing at-most-once per occurrence
// across a fleet.
//
// # Sync
//
// On each tick while leader, the scheduler loads all job definitions
// and considers the enabled, unpaused ones:
//   - next_run_at unset: interval jobs fire immediately, cron jobs get
//     next_run_at computed and persisted without firing
//   - due within the misfire grace: fire — create a pending execution,
//     dispatch it, advance next_run_at
//   - due beyond the grace: skip the missed occurrence and advance
//     next_run_at from now
//
// Firing records the execution first, then hands a Task to the queue;
// standalone functions run in the dispatching process instead.
// Dispatch failures mark the execution failed and the job stays
// scheduled for its next occurrence.
//
// # Manual dispatch
//
// [Scheduler.TriggerNow] bypasses the schedule and never touches
// next_run_at. It works on any instance, leader or follower.
package scheduler
