package muster

import "time"

// Config holds configuration for a Node.
type Config struct {
	// HeartbeatInterval is how often a scheduler instance heartbeats and
	// attempts to acquire or hold the leadership lease. The lease TTL is
	// twice this interval.
	HeartbeatInterval time.Duration

	// MisfireGrace is how far past its fire time a due job may still be
	// dispatched. Occurrences missed by more than this are skipped.
	MisfireGrace time.Duration

	// DispatchTimeout is the default hard timeout applied to handler
	// execution when a job definition carries no timeout of its own.
	DispatchTimeout time.Duration

	// RetryBackoff is the fixed delay before the scheduler loop retries
	// after an error.
	RetryBackoff time.Duration

	// ReapInterval is how often the leader runs the housekeeping sweeps
	// (execution sweep, deployment reaper, instance cleanup).
	ReapInterval time.Duration

	// ClaimTimeout is how long a deployment may sit queued before the
	// reaper fails it as never claimed.
	ClaimTimeout time.Duration

	// ExecutionTimeout is how long a claimed deployment may sit
	// in-progress before the reaper fails it as never completed.
	ExecutionTimeout time.Duration

	// InstanceGrace is how long a scheduler instance may go without a
	// heartbeat before the leader deletes its registration.
	InstanceGrace time.Duration

	// Concurrency is the number of in-process task workers.
	Concurrency int

	// QueueSize is the in-process task queue buffer size.
	QueueSize int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 60 * time.Second,
		MisfireGrace:      300 * time.Second,
		DispatchTimeout:   600 * time.Second,
		RetryBackoff:      5 * time.Second,
		ReapInterval:      30 * time.Second,
		ClaimTimeout:      5 * time.Minute,
		ExecutionTimeout:  5 * time.Minute,
		InstanceGrace:     10 * time.Minute,
		Concurrency:       10,
		QueueSize:         256,
		ShutdownTimeout:   30 * time.Second,
	}
}

// normalized fills zero-valued fields with their defaults, so a
// partially filled Config literal keeps working timings.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = def.MisfireGrace
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = def.DispatchTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = def.ReapInterval
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = def.ClaimTimeout
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = def.ExecutionTimeout
	}
	if c.InstanceGrace <= 0 {
		c.InstanceGrace = def.InstanceGrace
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c
}

// LeaseTTL returns the leadership lease duration: twice the heartbeat
// interval. An instance whose heartbeat is older than this has lost the
// lease.
func (c Config) LeaseTTL() time.Duration {
	return 2 * c.HeartbeatInterval
}
