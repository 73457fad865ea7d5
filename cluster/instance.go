package cluster

import (
	"os"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/id"
)

// Instance is one running scheduler process registered in the shared
// store. Instances compete for the leadership lease; followers heartbeat
// and stand by.
type Instance struct {
	muster.Entity

	ID          id.InstanceID `json:"id"`
	Hostname    string        `json:"hostname"`
	PID         int           `json:"pid"`
	IsLeader    bool          `json:"is_leader"`
	HeartbeatAt time.Time     `json:"heartbeat_at"`
}

// NewInstance returns a registration for the current process.
func NewInstance() *Instance {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	inst := &Instance{
		Entity:   muster.NewEntity(),
		ID:       id.NewInstanceID(),
		Hostname: hostname,
		PID:      os.Getpid(),
	}
	inst.HeartbeatAt = inst.CreatedAt
	return inst
}

// Alive reports whether the instance heartbeated within ttl of now.
func (i *Instance) Alive(now time.Time, ttl time.Duration) bool {
	return now.Sub(i.HeartbeatAt) < ttl
}

// HoldsLease reports whether the instance is the live leader: marked as
// leader with a heartbeat fresh within the lease TTL.
func (i *Instance) HoldsLease(now time.Time, ttl time.Duration) bool {
	return i.IsLeader && i.Alive(now, ttl)
}
