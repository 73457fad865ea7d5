package cluster_test

import (
	"testing"
	"time"

	"github.com/driftlock/muster/cluster"
)

func TestNewInstance(t *testing.T) {
	inst := cluster.NewInstance()

	if inst.ID.IsNil() {
		t.Error("expected a non-nil instance ID")
	}
	if inst.Hostname == "" {
		t.Error("expected a hostname")
	}
	if inst.PID == 0 {
		t.Error("expected the current PID")
	}
	if inst.IsLeader {
		t.Error("a fresh instance must not be leader")
	}
	if !inst.HeartbeatAt.Equal(inst.CreatedAt) {
		t.Errorf("initial heartbeat %v should match creation time %v", inst.HeartbeatAt, inst.CreatedAt)
	}
}

func TestInstanceAlive(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ttl := 2 * time.Minute

	tests := []struct {
		name      string
		heartbeat time.Time
		want      bool
	}{
		{"fresh heartbeat", now.Add(-time.Second), true},
		{"just inside the ttl", now.Add(-ttl + time.Second), true},
		{"exactly at the ttl", now.Add(-ttl), false},
		{"long silent", now.Add(-time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := &cluster.Instance{HeartbeatAt: tt.heartbeat}
			if got := inst.Alive(now, ttl); got != tt.want {
				t.Errorf("Alive = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInstanceHoldsLease(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ttl := 2 * time.Minute

	tests := []struct {
		name      string
		isLeader  bool
		heartbeat time.Time
		want      bool
	}{
		{"live leader", true, now.Add(-time.Second), true},
		{"leader mark with stale heartbeat", true, now.Add(-ttl), false},
		{"live follower", false, now.Add(-time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := &cluster.Instance{IsLeader: tt.isLeader, HeartbeatAt: tt.heartbeat}
			if got := inst.HoldsLease(now, ttl); got != tt.want {
				t.Errorf("HoldsLease = %v, want %v", got, tt.want)
			}
		})
	}
}
