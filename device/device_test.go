package device_test

import (
	"testing"

	"github.com/driftlock/muster/device"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    device.Lifecycle
		to      device.Lifecycle
		allowed bool
	}{
		{"install starts", device.Discovered, device.InstallPending, true},
		{"install succeeds", device.InstallPending, device.InstalledUnenrolled, true},
		{"install rolls back", device.InstallPending, device.Discovered, true},
		{"enrollment", device.InstalledUnenrolled, device.Enrolled, true},
		{"retire enrolled", device.Enrolled, device.Retired, true},
		{"retire discovered", device.Discovered, device.Retired, true},
		{"skip install", device.Discovered, device.InstalledUnenrolled, false},
		{"reinstall installed", device.InstalledUnenrolled, device.InstallPending, false},
		{"pending straight to enrolled", device.InstallPending, device.Enrolled, false},
		{"retired is terminal", device.Retired, device.Discovered, false},
		{"self transition", device.Discovered, device.Discovered, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := device.CanTransition(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestNewDevice(t *testing.T) {
	d := device.New("host-01", "SN-1234")
	if d.Lifecycle != device.Discovered {
		t.Errorf("lifecycle = %q, want discovered", d.Lifecycle)
	}
	if d.ID.IsNil() {
		t.Error("expected a device id")
	}
	if d.Hostname != "host-01" || d.Serial != "SN-1234" {
		t.Errorf("identity mismatch: %q %q", d.Hostname, d.Serial)
	}
}
