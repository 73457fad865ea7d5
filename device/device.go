// Package device defines managed devices and their installation
// lifecycle.
//
// Devices are the targets of deployment jobs. Submitting a deployment
// moves each target from discovered to install_pending; a reported
// success moves it to installed_unenrolled, while a failure or a reaped
// deployment rolls it back to discovered.
package device

import (
	"github.com/driftlock/muster"
	"github.com/driftlock/muster/id"
)

// Lifecycle is a device's installation state.
type Lifecycle string

const (
	// Discovered means the device is known but has no agent installed.
	Discovered Lifecycle = "discovered"
	// InstallPending means a deployment targeting the device is queued
	// or in progress.
	InstallPending Lifecycle = "install_pending"
	// InstalledUnenrolled means the agent is installed but the device
	// has not enrolled yet.
	InstalledUnenrolled Lifecycle = "installed_unenrolled"
	// Enrolled means the device completed enrollment.
	Enrolled Lifecycle = "enrolled"
	// Retired means the device was removed from management. Terminal.
	Retired Lifecycle = "retired"
)

// transitions is the allowed lifecycle graph.
var transitions = map[Lifecycle][]Lifecycle{
	Discovered:          {InstallPending, Retired},
	InstallPending:      {InstalledUnenrolled, Discovered},
	InstalledUnenrolled: {Enrolled, Retired},
	Enrolled:            {Retired},
	Retired:             {},
}

// CanTransition reports whether moving a device from one lifecycle state
// to another is allowed.
func CanTransition(from, to Lifecycle) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Device is a managed endpoint targeted by deployments.
type Device struct {
	muster.Entity

	ID        id.DeviceID `json:"id"`
	Hostname  string      `json:"hostname"`
	Serial    string      `json:"serial"`
	Lifecycle Lifecycle   `json:"lifecycle"`
}

// New returns a freshly discovered device.
func New(hostname, serial string) *Device {
	return &Device{
		Entity:    muster.NewEntity(),
		ID:        id.NewDeviceID(),
		Hostname:  hostname,
		Serial:    serial,
		Lifecycle: Discovered,
	}
}
