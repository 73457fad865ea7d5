package device

import (
	"context"

	"github.com/driftlock/muster/id"
)

// ListOpts controls filtering and pagination for device list queries.
type ListOpts struct {
	// Lifecycle filters by state. Empty means all states.
	Lifecycle Lifecycle
	// Limit is the maximum number of devices to return. Zero means no limit.
	Limit int
	// Offset is the number of devices to skip.
	Offset int
}

// Store defines the persistence contract for devices.
type Store interface {
	// CreateDevice persists a new device. Serials are unique; a
	// duplicate returns ErrDeviceAlreadyExists.
	CreateDevice(ctx context.Context, d *Device) error

	// GetDevice retrieves a device by ID.
	GetDevice(ctx context.Context, deviceID id.DeviceID) (*Device, error)

	// ListDevices returns devices matching opts ordered by hostname.
	ListDevices(ctx context.Context, opts ListOpts) ([]*Device, error)

	// UpdateDeviceLifecycle atomically moves a device from one state to
	// another. The move must be allowed by the lifecycle graph and the
	// row must currently be in the from state; otherwise
	// ErrInvalidTransition is returned and nothing changes.
	UpdateDeviceLifecycle(ctx context.Context, deviceID id.DeviceID, from, to Lifecycle) error

	// DeleteDevice removes a device by ID.
	DeleteDevice(ctx context.Context, deviceID id.DeviceID) error
}
