package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/device"
	"github.com/driftlock/muster/id"
)

// CreateDevice persists a new device. Serials are unique.
func (s *Store) CreateDevice(ctx context.Context, d *device.Device) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO muster_devices (
			id, hostname, serial, lifecycle, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.Hostname, d.Serial, string(d.Lifecycle), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return muster.ErrDeviceAlreadyExists
		}
		return fmt.Errorf("muster/postgres: create device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device by ID.
func (s *Store) GetDevice(ctx context.Context, deviceID id.DeviceID) (*device.Device, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, hostname, serial, lifecycle, created_at, updated_at
		FROM muster_devices
		WHERE id = $1`,
		deviceID,
	)

	d, err := scanDevice(row)
	if err != nil {
		if isNoRows(err) {
			return nil, muster.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("muster/postgres: get device: %w", err)
	}
	return d, nil
}

// ListDevices returns devices matching opts ordered by hostname.
func (s *Store) ListDevices(ctx context.Context, opts device.ListOpts) ([]*device.Device, error) {
	query := `
		SELECT id, hostname, serial, lifecycle, created_at, updated_at
		FROM muster_devices
		WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Lifecycle != "" {
		query += fmt.Sprintf(" AND lifecycle = $%d", argIdx)
		args = append(args, string(opts.Lifecycle))
		argIdx++
	}

	query += " ORDER BY hostname ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("muster/postgres: list devices: %w", err)
	}
	defer rows.Close()

	var devices []*device.Device
	for rows.Next() {
		d, scanErr := scanDevice(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("muster/postgres: scan device row: %w", scanErr)
		}
		devices = append(devices, d)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("muster/postgres: iterate device rows: %w", err)
	}
	return devices, nil
}

// UpdateDeviceLifecycle atomically moves a device between lifecycle
// states. The move must be legal in the lifecycle graph and the device
// must still be in the from state.
func (s *Store) UpdateDeviceLifecycle(ctx context.Context, deviceID id.DeviceID, from, to device.Lifecycle) error {
	if !device.CanTransition(from, to) {
		return fmt.Errorf("muster/postgres: device %s: %s to %s: %w", deviceID, from, to, muster.ErrInvalidTransition)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE muster_devices
		SET lifecycle = $3, updated_at = NOW()
		WHERE id = $1 AND lifecycle = $2`,
		deviceID, string(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("muster/postgres: update device lifecycle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err = s.pool.QueryRow(ctx,
			`SELECT lifecycle FROM muster_devices WHERE id = $1`, deviceID,
		).Scan(&current)
		if isNoRows(err) {
			return muster.ErrDeviceNotFound
		}
		if err != nil {
			return fmt.Errorf("muster/postgres: update device lifecycle: %w", err)
		}
		return fmt.Errorf("muster/postgres: device %s is %s, not %s: %w", deviceID, current, from, muster.ErrInvalidTransition)
	}
	return nil
}

// DeleteDevice removes a device by ID.
func (s *Store) DeleteDevice(ctx context.Context, deviceID id.DeviceID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM muster_devices WHERE id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("muster/postgres: delete device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return muster.ErrDeviceNotFound
	}
	return nil
}

// scanDevice scans a single device row.
func scanDevice(row pgx.Row) (*device.Device, error) {
	var (
		d            device.Device
		lifecycleStr string
	)
	err := row.Scan(&d.ID, &d.Hostname, &d.Serial, &lifecycleStr, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Lifecycle = device.Lifecycle(lifecycleStr)
	return &d, nil
}
