package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/device"
	"github.com/driftlock/muster/id"
)

// CreateDevice persists a new device in the inventory.
func (s *Store) CreateDevice(ctx context.Context, d *device.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO muster_devices (id, hostname, serial, lifecycle, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.Hostname, d.Serial, string(d.Lifecycle), toNs(d.CreatedAt), toNs(d.UpdatedAt),
	)
	if err != nil {
		// Duplicate ID or duplicate serial.
		if isDuplicateKey(err) {
			return fmt.Errorf("muster/sqlite: device %s: %w", d.Serial, muster.ErrDeviceAlreadyExists)
		}
		return fmt.Errorf("muster/sqlite: create device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device by ID.
func (s *Store) GetDevice(ctx context.Context, deviceID id.DeviceID) (*device.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hostname, serial, lifecycle, created_at, updated_at
		FROM muster_devices
		WHERE id = ?`,
		deviceID,
	)

	d, err := scanDevice(row)
	if err != nil {
		if isNoRows(err) {
			return nil, muster.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("muster/sqlite: get device: %w", err)
	}
	return d, nil
}

// ListDevices returns devices matching opts, ordered by hostname.
func (s *Store) ListDevices(ctx context.Context, opts device.ListOpts) ([]*device.Device, error) {
	query := `
		SELECT id, hostname, serial, lifecycle, created_at, updated_at
		FROM muster_devices
		WHERE 1=1`
	args := []any{}

	if opts.Lifecycle != "" {
		query += " AND lifecycle = ?"
		args = append(args, string(opts.Lifecycle))
	}

	query += " ORDER BY hostname ASC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("muster/sqlite: list devices: %w", err)
	}
	defer rows.Close()

	var devices []*device.Device
	for rows.Next() {
		d, scanErr := scanDevice(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("muster/sqlite: scan device row: %w", scanErr)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("muster/sqlite: iterate device rows: %w", err)
	}
	return devices, nil
}

// UpdateDeviceLifecycle moves a device between lifecycle states,
// enforcing the transition graph.
func (s *Store) UpdateDeviceLifecycle(ctx context.Context, deviceID id.DeviceID, from, to device.Lifecycle) error {
	if !device.CanTransition(from, to) {
		return fmt.Errorf("muster/sqlite: device %s: %s to %s: %w", deviceID, from, to, muster.ErrInvalidTransition)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE muster_devices
		SET lifecycle = ?, updated_at = ?
		WHERE id = ? AND lifecycle = ?`,
		string(to), toNs(time.Now().UTC()), deviceID, string(from),
	)
	if err != nil {
		return fmt.Errorf("muster/sqlite: update device lifecycle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("muster/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		var current string
		selErr := s.db.QueryRowContext(ctx,
			`SELECT lifecycle FROM muster_devices WHERE id = ?`, deviceID,
		).Scan(&current)
		if isNoRows(selErr) {
			return muster.ErrDeviceNotFound
		}
		if selErr != nil {
			return fmt.Errorf("muster/sqlite: get device lifecycle: %w", selErr)
		}
		return fmt.Errorf("muster/sqlite: device %s is %s, not %s: %w", deviceID, current, from, muster.ErrInvalidTransition)
	}
	return nil
}

// DeleteDevice removes a device from the inventory.
func (s *Store) DeleteDevice(ctx context.Context, deviceID id.DeviceID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM muster_devices WHERE id = ?`, deviceID,
	)
	if err != nil {
		return fmt.Errorf("muster/sqlite: delete device: %w", err)
	}
	return affectedOr(res, muster.ErrDeviceNotFound)
}

// scanDevice scans a single device row.
func scanDevice(row rowScanner) (*device.Device, error) {
	var (
		d            device.Device
		lifecycleStr string
		createdNs    int64
		updatedNs    int64
	)
	err := row.Scan(&d.ID, &d.Hostname, &d.Serial, &lifecycleStr, &createdNs, &updatedNs)
	if err != nil {
		return nil, err
	}
	d.Lifecycle = device.Lifecycle(lifecycleStr)
	d.CreatedAt = fromNs(createdNs)
	d.UpdatedAt = fromNs(updatedNs)
	return &d, nil
}
