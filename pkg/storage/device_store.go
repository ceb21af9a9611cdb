package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/httprunner/ProvisionAgent/pkg/fleet"
	pkgerrors "github.com/pkg/errors"
)

const deviceColumns = `id, name, url, mac_address, device_class, is_online, last_seen, vpn_address,
	vpn_enabled, created_at, updated_at`

// FindDeviceByMAC returns the device owning mac, or nil.
func (s *Store) FindDeviceByMAC(ctx context.Context, mac string) (*fleet.Device, error) {
	if mac == "" {
		return nil, nil
	}
	return s.findDevice(ctx, "mac_address = ? ORDER BY updated_at DESC", mac)
}

// FindDeviceByURL returns the device registered at url, or nil.
func (s *Store) FindDeviceByURL(ctx context.Context, url string) (*fleet.Device, error) {
	return s.findDevice(ctx, "url = ?", url)
}

// GetDevice loads a device by id, or nil.
func (s *Store) GetDevice(ctx context.Context, id string) (*fleet.Device, error) {
	return s.findDevice(ctx, "id = ?", id)
}

// CreateDevice inserts a device. A taken URL maps to fleet.ErrAddressConflict.
func (s *Store) CreateDevice(ctx context.Context, d *fleet.Device) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, deviceTable, deviceColumns)
	_, err := s.execWithRetry(ctx, stmt, d.ID, d.Name, d.URL, d.MAC, string(d.Class), boolToInt(d.Online),
		toMillis(d.LastSeen), d.VPNAddress, boolToInt(d.VPNEnabled), toMillis(d.CreatedAt), toMillis(d.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return pkgerrors.Wrapf(fleet.ErrAddressConflict, "%s", d.URL)
		}
		return pkgerrors.Wrapf(err, "storage: insert device %s failed", d.ID)
	}
	return nil
}

// UpdateDevice rewrites every mutable column of d.
func (s *Store) UpdateDevice(ctx context.Context, d *fleet.Device) error {
	stmt := fmt.Sprintf(`UPDATE %s SET name = ?, url = ?, mac_address = ?, device_class = ?, is_online = ?,
		last_seen = ?, vpn_address = ?, vpn_enabled = ?, updated_at = ? WHERE id = ?`, deviceTable)
	res, err := s.execWithRetry(ctx, stmt, d.Name, d.URL, d.MAC, string(d.Class), boolToInt(d.Online),
		toMillis(d.LastSeen), d.VPNAddress, boolToInt(d.VPNEnabled), toMillis(d.UpdatedAt), d.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return pkgerrors.Wrapf(fleet.ErrAddressConflict, "%s", d.URL)
		}
		return pkgerrors.Wrapf(err, "storage: update device %s failed", d.ID)
	}
	return expectOneRow(res, d.ID)
}

// CountDevices returns the number of device records.
func (s *Store) CountDevices(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, deviceTable)).Scan(&n); err != nil {
		return 0, pkgerrors.Wrap(err, "storage: count devices failed")
	}
	return n, nil
}

func (s *Store) findDevice(ctx context.Context, where string, arg any) (*fleet.Device, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE %s LIMIT 1`, deviceColumns, deviceTable, where), arg)
	var (
		d          fleet.Device
		class      string
		online     int
		lastSeen   sql.NullInt64
		vpnEnabled int
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(&d.ID, &d.Name, &d.URL, &d.MAC, &class, &online, &lastSeen, &d.VPNAddress,
		&vpnEnabled, &createdAt, &updatedAt)
	if err != nil {
		if pkgerrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(err, "storage: load device failed")
	}
	d.Class = fleet.ParseClass(class)
	d.Online = online == 1
	d.LastSeen = fromMillis(lastSeen.Int64)
	d.VPNEnabled = vpnEnabled == 1
	d.CreatedAt = fromMillis(createdAt)
	d.UpdatedAt = fromMillis(updatedAt)
	return &d, nil
}
