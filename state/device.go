// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"
)

// Device is a registered hardware unit.
type Device struct {
	UID             string
	Secret          string
	Model           string
	FirmwareVersion string
	Created         time.Time
	Updated         time.Time
}

// DeviceNotFound reports a lookup for an unregistered device.
const DeviceNotFound = errors.ConstError("device not found")

// UpsertDevice registers a device or refreshes its secret and model.
// The firmware version is left alone unless the registration carries
// one.
func (s *Store) UpsertDevice(ctx context.Context, d Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_info (uid, secret, model, firmware_version)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(uid) DO UPDATE SET
			secret = excluded.secret,
			model = excluded.model,
			firmware_version = CASE WHEN excluded.firmware_version != ''
				THEN excluded.firmware_version
				ELSE device_info.firmware_version END,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now');`,
		d.UID, d.Secret, d.Model, d.FirmwareVersion)
	return errors.Annotatef(err, "upserting device %q", d.UID)
}

// Device returns the registration for uid.
func (s *Store) Device(ctx context.Context, uid string) (Device, error) {
	var d Device
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT uid, secret, model, firmware_version, created_at, updated_at
		 FROM device_info WHERE uid = ?;`, uid).
		Scan(&d.UID, &d.Secret, &d.Model, &d.FirmwareVersion, &created, &updated)
	if err == sql.ErrNoRows {
		return Device{}, errors.Annotatef(DeviceNotFound, "%q", uid)
	}
	if err != nil {
		return Device{}, errors.Annotatef(err, "loading device %q", uid)
	}
	d.Created = parseTime(created)
	d.Updated = parseTime(updated)
	return d, nil
}

// SetFirmwareVersion records the version a device is confirmed to run.
func (s *Store) SetFirmwareVersion(ctx context.Context, uid, version string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_info SET firmware_version = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE uid = ?;`, version, uid)
	if err != nil {
		return errors.Annotatef(err, "updating firmware version for %q", uid)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return errors.Annotatef(DeviceNotFound, "%q", uid)
	}
	return nil
}

// Bind creates a user/device relation. The first binder becomes owner.
func (s *Store) Bind(ctx context.Context, userID int64, deviceUID string, owner bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_device_rel (user_id, device_uid, is_owner)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id, device_uid) DO UPDATE SET is_owner = excluded.is_owner;`,
		userID, deviceUID, boolToInt(owner))
	return errors.Annotatef(err, "binding user %d to device %q", userID, deviceUID)
}

// IsBound reports whether the user has a relation to the device.
func (s *Store) IsBound(ctx context.Context, userID int64, deviceUID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_device_rel WHERE user_id = ? AND device_uid = ?;`,
		userID, deviceUID).Scan(&n)
	if err != nil {
		return false, errors.Annotatef(err, "checking binding for device %q", deviceUID)
	}
	return n > 0, nil
}

// IsOwner reports whether the user holds the owner relation for the
// device.
func (s *Store) IsOwner(ctx context.Context, userID int64, deviceUID string) (bool, error) {
	var owner int
	err := s.db.QueryRowContext(ctx,
		`SELECT is_owner FROM user_device_rel WHERE user_id = ? AND device_uid = ?;`,
		userID, deviceUID).Scan(&owner)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Annotatef(err, "checking ownership for device %q", deviceUID)
	}
	return owner != 0, nil
}

// UnbindAll removes every user relation the device has, after a
// confirmed factory reset.
func (s *Store) UnbindAll(deviceUID string) error {
	res, err := s.db.Exec(
		`DELETE FROM user_device_rel WHERE device_uid = ?;`, deviceUID)
	if err != nil {
		return errors.Annotatef(err, "unbinding device %q", deviceUID)
	}
	if n, err := res.RowsAffected(); err == nil {
		logger.Infof("device %q unbound from %d user(s)", deviceUID, n)
	}
	return nil
}

// SetUpdateFlag sets or clears the pending-update indicator shown to
// every user bound to the device.
func (s *Store) SetUpdateFlag(ctx context.Context, deviceUID string, pending bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_device_rel SET ota_update_flag = ? WHERE device_uid = ?;`,
		boolToInt(pending), deviceUID)
	return errors.Annotatef(err, "setting update flag for device %q", deviceUID)
}

// UpdateFlag reads the pending-update indicator for one user's view of
// the device.
func (s *Store) UpdateFlag(ctx context.Context, userID int64, deviceUID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT ota_update_flag FROM user_device_rel WHERE user_id = ? AND device_uid = ?;`,
		userID, deviceUID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Annotatef(err, "reading update flag for device %q", deviceUID)
	}
	return flag != 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
