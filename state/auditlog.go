// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"database/sql"
	"time"

	"github.com/juju/errors"

	"github.com/aiqutepets/toycloud/core/auditlog"
)

// AddOta implements auditlog.OtaLog.
func (s *Store) AddOta(e auditlog.OtaEntry) error {
	if e.Created.IsZero() {
		e.Created = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO device_ota_log (device_uid, user_id, action, target_version, status_code, response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?);`,
		e.DeviceUID, e.UserID, int(e.Action), e.TargetVersion, e.StatusCode,
		e.Response, e.Created.UTC().Format(timeFormat))
	return errors.Annotatef(err, "recording ota %s for device %q", e.Action, e.DeviceUID)
}

// LatestUpgrade implements auditlog.OtaLog, returning the most recent
// upgrade trigger recorded for the device.
func (s *Store) LatestUpgrade(deviceUID string) (auditlog.OtaEntry, bool, error) {
	var e auditlog.OtaEntry
	var action int
	var created string
	err := s.db.QueryRow(
		`SELECT device_uid, user_id, action, target_version, status_code, response, created_at
		 FROM device_ota_log
		 WHERE device_uid = ? AND action = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1;`,
		deviceUID, int(auditlog.ActionUpgrade)).
		Scan(&e.DeviceUID, &e.UserID, &action, &e.TargetVersion, &e.StatusCode, &e.Response, &created)
	if err == sql.ErrNoRows {
		return auditlog.OtaEntry{}, false, nil
	}
	if err != nil {
		return auditlog.OtaEntry{}, false, errors.Annotatef(err, "loading latest upgrade for device %q", deviceUID)
	}
	e.Action = auditlog.Action(action)
	e.Created = parseTime(created)
	return e, true, nil
}

// AddAction implements auditlog.ActionLog.
func (s *Store) AddAction(e auditlog.ActionEntry) error {
	if e.Created.IsZero() {
		e.Created = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO device_action_log (device_uid, code, duration, created_at)
		 VALUES (?, ?, ?, ?);`,
		e.DeviceUID, e.Code, e.Duration, e.Created.UTC().Format(timeFormat))
	return errors.Annotatef(err, "recording action %q for device %q", e.Code, e.DeviceUID)
}

// RecentActions returns up to limit of the device's newest action
// entries, newest first.
func (s *Store) RecentActions(deviceUID string, limit int) ([]auditlog.ActionEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT device_uid, code, duration, created_at
		 FROM device_action_log
		 WHERE device_uid = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?;`, deviceUID, limit)
	if err != nil {
		return nil, errors.Annotatef(err, "querying actions for device %q", deviceUID)
	}
	defer func() { _ = rows.Close() }()

	var entries []auditlog.ActionEntry
	for rows.Next() {
		var e auditlog.ActionEntry
		var created string
		if err := rows.Scan(&e.DeviceUID, &e.Code, &e.Duration, &created); err != nil {
			return nil, errors.Annotate(err, "scanning action entry")
		}
		e.Created = parseTime(created)
		entries = append(entries, e)
	}
	return entries, errors.Trace(rows.Err())
}
