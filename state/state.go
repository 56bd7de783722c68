// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists the service's durable records in SQLite:
// device registrations, user/device relations, the interaction action
// log and the OTA audit log.
package state

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	_ "github.com/mattn/go-sqlite3"
)

var logger = loggo.GetLogger("toycloud.state")

const timeFormat = time.RFC3339Nano

// Store wraps the SQLite handle and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Annotate(err, "creating database directory")
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_fk=1&cache=shared")
	if err != nil {
		return nil, errors.Annotate(err, "opening sqlite database")
	}
	// SQLite serialises writers anyway; a single connection avoids
	// SQLITE_BUSY under concurrent ingestion.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return errors.Trace(s.db.Close())
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS device_info (
			uid TEXT PRIMARY KEY,
			secret TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			firmware_version TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS user_device_rel (
			user_id INTEGER NOT NULL,
			device_uid TEXT NOT NULL,
			is_owner INTEGER NOT NULL DEFAULT 0,
			ota_update_flag INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			PRIMARY KEY (user_id, device_uid)
		);`,
		`CREATE TABLE IF NOT EXISTS device_action_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_uid TEXT NOT NULL,
			code TEXT NOT NULL,
			duration INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_action_log_device_time
			ON device_action_log(device_uid, created_at);`,
		`CREATE TABLE IF NOT EXISTS device_ota_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_uid TEXT NOT NULL,
			user_id INTEGER NOT NULL DEFAULT 0,
			action INTEGER NOT NULL,
			target_version TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			response TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ota_log_device_action_time
			ON device_ota_log(device_uid, action, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Annotate(err, "initialising schema")
		}
	}
	return nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}
