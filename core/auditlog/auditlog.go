// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package auditlog defines the append-only records kept for every OTA
// operation and device action. The OTA trail doubles as the source of
// "when did we last tell this device to upgrade", which drives the
// upgrade timeout guard.
package auditlog

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
	"gopkg.in/yaml.v2"
)

var logger = loggo.GetLogger("toycloud.core.auditlog")

// Action identifies what kind of OTA operation an entry records. The
// numeric values are stored, so they must not be renumbered.
type Action int

const (
	// ActionCheck records a status/firmware check.
	ActionCheck Action = 1

	// ActionUpgrade records an upgrade trigger sent to the partner.
	ActionUpgrade Action = 2
)

// String returns the mnemonic for an action kind.
func (a Action) String() string {
	switch a {
	case ActionCheck:
		return "check"
	case ActionUpgrade:
		return "upgrade"
	}
	return "unknown"
}

// OtaEntry is one record in the OTA audit trail.
type OtaEntry struct {
	DeviceUID     string    `yaml:"device-uid"`
	UserID        int64     `yaml:"user-id"`
	Action        Action    `yaml:"action"`
	TargetVersion string    `yaml:"target-version,omitempty"`
	StatusCode    int       `yaml:"status-code"`
	// Response keeps the raw partner reply (or the failure message) for
	// later diagnosis.
	Response string    `yaml:"response,omitempty"`
	Created  time.Time `yaml:"created"`
}

// ActionEntry records a single device action message (play, touch, ...)
// received over telemetry.
type ActionEntry struct {
	DeviceUID string    `yaml:"device-uid"`
	Code      string    `yaml:"code"`
	Duration  int       `yaml:"duration,omitempty"`
	Created   time.Time `yaml:"created"`
}

// OtaLog stores OTA entries and answers the one query the reconciler
// needs: the most recent upgrade trigger for a device.
type OtaLog interface {
	AddOta(OtaEntry) error
	LatestUpgrade(deviceUID string) (OtaEntry, bool, error)
}

// ActionLog stores device action entries.
type ActionLog interface {
	AddAction(ActionEntry) error
}

type record struct {
	Ota    *OtaEntry    `yaml:"ota,omitempty"`
	Action *ActionEntry `yaml:"action,omitempty"`
}

// AuditLogFile is a write-only compliance sink: YAML documents appended
// to a rotated audit-log.yaml. It complements the queryable store.
type AuditLogFile struct {
	fileLogger *lumberjack.Logger
}

// NewLogFile returns an audit sink writing to audit-log.yaml in the
// given directory.
func NewLogFile(logDir string) *AuditLogFile {
	logPath := filepath.Join(logDir, "audit-log.yaml")
	if err := primeLogFile(logPath); err != nil {
		// This isn't a fatal error so log and continue if priming
		// fails.
		logger.Errorf("unable to prime %s (proceeding anyway): %v", logPath, err)
	}

	return &AuditLogFile{
		fileLogger: &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    300, // MB
			MaxBackups: 10,
			Compress:   true,
		},
	}
}

// AddOta appends an OTA entry to the file.
func (a *AuditLogFile) AddOta(e OtaEntry) error {
	return errors.Trace(a.addRecord(record{Ota: &e}))
}

// AddAction appends a device action entry to the file.
func (a *AuditLogFile) AddAction(e ActionEntry) error {
	return errors.Trace(a.addRecord(record{Action: &e}))
}

// Close closes the underlying file.
func (a *AuditLogFile) Close() error {
	return errors.Trace(a.fileLogger.Close())
}

const documentStart = "---\n"

func (a *AuditLogFile) addRecord(r record) error {
	bytes, err := yaml.Marshal(r)
	if err != nil {
		return errors.Trace(err)
	}
	// Combining the start and document together in one write to
	// prevent lumberjack from rolling the file between them.
	withStart := make([]byte, 0, len(documentStart)+len(bytes))
	withStart = append(withStart, []byte(documentStart)...)
	withStart = append(withStart, bytes...)
	_, err = a.fileLogger.Write(withStart)
	return errors.Trace(err)
}

// primeLogFile ensures the audit log file is created with the correct
// mode before lumberjack opens it.
func primeLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.Close())
}
