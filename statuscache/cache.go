// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package statuscache holds the in-memory liveness and telemetry state
// for the device fleet. Entries expire on a TTL so a device that stops
// reporting falls offline without any explicit disconnect signal.
package statuscache

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"

	"github.com/aiqutepets/toycloud/core/devicestatus"
)

var logger = loggo.GetLogger("toycloud.statuscache")

const (
	// DefaultOnlineTTL is how long a device stays online after its
	// last heartbeat.
	DefaultOnlineTTL = 120 * time.Second

	// DefaultSnapshotTTL is how long a telemetry snapshot stays
	// servable after it was reported.
	DefaultSnapshotTTL = 300 * time.Second
)

type entry struct {
	snapshot devicestatus.Snapshot
	deadline time.Time
}

// Cache tracks which devices are alive and what they last reported.
// All methods are safe for concurrent use.
type Cache struct {
	clock       clock.Clock
	onlineTTL   time.Duration
	snapshotTTL time.Duration

	mu        sync.Mutex
	alive     map[string]time.Time
	snapshots map[string]entry
}

// Config holds the tunables for a Cache.
type Config struct {
	Clock       clock.Clock
	OnlineTTL   time.Duration
	SnapshotTTL time.Duration
}

// New returns an empty Cache. Zero config fields take defaults.
func New(cfg Config) *Cache {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.OnlineTTL <= 0 {
		cfg.OnlineTTL = DefaultOnlineTTL
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = DefaultSnapshotTTL
	}
	return &Cache{
		clock:       cfg.Clock,
		onlineTTL:   cfg.OnlineTTL,
		snapshotTTL: cfg.SnapshotTTL,
		alive:       make(map[string]time.Time),
		snapshots:   make(map[string]entry),
	}
}

// MarkAlive records a heartbeat from the device, restarting its online
// window.
func (c *Cache) MarkAlive(deviceUID string) {
	now := c.clock.Now()
	c.mu.Lock()
	c.alive[deviceUID] = now.Add(c.onlineTTL)
	c.mu.Unlock()
	logger.Tracef("device %q alive until %v", deviceUID, now.Add(c.onlineTTL))
}

// IsAlive reports whether the device heartbeated within the online
// window.
func (c *Cache) IsAlive(deviceUID string) bool {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, ok := c.alive[deviceUID]
	if !ok {
		return false
	}
	if !now.Before(deadline) {
		delete(c.alive, deviceUID)
		return false
	}
	return true
}

// RecordSnapshot stores the device's latest telemetry, replacing any
// previous snapshot wholesale. A device that omits a field this report
// loses the old value; partial merges would hide stale readings.
func (c *Cache) RecordSnapshot(deviceUID string, snap devicestatus.Snapshot) {
	now := c.clock.Now()
	if snap.Captured.IsZero() {
		snap.Captured = now
	}
	c.mu.Lock()
	c.snapshots[deviceUID] = entry{snapshot: snap, deadline: now.Add(c.snapshotTTL)}
	c.mu.Unlock()
}

// Snapshot returns the device's last telemetry report, if one is still
// within the snapshot window.
func (c *Cache) Snapshot(deviceUID string) (devicestatus.Snapshot, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.snapshots[deviceUID]
	if !ok {
		return devicestatus.Snapshot{}, false
	}
	if !now.Before(e.deadline) {
		delete(c.snapshots, deviceUID)
		return devicestatus.Snapshot{}, false
	}
	return e.snapshot, true
}

// Remove purges every trace of the device, used when it is unbound or
// factory reset.
func (c *Cache) Remove(deviceUID string) {
	c.mu.Lock()
	delete(c.alive, deviceUID)
	delete(c.snapshots, deviceUID)
	c.mu.Unlock()
}

// Len returns how many devices currently hold a live heartbeat entry.
// Expired entries not yet swept still count; this is a gauge, not an
// exact census.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alive)
}
