// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package devicestatus holds the representation of the last known state a
// device reported over the telemetry transport.
package devicestatus

import (
	"time"
)

// Snapshot is the full picture a device paints of itself in a single
// parameter-upload message. Every upload replaces the previous snapshot
// wholesale; fields the device omitted are zero.
type Snapshot struct {
	// Captured is the server-side time the snapshot was recorded.
	Captured time.Time `json:"ts"`

	// BatteryLevel is a percentage, 0-100.
	BatteryLevel int `json:"battery_level"`

	// VolumeRatio is the speaker volume as a percentage.
	VolumeRatio int `json:"volume_ratio"`

	// WifiStrength is the raw RSSI in dBm, typically -30 to -100.
	// Zero means the device did not report it.
	WifiStrength int `json:"wifi_strength"`

	WifiSSID  string `json:"wifi_ssid,omitempty"`
	VoiceType string `json:"voice_type,omitempty"`
}

// Fresh reports whether the snapshot was captured within the given window.
// This is a cross-check independent of cache expiry: a snapshot can still be
// stored but too old to treat the device as live.
func (s Snapshot) Fresh(now time.Time, window time.Duration) bool {
	if s.Captured.IsZero() {
		return false
	}
	return now.Sub(s.Captured) < window
}

// SignalLevel maps an RSSI reading to the coarse 1-4 band shown in the
// client UI. Zero is reserved for "offline or no data"; callers use it when
// the device is not live.
func SignalLevel(rssi int) int {
	switch {
	case rssi > -50:
		return 4
	case rssi > -65:
		return 3
	case rssi > -80:
		return 2
	default:
		return 1
	}
}

// SignalDescription names a signal level for display.
func SignalDescription(level int) string {
	switch level {
	case 4:
		return "strong"
	case 3:
		return "medium"
	case 2:
		return "weak"
	case 1:
		return "poor"
	}
	return "no signal"
}
