// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ota

// Status represents the firmware update state a device reports through the
// partner service. The numeric values are fixed by the partner wire protocol
// and must not be renumbered.
type Status int

const (
	// None means no update cycle is in progress.
	None Status = 0

	// Downloading means the device is fetching the firmware image.
	Downloading Status = 1

	// DownloadComplete means the image is on the device but the upgrade
	// has not started yet.
	DownloadComplete Status = 2

	// DownloadFail means fetching the image failed; a new cycle may be
	// started.
	DownloadFail Status = 3

	// Upgrading means the device is flashing the image.
	Upgrading Status = 4

	// Success is terminal for a cycle; the device runs the new firmware.
	Success Status = 5

	// Fail is terminal for a cycle; the upgrade did not complete.
	Fail Status = 6
)

// String is the mnemonic used in logs and API payloads.
func (s Status) String() string {
	switch s {
	case None:
		return "none"
	case Downloading:
		return "downloading"
	case DownloadComplete:
		return "download-complete"
	case DownloadFail:
		return "download-fail"
	case Upgrading:
		return "upgrading"
	case Success:
		return "success"
	case Fail:
		return "fail"
	}
	return "unknown"
}

// Description returns the user-facing text shown next to the upgrade
// control. Callers append progress where it applies.
func (s Status) Description() string {
	switch s {
	case None:
		return "idle"
	case Downloading:
		return "downloading firmware"
	case DownloadComplete:
		return "download complete"
	case DownloadFail:
		return "download failed"
	case Upgrading:
		return "upgrading"
	case Success:
		return "upgrade succeeded"
	case Fail:
		return "upgrade failed"
	}
	return "unknown status"
}

// Known reports whether the value is one the partner protocol defines.
func (s Status) Known() bool {
	return s >= None && s <= Fail
}

// InFlight reports whether the device is busy with a download or upgrade,
// during which a new cycle must not be started.
func (s Status) InFlight() bool {
	return s == Downloading || s == Upgrading
}

// Restartable reports whether a new update cycle may begin from this state.
func (s Status) Restartable() bool {
	return s == None || s == DownloadFail || s == Fail
}
