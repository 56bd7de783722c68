// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ota reconciles the firmware upgrade state a device reports
// through the partner service with what this service knows: whether an
// update exists, whether an upgrade may be started, and whether a
// stuck upgrade should be reported as failed.
package ota

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/aiqutepets/toycloud/core/auditlog"
	coreota "github.com/aiqutepets/toycloud/core/ota"
	"github.com/aiqutepets/toycloud/partner"
	"github.com/aiqutepets/toycloud/partner/transport"
	"github.com/aiqutepets/toycloud/state"
)

var logger = loggo.GetLogger("toycloud.ota")

// DefaultUpgradeTimeout is how long an upgrade may sit in the upgrading
// state before a check reports it failed.
const DefaultUpgradeTimeout = 60 * time.Minute

// timeoutMessage is shown to the user when the guard fires.
const timeoutMessage = "upgrade timed out, restart the device"

// PartnerClient is the slice of the partner API the reconciler uses.
type PartnerClient interface {
	OTAStatus(ctx context.Context, uid, secret string) (transport.StatusResponse, error)
	LatestFirmware(ctx context.Context, uid, secret, currentVersion, deviceType string) (transport.FirmwareResponse, error)
	TriggerUpgrade(ctx context.Context, uid string) (string, error)
}

// DeviceStore is the slice of persistent device state the reconciler
// uses.
type DeviceStore interface {
	Device(ctx context.Context, uid string) (state.Device, error)
	SetFirmwareVersion(ctx context.Context, uid, version string) error
	SetUpdateFlag(ctx context.Context, deviceUID string, pending bool) error
}

// Config holds the reconciler's collaborators.
type Config struct {
	Partner PartnerClient
	Devices DeviceStore
	OtaLog  auditlog.OtaLog
	Clock   clock.Clock

	// UpgradeTimeout overrides DefaultUpgradeTimeout when positive.
	UpgradeTimeout time.Duration
}

// Validate returns an error if the config cannot drive a Reconciler.
func (c Config) Validate() error {
	if c.Partner == nil {
		return errors.NotValidf("nil Partner")
	}
	if c.Devices == nil {
		return errors.NotValidf("nil Devices")
	}
	if c.OtaLog == nil {
		return errors.NotValidf("nil OtaLog")
	}
	return nil
}

// CheckResult is the reconciled upgrade picture returned to the app.
type CheckResult struct {
	Status            coreota.Status `json:"status"`
	StatusDescription string         `json:"status_description"`
	Progress          int            `json:"progress"`

	CurrentVersion string `json:"current_version,omitempty"`
	LatestVersion  string `json:"latest_version,omitempty"`
	ChangeLog      string `json:"change_log,omitempty"`

	UpdateAvailable bool   `json:"update_available"`
	CanUpgrade      bool   `json:"can_upgrade"`
	Forced          bool   `json:"forced,omitempty"`
	Message         string `json:"message,omitempty"`
}

// Reconciler answers OTA checks and dispatches upgrade triggers.
type Reconciler struct {
	config  Config
	clock   clock.Clock
	timeout time.Duration
}

// NewReconciler returns a Reconciler over the given collaborators.
func NewReconciler(config Config) (*Reconciler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	timeout := config.UpgradeTimeout
	if timeout <= 0 {
		timeout = DefaultUpgradeTimeout
	}
	return &Reconciler{config: config, clock: clk, timeout: timeout}, nil
}

// Check reconciles the device's upgrade state. Partner unavailability
// degrades to a safe "nothing to do" answer rather than failing the
// caller; only an unknown device is an error.
func (r *Reconciler) Check(ctx context.Context, userID int64, deviceUID string) (CheckResult, error) {
	device, err := r.config.Devices.Device(ctx, deviceUID)
	if err != nil {
		return CheckResult{}, errors.Trace(err)
	}

	result := CheckResult{
		Status:         coreota.None,
		CurrentVersion: device.FirmwareVersion,
	}

	statusResp, err := r.config.Partner.OTAStatus(ctx, deviceUID, device.Secret)
	if err != nil {
		logger.Warningf("ota status for device %q unavailable: %v", deviceUID, err)
		r.audit(userID, deviceUID, "", 0, "status unavailable: "+err.Error())
		result.StatusDescription = result.Status.Description()
		return result, nil
	}

	status := coreota.Status(int(statusResp.Status))
	if !status.Known() {
		logger.Warningf("device %q reported unknown ota status %d, treating as none", deviceUID, int(statusResp.Status))
		status = coreota.None
	}
	result.Status = status
	result.Progress = int(statusResp.Progress)
	if v := statusResp.Current(); v != "" {
		result.CurrentVersion = v
	}

	firmware, err := r.config.Partner.LatestFirmware(ctx, deviceUID, device.Secret, result.CurrentVersion, device.Model)
	if err != nil {
		logger.Warningf("latest firmware for device %q unavailable: %v", deviceUID, err)
	}
	result.UpdateAvailable = firmware.HasUpdate()
	result.LatestVersion = firmware.LatestAvailable()
	result.ChangeLog = firmware.ChangeLog()
	result.Forced = firmware.Forced()

	// A confirmed success is the one place the partner is authoritative
	// about what the device now runs. The firmware metadata carries the
	// version; the status envelope fields are a fallback for replies
	// that omit it.
	if status == coreota.Success {
		if v := firstNonEmpty(firmware.LatestAvailable(), statusResp.Target(), statusResp.Current()); v != "" && v != device.FirmwareVersion {
			if err := r.config.Devices.SetFirmwareVersion(ctx, deviceUID, v); err != nil {
				logger.Errorf("persisting firmware version %q for device %q: %v", v, deviceUID, err)
			} else {
				result.CurrentVersion = v
			}
		}
	}

	// A device stuck upgrading past the timeout is reported failed. The
	// computed status is not persisted: if the device does come back,
	// the partner state wins again on the next check.
	if status == coreota.Upgrading {
		if expired, target := r.upgradeTimedOut(deviceUID); expired {
			result.Status = coreota.Fail
			result.Message = timeoutMessage
			if result.LatestVersion == "" {
				result.LatestVersion = target
			}
		}
	}

	result.StatusDescription = result.Status.Description()
	result.CanUpgrade = result.Status.Restartable() && result.UpdateAvailable

	// The red-dot flag fans out to every bound user; it is advisory and
	// must not slow the check down.
	pending := result.UpdateAvailable && result.Status != coreota.Success
	go func() {
		if err := r.config.Devices.SetUpdateFlag(context.Background(), deviceUID, pending); err != nil {
			logger.Errorf("setting update flag for device %q: %v", deviceUID, err)
		}
	}()

	r.audit(userID, deviceUID, result.LatestVersion, int(statusResp.Result), statusResp.Raw)
	return result, nil
}

// Trigger asks the partner to start an upgrade for the device. Every
// outcome is audited; failures propagate to the caller.
func (r *Reconciler) Trigger(ctx context.Context, userID int64, deviceUID string) error {
	device, err := r.config.Devices.Device(ctx, deviceUID)
	if err != nil {
		return errors.Trace(err)
	}

	firmware, err := r.config.Partner.LatestFirmware(ctx, deviceUID, device.Secret, device.FirmwareVersion, device.Model)
	if err != nil {
		logger.Warningf("latest firmware for device %q unavailable before trigger: %v", deviceUID, err)
	}
	target := firmware.LatestAvailable()

	raw, err := r.config.Partner.TriggerUpgrade(ctx, deviceUID)
	entry := auditlog.OtaEntry{
		DeviceUID:     deviceUID,
		UserID:        userID,
		Action:        auditlog.ActionUpgrade,
		TargetVersion: target,
		Response:      raw,
		Created:       r.clock.Now(),
	}
	if err != nil {
		entry.Response = firstNonEmpty(raw, err.Error())
		if rej, ok := errors.Cause(err).(*partner.RejectedError); ok {
			entry.StatusCode = rej.Code
		}
		if logErr := r.config.OtaLog.AddOta(entry); logErr != nil {
			logger.Errorf("recording failed upgrade trigger for device %q: %v", deviceUID, logErr)
		}
		return errors.Annotatef(err, "triggering upgrade for device %q", deviceUID)
	}
	entry.StatusCode = transport.ResultOK
	if logErr := r.config.OtaLog.AddOta(entry); logErr != nil {
		logger.Errorf("recording upgrade trigger for device %q: %v", deviceUID, logErr)
	}
	logger.Infof("upgrade to %q triggered for device %q by user %d", target, deviceUID, userID)
	return nil
}

// upgradeTimedOut reports whether the latest recorded upgrade trigger
// for the device is older than the timeout, along with the version it
// targeted.
func (r *Reconciler) upgradeTimedOut(deviceUID string) (bool, string) {
	entry, found, err := r.config.OtaLog.LatestUpgrade(deviceUID)
	if err != nil {
		logger.Errorf("loading latest upgrade for device %q: %v", deviceUID, err)
		return false, ""
	}
	if !found {
		return false, ""
	}
	if r.clock.Now().Sub(entry.Created) <= r.timeout {
		return false, ""
	}
	return true, entry.TargetVersion
}

// audit appends a check entry. StatusCode carries the partner result
// code, the same meaning trigger entries use; 0 means no reply.
func (r *Reconciler) audit(userID int64, deviceUID, target string, resultCode int, response string) {
	err := r.config.OtaLog.AddOta(auditlog.OtaEntry{
		DeviceUID:     deviceUID,
		UserID:        userID,
		Action:        auditlog.ActionCheck,
		TargetVersion: target,
		StatusCode:    resultCode,
		Response:      response,
		Created:       r.clock.Now(),
	})
	if err != nil {
		logger.Errorf("recording ota check for device %q: %v", deviceUID, err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
