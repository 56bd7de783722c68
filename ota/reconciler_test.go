// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ota_test

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/utils/v3"
	gc "gopkg.in/check.v1"

	"github.com/aiqutepets/toycloud/core/auditlog"
	coreota "github.com/aiqutepets/toycloud/core/ota"
	"github.com/aiqutepets/toycloud/ota"
	"github.com/aiqutepets/toycloud/partner"
	"github.com/aiqutepets/toycloud/partner/transport"
	"github.com/aiqutepets/toycloud/state"
)

type fakePartner struct {
	status      transport.StatusResponse
	statusErr   error
	firmware    transport.FirmwareResponse
	firmwareErr error
	triggerRaw  string
	triggerErr  error

	triggered []string
}

func (f *fakePartner) OTAStatus(ctx context.Context, uid, secret string) (transport.StatusResponse, error) {
	return f.status, f.statusErr
}

func (f *fakePartner) LatestFirmware(ctx context.Context, uid, secret, current, deviceType string) (transport.FirmwareResponse, error) {
	return f.firmware, f.firmwareErr
}

func (f *fakePartner) TriggerUpgrade(ctx context.Context, uid string) (string, error) {
	f.triggered = append(f.triggered, uid)
	return f.triggerRaw, f.triggerErr
}

type fakeDevices struct {
	mu       sync.Mutex
	devices  map[string]state.Device
	versions map[string]string
	flags    map[string]bool
	flagSets int
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		devices:  make(map[string]state.Device),
		versions: make(map[string]string),
		flags:    make(map[string]bool),
	}
}

func (f *fakeDevices) Device(ctx context.Context, uid string) (state.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[uid]
	if !ok {
		return state.Device{}, errors.Annotatef(state.DeviceNotFound, "%q", uid)
	}
	return d, nil
}

func (f *fakeDevices) SetFirmwareVersion(ctx context.Context, uid, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[uid] = version
	return nil
}

func (f *fakeDevices) SetUpdateFlag(ctx context.Context, uid string, pending bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[uid] = pending
	f.flagSets++
	return nil
}

func (f *fakeDevices) flagState(uid string) (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[uid], f.flagSets
}

func (f *fakeDevices) version(uid string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[uid]
}

type fakeOtaLog struct {
	mu      sync.Mutex
	entries []auditlog.OtaEntry
	latest  *auditlog.OtaEntry
	addErr  error
}

func (f *fakeOtaLog) AddOta(e auditlog.OtaEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeOtaLog) LatestUpgrade(uid string) (auditlog.OtaEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return auditlog.OtaEntry{}, false, nil
	}
	return *f.latest, true, nil
}

func (f *fakeOtaLog) all() []auditlog.OtaEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]auditlog.OtaEntry(nil), f.entries...)
}

type reconcilerSuite struct {
	testing.IsolationSuite
	clock   *testclock.Clock
	partner *fakePartner
	devices *fakeDevices
	otaLog  *fakeOtaLog
	rec     *ota.Reconciler
}

var _ = gc.Suite(&reconcilerSuite{})

func (s *reconcilerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Unix(1700000000, 0))
	s.partner = &fakePartner{}
	s.devices = newFakeDevices()
	s.devices.devices["DEV1"] = state.Device{
		UID:             "DEV1",
		Secret:          "s3cret",
		Model:           "toy-v2",
		FirmwareVersion: "1.0.0",
	}
	s.otaLog = &fakeOtaLog{}
	rec, err := ota.NewReconciler(ota.Config{
		Partner: s.partner,
		Devices: s.devices,
		OtaLog:  s.otaLog,
		Clock:   s.clock,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.rec = rec
}

// longAttempt polls for asynchronous side effects to land.
var longAttempt = utils.AttemptStrategy{
	Total: testing.LongWait,
	Delay: 10 * time.Millisecond,
}

// waitFlagSets blocks until the async red-dot write has landed.
func (s *reconcilerSuite) waitFlagSets(c *gc.C, n int) {
	for a := longAttempt.Start(); a.Next(); {
		if _, sets := s.devices.flagState("DEV1"); sets >= n {
			return
		}
	}
	c.Fatalf("update flag never written")
}

func (s *reconcilerSuite) setStatus(status coreota.Status) {
	s.partner.status = transport.StatusResponse{
		Envelope: transport.Envelope{Result: 1},
		Status:   transport.Int(int(status)),
	}
}

func (s *reconcilerSuite) setUpdateAvailable(version string) {
	s.partner.firmware = transport.FirmwareResponse{
		Envelope: transport.Envelope{Result: 1},
		IsUpdate: 1,
		Version:  version,
	}
}

func (s *reconcilerSuite) TestConfigValidation(c *gc.C) {
	_, err := ota.NewReconciler(ota.Config{})
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *reconcilerSuite) TestUnknownDevice(c *gc.C) {
	_, err := s.rec.Check(context.Background(), 1, "ghost")
	c.Check(err, jc.ErrorIs, state.DeviceNotFound)
}

func (s *reconcilerSuite) TestCanUpgradeTable(c *gc.C) {
	// canUpgrade is only true for a restartable status with an update
	// available; every other combination is false.
	for _, status := range []coreota.Status{
		coreota.None, coreota.Downloading, coreota.DownloadComplete,
		coreota.DownloadFail, coreota.Upgrading, coreota.Success, coreota.Fail,
	} {
		for _, hasUpdate := range []bool{true, false} {
			s.SetUpTest(c)
			s.setStatus(status)
			if hasUpdate {
				s.setUpdateAvailable("2.0.0")
			}

			result, err := s.rec.Check(context.Background(), 1, "DEV1")
			c.Assert(err, jc.ErrorIsNil)

			expected := hasUpdate && (status == coreota.None ||
				status == coreota.DownloadFail || status == coreota.Fail)
			c.Check(result.CanUpgrade, gc.Equals, expected,
				gc.Commentf("status %v hasUpdate %v", status, hasUpdate))
		}
	}
}

func (s *reconcilerSuite) TestSuccessPersistsVersion(c *gc.C) {
	// The firmware metadata names the version the device now runs.
	s.partner.status = transport.StatusResponse{
		Envelope: transport.Envelope{Result: 1},
		Status:   transport.Int(int(coreota.Success)),
	}
	s.partner.firmware = transport.FirmwareResponse{
		Envelope: transport.Envelope{Result: 1},
		Version:  "2.0.0",
	}

	result, err := s.rec.Check(context.Background(), 1, "DEV1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Status, gc.Equals, coreota.Success)
	c.Check(result.CurrentVersion, gc.Equals, "2.0.0")
	c.Check(s.devices.version("DEV1"), gc.Equals, "2.0.0")
}

func (s *reconcilerSuite) TestSuccessFallsBackToStatusVersion(c *gc.C) {
	// No firmware metadata: the status envelope's target version is
	// the only version the partner reported.
	s.partner.status = transport.StatusResponse{
		Envelope:      transport.Envelope{Result: 1},
		Status:        transport.Int(int(coreota.Success)),
		TargetVersion: "2.0.0",
	}

	result, err := s.rec.Check(context.Background(), 1, "DEV1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.CurrentVersion, gc.Equals, "2.0.0")
	c.Check(s.devices.version("DEV1"), gc.Equals, "2.0.0")
}

func (s *reconcilerSuite) TestTimeoutGuardFires(c *gc.C) {
	s.setStatus(coreota.Upgrading)
	s.otaLog.latest = &auditlog.OtaEntry{
		DeviceUID:     "DEV1",
		Action:        auditlog.ActionUpgrade,
		TargetVersion: "2.0.0",
		Created:       s.clock.Now().Add(-61 * time.Minute),
	}

	result, err := s.rec.Check(context.Background(), 1, "DEV1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Status, gc.Equals, coreota.Fail)
	c.Check(result.Message, gc.Equals, "upgrade timed out, restart the device")
}

func (s *reconcilerSuite) TestTimeoutGuardHoldsWithinWindow(c *gc.C) {
	s.setStatus(coreota.Upgrading)
	s.otaLog.latest = &auditlog.OtaEntry{
		DeviceUID: "DEV1",
		Action:    auditlog.ActionUpgrade,
		Created:   s.clock.Now().Add(-59 * time.Minute),
	}

	result, err := s.rec.Check(context.Background(), 1, "DEV1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Status, gc.Equals, coreota.Upgrading)
	c.Check(result.Message, gc.Equals, "")
}

func (s *reconcilerSuite) TestUpgradingWithoutTriggerRecordPassesThrough(c *gc.C) {
	s.setStatus(coreota.Upgrading)

	result, err := s.rec.Check(context.Background(), 1, "DEV1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Status, gc.Equals, coreota.Upgrading)
}

func (s *reconcilerSuite) TestRedDotFlag(c *gc.C) {
	s.setStatus(coreota.None)
	s.setUpdateAvailable("2.0.0")

	_, err := s.rec.Check(context.Background(), 1, "DEV1")
	c.Assert(err, jc.ErrorIsNil)

	s.waitFlagSets(c, 1)
	flag, _ := s.devices.flagState("DEV1")
	c.Check(flag, jc.IsTrue)
}

func (s *reconcilerSuite) TestRedDotClearedAfterSuccess(c *gc.C) {
	s.setStatus(coreota.Success)
	s.setUpdateAvailable("2.0.0")

	_, err := s.rec.Check(context.Background(), 1, "DEV1")
	c.Assert(err, jc.ErrorIsNil)

	s.waitFlagSets(c, 1)
	flag, _ := s.devices.flagState("DEV1")
	c.Check(flag, jc.IsFalse)
}

func (s *reconcilerSuite) TestCheckAuditAlwaysAppended(c *gc.C) {
	// StatusCode records the partner result code, not the OTA status.
	s.setStatus(coreota.DownloadComplete)
	_, err := s.rec.Check(context.Background(), 42, "DEV1")
	c.Assert(err, jc.ErrorIsNil)

	entries := s.otaLog.all()
	c.Assert(entries, gc.HasLen, 1)
	c.Check(entries[0].Action, gc.Equals, auditlog.ActionCheck)
	c.Check(entries[0].UserID, gc.Equals, int64(42))
	c.Check(entries[0].StatusCode, gc.Equals, transport.ResultOK)
}

func (s *reconcilerSuite) TestPartnerFailureDegrades(c *gc.C) {
	s.partner.statusErr = partner.ErrUnavailable

	result, err := s.rec.Check(context.Background(), 1, "DEV1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Status, gc.Equals, coreota.None)
	c.Check(result.CanUpgrade, jc.IsFalse)
	c.Check(result.CurrentVersion, gc.Equals, "1.0.0")

	// The failed check is still audited, with no result code.
	entries := s.otaLog.all()
	c.Assert(entries, gc.HasLen, 1)
	c.Check(entries[0].Response, gc.Matches, "status unavailable:.*")
	c.Check(entries[0].StatusCode, gc.Equals, 0)
}

func (s *reconcilerSuite) TestUnknownStatusTreatedAsNone(c *gc.C) {
	s.partner.status = transport.StatusResponse{
		Envelope: transport.Envelope{Result: 1},
		Status:   99,
	}

	result, err := s.rec.Check(context.Background(), 1, "DEV1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Status, gc.Equals, coreota.None)
}

func (s *reconcilerSuite) TestTriggerSuccessAudited(c *gc.C) {
	s.setUpdateAvailable("2.0.0")
	s.partner.triggerRaw = `{"result":1}`

	err := s.rec.Trigger(context.Background(), 7, "DEV1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.partner.triggered, gc.DeepEquals, []string{"DEV1"})

	entries := s.otaLog.all()
	c.Assert(entries, gc.HasLen, 1)
	c.Check(entries[0].Action, gc.Equals, auditlog.ActionUpgrade)
	c.Check(entries[0].UserID, gc.Equals, int64(7))
	c.Check(entries[0].TargetVersion, gc.Equals, "2.0.0")
	c.Check(entries[0].Response, gc.Equals, `{"result":1}`)
}

func (s *reconcilerSuite) TestTriggerRejectionAuditedAndPropagated(c *gc.C) {
	s.partner.triggerRaw = `{"result":0,"message":"device offline"}`
	s.partner.triggerErr = &partner.RejectedError{Code: 0, Message: "device offline"}

	err := s.rec.Trigger(context.Background(), 7, "DEV1")
	c.Check(err, gc.ErrorMatches, ".*device offline.*")

	entries := s.otaLog.all()
	c.Assert(entries, gc.HasLen, 1)
	c.Check(entries[0].Action, gc.Equals, auditlog.ActionUpgrade)
	c.Check(entries[0].Response, gc.Equals, `{"result":0,"message":"device offline"}`)
}

func (s *reconcilerSuite) TestTriggerUnknownDevice(c *gc.C) {
	err := s.rec.Trigger(context.Background(), 7, "ghost")
	c.Check(err, jc.ErrorIs, state.DeviceNotFound)
	c.Check(s.partner.triggered, gc.HasLen, 0)
}
