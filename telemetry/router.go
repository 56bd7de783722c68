// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package telemetry

import (
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/aiqutepets/toycloud/core/auditlog"
	"github.com/aiqutepets/toycloud/core/devicestatus"
)

var logger = loggo.GetLogger("toycloud.telemetry")

// StatusCache is the slice of the liveness cache the router writes to.
type StatusCache interface {
	MarkAlive(deviceUID string)
	RecordSnapshot(deviceUID string, snap devicestatus.Snapshot)
	Remove(deviceUID string)
}

// Unbinder severs every user relation a device has, after a confirmed
// factory reset.
type Unbinder interface {
	UnbindAll(deviceUID string) error
}

// RouterConfig holds the router's collaborators.
type RouterConfig struct {
	Cache    StatusCache
	Actions  auditlog.ActionLog
	Unbinder Unbinder
	Clock    clock.Clock
}

// Validate returns an error if the config cannot drive a Router.
func (c RouterConfig) Validate() error {
	if c.Cache == nil {
		return errors.NotValidf("nil Cache")
	}
	if c.Actions == nil {
		return errors.NotValidf("nil Actions")
	}
	if c.Unbinder == nil {
		return errors.NotValidf("nil Unbinder")
	}
	return nil
}

// Router classifies inbound broker messages and applies their side
// effects. It is stateless per message; failures are contained to the
// message that caused them.
type Router struct {
	config RouterConfig
	clock  clock.Clock
}

// NewRouter returns a Router over the given collaborators.
func NewRouter(config RouterConfig) (*Router, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Router{config: config, clock: clk}, nil
}

// Handle routes one message. It never returns an error: a bad message
// is logged and dropped so ingestion keeps flowing.
func (r *Router) Handle(topic string, payload []byte) {
	switch {
	case strings.HasPrefix(topic, TopicPrefixUplink):
		r.handleUplink(strings.TrimPrefix(topic, TopicPrefixUplink), payload)
	case strings.HasPrefix(topic, TopicPrefixAction):
		r.handleAction(strings.TrimPrefix(topic, TopicPrefixAction), payload)
	default:
		logger.Warningf("dropping message on unrecognised topic %q", topic)
	}
}

func (r *Router) handleUplink(deviceUID string, payload []byte) {
	if deviceUID == "" {
		logger.Warningf("dropping uplink message without device id")
		return
	}
	msg, err := ParseUplink(payload)
	if err != nil {
		logger.Warningf("device %q: %v", deviceUID, err)
		return
	}
	switch msg.Cmd {
	case CmdAlive:
		r.config.Cache.MarkAlive(deviceUID)
	case CmdUploadParam:
		r.recordUpload(deviceUID, msg)
	case CmdRestoreFactory:
		r.handleReset(deviceUID, msg)
	default:
		logger.Infof("device %q sent unrecognised command %q, ignoring", deviceUID, msg.Cmd)
	}
}

func (r *Router) recordUpload(deviceUID string, msg UplinkMessage) {
	snap := devicestatus.Snapshot{
		Captured:  r.clock.Now(),
		WifiSSID:  msg.WifiSSID,
		VoiceType: msg.VoiceType,
	}
	if battery, ok := msg.Battery(); ok {
		snap.BatteryLevel = battery
	}
	if rssi, ok := msg.Signal(); ok {
		snap.WifiStrength = rssi
	}
	if msg.VolumeRatio != nil {
		snap.VolumeRatio = *msg.VolumeRatio
	}
	r.config.Cache.RecordSnapshot(deviceUID, snap)
	r.config.Cache.MarkAlive(deviceUID)
}

func (r *Router) handleReset(deviceUID string, msg UplinkMessage) {
	if !msg.ResetSucceeded() {
		logger.Warningf("device %q reported factory reset failure (msgId %q)", deviceUID, msg.MsgID)
		return
	}
	logger.Infof("device %q confirmed factory reset, unbinding", deviceUID)
	if err := r.config.Unbinder.UnbindAll(deviceUID); err != nil {
		logger.Errorf("unbinding device %q: %v", deviceUID, err)
		return
	}
	r.config.Cache.Remove(deviceUID)
}

func (r *Router) handleAction(deviceUID string, payload []byte) {
	if deviceUID == "" {
		logger.Warningf("dropping action message without device id")
		return
	}
	msg, err := ParseAction(payload)
	if err != nil {
		logger.Warningf("device %q: %v", deviceUID, err)
		return
	}
	entry := auditlog.ActionEntry{
		DeviceUID: deviceUID,
		Code:      msg.Code,
		Duration:  msg.Duration,
		Created:   r.clock.Now(),
	}
	if err := r.config.Actions.AddAction(entry); err != nil {
		logger.Errorf("recording action %q for device %q: %v", msg.Code, deviceUID, err)
	}
	// An interaction proves the device is up even without a heartbeat.
	r.config.Cache.MarkAlive(deviceUID)
}
