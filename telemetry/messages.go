// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package telemetry classifies and routes the messages devices publish
// over the broker: heartbeats, parameter uploads, factory reset
// acknowledgements and interaction events.
package telemetry

import (
	"encoding/json"

	"github.com/juju/errors"
)

// The topic namespaces devices publish into. A device appends its own
// identifier, e.g. "up/A1B2C3".
const (
	TopicPrefixUplink = "up/"
	TopicPrefixAction = "action/"
)

// Uplink commands devices send on the up/ topic.
const (
	CmdAlive          = "alive"
	CmdUploadParam    = "uploadParam"
	CmdRestoreFactory = "restorefactory"
)

// UplinkMessage is the payload of an up/{deviceId} message. Field
// presence tracks the command: a heartbeat is just the cmd, a parameter
// upload carries readings, a reset acknowledgement carries the result.
//
// Older firmware uses short names for battery and signal, so both
// spellings decode.
type UplinkMessage struct {
	Cmd   string `json:"cmd"`
	MsgID string `json:"msgId,omitempty"`

	BatteryLevel *int `json:"battery_level,omitempty"`
	Bat          *int `json:"bat,omitempty"`

	WifiStrength *int `json:"wifi_strength,omitempty"`
	RSSI         *int `json:"rssi,omitempty"`

	VolumeRatio *int   `json:"volume_ratio,omitempty"`
	WifiSSID    string `json:"wifi_ssid,omitempty"`
	VoiceType   string `json:"voice_type,omitempty"`

	// Result reports success (1) or failure (0) of a factory reset.
	Result *int `json:"result,omitempty"`
}

// Battery returns the battery percentage, whichever spelling carried it.
func (m UplinkMessage) Battery() (int, bool) {
	if m.BatteryLevel != nil {
		return *m.BatteryLevel, true
	}
	if m.Bat != nil {
		return *m.Bat, true
	}
	return 0, false
}

// Signal returns the RSSI reading, whichever spelling carried it.
func (m UplinkMessage) Signal() (int, bool) {
	if m.WifiStrength != nil {
		return *m.WifiStrength, true
	}
	if m.RSSI != nil {
		return *m.RSSI, true
	}
	return 0, false
}

// ResetSucceeded reports whether a restorefactory acknowledgement
// carried a success result.
func (m UplinkMessage) ResetSucceeded() bool {
	return m.Result != nil && *m.Result == 1
}

// ActionMessage is the payload of an action/{deviceId} message, one
// interaction event such as a button press or a play session.
type ActionMessage struct {
	Code     string `json:"code"`
	Duration int    `json:"duration,omitempty"`
}

// ParseUplink decodes an up/ payload.
func ParseUplink(payload []byte) (UplinkMessage, error) {
	var m UplinkMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return UplinkMessage{}, errors.Annotate(err, "parsing uplink payload")
	}
	return m, nil
}

// ParseAction decodes an action/ payload.
func ParseAction(payload []byte) (ActionMessage, error) {
	var m ActionMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return ActionMessage{}, errors.Annotate(err, "parsing action payload")
	}
	if m.Code == "" {
		return ActionMessage{}, errors.NotValidf("action payload without code")
	}
	return m, nil
}
