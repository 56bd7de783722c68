// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mqtt

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// TopicPrefixControl is the outbound command namespace; the device
// identifier is appended.
const TopicPrefixControl = "ctl/"

// Control commands understood by device firmware.
const (
	CmdRestoreFactory = "restorefactory"
	CmdUpdateStart    = "updatestart"
)

// Publisher is the slice of the broker client command senders need.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// command is the outbound control payload.
type command struct {
	Cmd   string `json:"cmd"`
	MsgID string `json:"msgId"`
}

// NewMsgID returns a fresh 16 character hex message identifier used to
// correlate a command with the device's acknowledgement.
func NewMsgID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Commander sends control commands to individual devices.
type Commander struct {
	publisher Publisher
}

// NewCommander returns a Commander over the given publisher.
func NewCommander(publisher Publisher) *Commander {
	return &Commander{publisher: publisher}
}

// RestoreFactory tells the device to perform a factory reset. The
// returned message id matches the msgId of the eventual acknowledgement
// on the device's uplink topic.
func (c *Commander) RestoreFactory(deviceUID string) (string, error) {
	return c.send(deviceUID, CmdRestoreFactory)
}

// UpdateStart tells the device to begin a firmware download.
func (c *Commander) UpdateStart(deviceUID string) (string, error) {
	return c.send(deviceUID, CmdUpdateStart)
}

// SendRaw publishes a caller-supplied payload to the device's control
// topic, for commands the service does not model.
func (c *Commander) SendRaw(deviceUID string, payload []byte) error {
	if deviceUID == "" {
		return errors.NotValidf("empty device id")
	}
	return errors.Trace(c.publisher.Publish(TopicPrefixControl+deviceUID, payload))
}

func (c *Commander) send(deviceUID, cmd string) (string, error) {
	if deviceUID == "" {
		return "", errors.NotValidf("empty device id")
	}
	msgID := NewMsgID()
	payload, err := json.Marshal(command{Cmd: cmd, MsgID: msgID})
	if err != nil {
		return "", errors.Trace(err)
	}
	if err := c.publisher.Publish(TopicPrefixControl+deviceUID, payload); err != nil {
		return "", errors.Trace(err)
	}
	logger.Debugf("sent %q to device %q (msgId %s)", cmd, deviceUID, msgID)
	return msgID, nil
}
