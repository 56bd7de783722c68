// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mqtt connects the service to the device-facing MQTT broker.
// Inbound device traffic is republished onto the in-process hub for the
// ingestion worker; outbound commands go to each device's control topic.
package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/retry"

	"github.com/aiqutepets/toycloud/telemetry"
)

var logger = loggo.GetLogger("toycloud.mqtt")

// The broker-side subscriptions covering the device uplink namespaces.
var subscriptions = set.NewStrings(
	telemetry.TopicPrefixUplink+"#",
	telemetry.TopicPrefixAction+"#",
)

// Config holds what the broker connection needs.
type Config struct {
	// BrokerURL is the broker address, e.g. "tcp://broker:1883".
	BrokerURL string

	// ClientID identifies this service to the broker.
	ClientID string

	Username string
	Password string

	// Hub receives inbound messages as telemetry.Message payloads.
	Hub *pubsub.SimpleHub

	// Clock drives the connect retry schedule.
	Clock clock.Clock

	// ConnectAttempts bounds the initial connect retry loop.
	// Defaults to 10.
	ConnectAttempts int
}

// Validate returns an error if the config cannot drive a Client.
func (c Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.NotValidf("empty BrokerURL")
	}
	if c.ClientID == "" {
		return errors.NotValidf("empty ClientID")
	}
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	return nil
}

// Client owns the broker connection.
type Client struct {
	config Config
	conn   paho.Client
}

// Connect dials the broker, retrying with backoff, and subscribes to
// the device uplink topics. The underlying connection re-subscribes
// itself after any later reconnect.
func Connect(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.ConnectAttempts <= 0 {
		config.ConnectAttempts = 10
	}

	c := &Client{config: config}

	opts := paho.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warningf("broker connection lost: %v", err)
		})
	if config.Username != "" {
		opts = opts.SetUsername(config.Username).SetPassword(config.Password)
	}
	c.conn = paho.NewClient(opts)

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			token := c.conn.Connect()
			token.Wait()
			return errors.Trace(token.Error())
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("broker connect attempt %d failed: %v", attempt, err)
		},
		Attempts:    config.ConnectAttempts,
		Delay:       time.Second,
		MaxDelay:    30 * time.Second,
		BackoffFunc: retry.DoubleDelay,
		Clock:       config.Clock,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to broker %q", config.BrokerURL)
	}
	return c, nil
}

// onConnect runs on every (re)connect, so the subscriptions survive a
// broker restart.
func (c *Client) onConnect(conn paho.Client) {
	for _, topic := range subscriptions.SortedValues() {
		token := conn.Subscribe(topic, 1, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Errorf("subscribing to %q: %v", topic, err)
			continue
		}
		logger.Debugf("subscribed to %q", topic)
	}
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	logger.Tracef("broker message on %q: %s", msg.Topic(), msg.Payload())
	c.config.Hub.Publish(telemetry.HubTopic, telemetry.Message{
		Topic:   msg.Topic(),
		Payload: msg.Payload(),
	})
}

// Publish sends a payload to a raw broker topic.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.conn.Publish(topic, 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.Annotatef(err, "publishing to %q", topic)
	}
	return nil
}

// Close disconnects from the broker, allowing a quarter second for
// in-flight messages to drain.
func (c *Client) Close() {
	c.conn.Disconnect(250)
}

// String identifies the connection in logs.
func (c *Client) String() string {
	return fmt.Sprintf("mqtt %s (%s)", c.config.BrokerURL, c.config.ClientID)
}
