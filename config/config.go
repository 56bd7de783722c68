// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config loads and validates the service configuration from a
// YAML file. Values are coerced through a schema so a quoted number or
// a missing optional field never surprises the rest of the service.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/yaml.v2"

	"github.com/aiqutepets/toycloud/partner"
)

// Config is the fully coerced service configuration.
type Config struct {
	// ListenAddr is the API server bind address.
	ListenAddr string

	// DatabasePath is the SQLite file location.
	DatabasePath string

	// AuditLogDir receives the rotated audit-log.yaml.
	AuditLogDir string

	// BrokerURL etc. configure the MQTT connection.
	BrokerURL      string
	BrokerClientID string
	BrokerUsername string
	BrokerPassword string

	// PartnerBaseURL and PartnerSignSecret configure the partner client.
	PartnerBaseURL    string
	PartnerSignSecret string
	PartnerTimeout    time.Duration

	// OnlineTTL, SnapshotTTL and FreshnessWindow tune the status cache.
	OnlineTTL       time.Duration
	SnapshotTTL     time.Duration
	FreshnessWindow time.Duration

	// UpgradeTimeout bounds how long an upgrade may stay in flight.
	UpgradeTimeout time.Duration
}

var configFields = schema.Fields{
	"listen-addr":         schema.String(),
	"database-path":       schema.String(),
	"audit-log-dir":       schema.String(),
	"broker-url":          schema.String(),
	"broker-client-id":    schema.String(),
	"broker-username":     schema.String(),
	"broker-password":     schema.String(),
	"partner-base-url":    schema.String(),
	"partner-sign-secret": schema.String(),
	"partner-timeout":     schema.TimeDuration(),
	"online-ttl":          schema.TimeDuration(),
	"snapshot-ttl":        schema.TimeDuration(),
	"freshness-window":    schema.TimeDuration(),
	"upgrade-timeout":     schema.TimeDuration(),
}

var configDefaults = schema.Defaults{
	"listen-addr":         ":8080",
	"database-path":       "toycloud.db",
	"audit-log-dir":       ".",
	"broker-client-id":    "toycloudd",
	"broker-username":     "",
	"broker-password":     "",
	"partner-sign-secret": "",
	"partner-timeout":     "10s",
	"online-ttl":          "120s",
	"snapshot-ttl":        "300s",
	"freshness-window":    "60s",
	"upgrade-timeout":     "60m",
}

var configChecker = schema.FieldMap(configFields, configDefaults)

// Read loads the configuration file at path.
func Read(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotate(err, "reading config file")
	}
	return Parse(data)
}

// Parse coerces raw YAML into a Config.
func Parse(data []byte) (Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Annotate(err, "parsing config YAML")
	}
	coerced, err := configChecker.Coerce(raw, nil)
	if err != nil {
		return Config{}, errors.Annotate(err, "invalid config")
	}
	attrs := coerced.(map[string]interface{})

	cfg := Config{
		ListenAddr:        attrs["listen-addr"].(string),
		DatabasePath:      attrs["database-path"].(string),
		AuditLogDir:       attrs["audit-log-dir"].(string),
		BrokerURL:         attrs["broker-url"].(string),
		BrokerClientID:    attrs["broker-client-id"].(string),
		BrokerUsername:    attrs["broker-username"].(string),
		BrokerPassword:    attrs["broker-password"].(string),
		PartnerBaseURL:    attrs["partner-base-url"].(string),
		PartnerSignSecret: attrs["partner-sign-secret"].(string),
		PartnerTimeout:    attrs["partner-timeout"].(time.Duration),
		OnlineTTL:         attrs["online-ttl"].(time.Duration),
		SnapshotTTL:       attrs["snapshot-ttl"].(time.Duration),
		FreshnessWindow:   attrs["freshness-window"].(time.Duration),
		UpgradeTimeout:    attrs["upgrade-timeout"].(time.Duration),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate returns an error for configurations the service cannot run
// with. A missing sign secret is allowed here: it only fails the OTA
// calls that need it.
func (c Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.NotValidf("empty broker-url")
	}
	if c.PartnerBaseURL == "" {
		return errors.NotValidf("empty partner-base-url")
	}
	return nil
}

// PartnerConfig builds the partner client configuration.
func (c Config) PartnerConfig() partner.Config {
	return partner.Config{
		BaseURL:    c.PartnerBaseURL,
		Paths:      partner.DefaultPaths(),
		SignSecret: c.PartnerSignSecret,
		Timeout:    c.PartnerTimeout,
	}
}
