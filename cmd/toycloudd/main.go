// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command toycloudd runs the toy cloud backend: MQTT telemetry
// ingestion, the OTA reconciler, and the app-facing HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"

	"github.com/aiqutepets/toycloud/apiserver"
	"github.com/aiqutepets/toycloud/config"
	"github.com/aiqutepets/toycloud/core/auditlog"
	"github.com/aiqutepets/toycloud/mqtt"
	"github.com/aiqutepets/toycloud/ota"
	"github.com/aiqutepets/toycloud/partner"
	"github.com/aiqutepets/toycloud/state"
	"github.com/aiqutepets/toycloud/statuscache"
	"github.com/aiqutepets/toycloud/telemetry"
)

var logger = loggo.GetLogger("toycloud.cmd")

func main() {
	configPath := flag.String("config", "toycloud.yaml", "path to the service configuration")
	logConfig := flag.String("log-config", "<root>=INFO", "loggo configuration string")
	flag.Parse()

	if err := loggo.ConfigureLoggers(*logConfig); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log config: %v\n", err)
		os.Exit(2)
	}

	if err := run(*configPath); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Read(configPath)
	if err != nil {
		return errors.Trace(err)
	}

	store, err := state.Open(cfg.DatabasePath)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = store.Close() }()

	auditFile := auditlog.NewLogFile(cfg.AuditLogDir)
	defer func() { _ = auditFile.Close() }()

	partnerClient, err := partner.NewClient(cfg.PartnerConfig())
	if err != nil {
		return errors.Trace(err)
	}

	cache := statuscache.New(statuscache.Config{
		OnlineTTL:   cfg.OnlineTTL,
		SnapshotTTL: cfg.SnapshotTTL,
	})

	reconciler, err := ota.NewReconciler(ota.Config{
		Partner:        partnerClient,
		Devices:        store,
		OtaLog:         teeOtaLog{store, auditFile},
		UpgradeTimeout: cfg.UpgradeTimeout,
	})
	if err != nil {
		return errors.Trace(err)
	}

	hub := pubsub.NewSimpleHub(nil)

	router, err := telemetry.NewRouter(telemetry.RouterConfig{
		Cache:    cache,
		Actions:  teeActionLog{store, auditFile},
		Unbinder: store,
	})
	if err != nil {
		return errors.Trace(err)
	}
	ingestion, err := telemetry.NewWorker(telemetry.WorkerConfig{
		Hub:    hub,
		Router: router,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		ingestion.Kill()
		_ = ingestion.Wait()
	}()

	broker, err := mqtt.Connect(mqtt.Config{
		BrokerURL: cfg.BrokerURL,
		ClientID:  cfg.BrokerClientID,
		Username:  cfg.BrokerUsername,
		Password:  cfg.BrokerPassword,
		Hub:       hub,
		Clock:     clock.WallClock,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer broker.Close()

	server, err := apiserver.NewServer(apiserver.Config{
		Reconciler:      reconciler,
		Status:          cache,
		Relations:       store,
		Commander:       mqtt.NewCommander(broker),
		FreshnessWindow: cfg.FreshnessWindow,
	})
	if err != nil {
		return errors.Trace(err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("api server listening on %s", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Trace(httpServer.Shutdown(shutdownCtx))
	case err := <-errCh:
		return errors.Trace(err)
	}
}

// teeOtaLog writes OTA entries to the queryable store and the rotated
// compliance file. Reads come from the store.
type teeOtaLog struct {
	store *state.Store
	file  *auditlog.AuditLogFile
}

func (t teeOtaLog) AddOta(e auditlog.OtaEntry) error {
	if err := t.file.AddOta(e); err != nil {
		logger.Warningf("writing ota audit file entry: %v", err)
	}
	return t.store.AddOta(e)
}

func (t teeOtaLog) LatestUpgrade(deviceUID string) (auditlog.OtaEntry, bool, error) {
	return t.store.LatestUpgrade(deviceUID)
}

// teeActionLog mirrors action entries the same way.
type teeActionLog struct {
	store *state.Store
	file  *auditlog.AuditLogFile
}

func (t teeActionLog) AddAction(e auditlog.ActionEntry) error {
	if err := t.file.AddAction(e); err != nil {
		logger.Warningf("writing action audit file entry: %v", err)
	}
	return t.store.AddAction(e)
}
