// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver exposes the thin HTTP surface the mobile app talks
// to. Authentication happens at the fronting gateway, which injects the
// caller identity as a header; these handlers only enforce the
// user/device relationship.
package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/aiqutepets/toycloud/core/devicestatus"
	"github.com/aiqutepets/toycloud/ota"
)

var logger = loggo.GetLogger("toycloud.apiserver")

// userHeader carries the authenticated user id, set by the gateway.
const userHeader = "X-User-Id"

// DefaultFreshnessWindow bounds how old a snapshot may be and still be
// shown as current device state.
const DefaultFreshnessWindow = 60 * time.Second

// Reconciler is the slice of the OTA reconciler the server uses.
type Reconciler interface {
	Check(ctx context.Context, userID int64, deviceUID string) (ota.CheckResult, error)
	Trigger(ctx context.Context, userID int64, deviceUID string) error
}

// StatusReader is the slice of the status cache the server uses.
type StatusReader interface {
	IsAlive(deviceUID string) bool
	Snapshot(deviceUID string) (devicestatus.Snapshot, bool)
}

// Relations answers who may touch which device.
type Relations interface {
	IsBound(ctx context.Context, userID int64, deviceUID string) (bool, error)
	IsOwner(ctx context.Context, userID int64, deviceUID string) (bool, error)
}

// Commander sends control commands to devices.
type Commander interface {
	RestoreFactory(deviceUID string) (string, error)
}

// Config holds the server's collaborators.
type Config struct {
	Reconciler Reconciler
	Status     StatusReader
	Relations  Relations
	Commander  Commander
	Clock      clock.Clock

	// FreshnessWindow overrides DefaultFreshnessWindow when positive.
	FreshnessWindow time.Duration
}

// Validate returns an error if the config cannot drive a Server.
func (c Config) Validate() error {
	if c.Reconciler == nil {
		return errors.NotValidf("nil Reconciler")
	}
	if c.Status == nil {
		return errors.NotValidf("nil Status")
	}
	if c.Relations == nil {
		return errors.NotValidf("nil Relations")
	}
	if c.Commander == nil {
		return errors.NotValidf("nil Commander")
	}
	return nil
}

// Server routes app requests to the core components.
type Server struct {
	config Config
	clock  clock.Clock
	window time.Duration
	router *mux.Router
}

// NewServer returns a Server with its routes registered.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	window := config.FreshnessWindow
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	s := &Server{config: config, clock: clk, window: window}

	r := mux.NewRouter()
	r.HandleFunc("/api/device/ota/check", s.handleOtaCheck).Methods("GET")
	r.HandleFunc("/api/device/ota/upgrade", s.handleOtaUpgrade).Methods("POST")
	r.HandleFunc("/api/device/{uid}/status", s.handleDeviceStatus).Methods("GET")
	r.HandleFunc("/api/device/{uid}/reset", s.handleDeviceReset).Methods("POST")
	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// envelope is the uniform response shape.
type envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

const (
	codeOK          = 0
	codeBadRequest  = 400
	codeForbidden   = 403
	codeNotFound    = 404
	codeInternal    = 500
	codeUnavailable = 503
)

func writeJSON(w http.ResponseWriter, httpStatus int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger.Errorf("writing response: %v", err)
	}
}

func ok(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Code: codeOK, Message: "success", Data: data})
}

func fail(w http.ResponseWriter, httpStatus, code int, message string) {
	writeJSON(w, httpStatus, envelope{Code: code, Message: message})
}

// caller extracts the gateway-authenticated user id.
func caller(r *http.Request) (int64, bool) {
	raw := r.Header.Get(userHeader)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// authorize checks the relation and writes the failure response itself
// when the caller may not proceed.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, deviceUID string, needOwner bool) (int64, bool) {
	userID, authed := caller(r)
	if !authed {
		fail(w, http.StatusUnauthorized, codeForbidden, "missing caller identity")
		return 0, false
	}
	if deviceUID == "" {
		fail(w, http.StatusBadRequest, codeBadRequest, "missing device id")
		return 0, false
	}
	check := s.config.Relations.IsBound
	if needOwner {
		check = s.config.Relations.IsOwner
	}
	allowed, err := check(r.Context(), userID, deviceUID)
	if err != nil {
		logger.Errorf("authorizing user %d for device %q: %v", userID, deviceUID, err)
		fail(w, http.StatusInternalServerError, codeInternal, "internal error")
		return 0, false
	}
	if !allowed {
		fail(w, http.StatusForbidden, codeForbidden, "device not bound to user")
		return 0, false
	}
	return userID, true
}
