// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/aiqutepets/toycloud/core/devicestatus"
	"github.com/aiqutepets/toycloud/partner"
	"github.com/aiqutepets/toycloud/state"
)

func (s *Server) handleOtaCheck(w http.ResponseWriter, r *http.Request) {
	deviceUID := r.URL.Query().Get("uid")
	userID, allowed := s.authorize(w, r, deviceUID, false)
	if !allowed {
		return
	}

	result, err := s.config.Reconciler.Check(r.Context(), userID, deviceUID)
	if errors.Is(err, state.DeviceNotFound) {
		fail(w, http.StatusNotFound, codeNotFound, "device not found")
		return
	}
	if err != nil {
		logger.Errorf("ota check for device %q: %v", deviceUID, err)
		fail(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	ok(w, result)
}

func (s *Server) handleOtaUpgrade(w http.ResponseWriter, r *http.Request) {
	deviceUID := r.URL.Query().Get("uid")
	if deviceUID == "" {
		// Accept the uid in a JSON body too.
		var body struct {
			UID string `json:"uid"`
		}
		_ = decodeBody(r, &body)
		deviceUID = body.UID
	}
	userID, allowed := s.authorize(w, r, deviceUID, true)
	if !allowed {
		return
	}

	err := s.config.Reconciler.Trigger(r.Context(), userID, deviceUID)
	switch {
	case err == nil:
		ok(w, nil)
	case errors.Is(err, state.DeviceNotFound):
		fail(w, http.StatusNotFound, codeNotFound, "device not found")
	case partner.IsRejected(err):
		fail(w, http.StatusConflict, codeBadRequest, errors.Cause(err).Error())
	case errors.Is(err, partner.ErrUnavailable):
		fail(w, http.StatusBadGateway, codeUnavailable, "upgrade service unavailable")
	default:
		logger.Errorf("ota upgrade for device %q: %v", deviceUID, err)
		fail(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

// deviceStatus is the app-facing view of one device's live state.
type deviceStatus struct {
	Online            bool   `json:"online"`
	BatteryLevel      int    `json:"battery_level,omitempty"`
	VolumeRatio       int    `json:"volume_ratio,omitempty"`
	SignalLevel       int    `json:"signal_level"`
	SignalDescription string `json:"signal_description"`
	WifiSSID          string `json:"wifi_ssid,omitempty"`
	VoiceType         string `json:"voice_type,omitempty"`
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceUID := mux.Vars(r)["uid"]
	_, allowed := s.authorize(w, r, deviceUID, false)
	if !allowed {
		return
	}

	status := deviceStatus{Online: s.config.Status.IsAlive(deviceUID)}
	if snap, found := s.config.Status.Snapshot(deviceUID); found && status.Online &&
		snap.Fresh(s.clock.Now(), s.window) {
		status.BatteryLevel = snap.BatteryLevel
		status.VolumeRatio = snap.VolumeRatio
		status.WifiSSID = snap.WifiSSID
		status.VoiceType = snap.VoiceType
		if snap.WifiStrength != 0 {
			status.SignalLevel = devicestatus.SignalLevel(snap.WifiStrength)
		}
	}
	status.SignalDescription = devicestatus.SignalDescription(status.SignalLevel)
	ok(w, status)
}

func (s *Server) handleDeviceReset(w http.ResponseWriter, r *http.Request) {
	deviceUID := mux.Vars(r)["uid"]
	_, allowed := s.authorize(w, r, deviceUID, true)
	if !allowed {
		return
	}

	msgID, err := s.config.Commander.RestoreFactory(deviceUID)
	if err != nil {
		logger.Errorf("sending factory reset to device %q: %v", deviceUID, err)
		fail(w, http.StatusBadGateway, codeUnavailable, "could not reach device")
		return
	}
	ok(w, map[string]string{"msg_id": msgID})
}

func decodeBody(r *http.Request, into interface{}) error {
	defer func() { _ = r.Body.Close() }()
	return errors.Trace(json.NewDecoder(r.Body).Decode(into))
}
