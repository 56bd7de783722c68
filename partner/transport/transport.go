// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package transport holds the wire shapes of partner service responses.
//
// The partner emits JSON with inconsistent field naming and typing across
// endpoint generations (camelCase and snake_case aliases, numbers that
// sometimes arrive as strings). Every shape here decodes with safe
// defaults: missing booleans are false, missing numbers zero, missing
// strings empty. Callers never see a decode panic from a missing field.
package transport

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Int is an integer that tolerates being sent as a JSON number, a
// quoted numeric string, or null. Anything unparseable decodes to zero.
type Int int

// UnmarshalJSON implements json.Unmarshaler.
func (i *Int) UnmarshalJSON(data []byte) error {
	*i = 0
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return nil
	}
	*i = Int(v)
	return nil
}

// Int64 is the wide variant of Int, used for file sizes.
type Int64 int64

// UnmarshalJSON implements json.Unmarshaler.
func (i *Int64) UnmarshalJSON(data []byte) error {
	*i = 0
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return nil
	}
	*i = Int64(v)
	return nil
}

// ResultOK is the partner's success code.
const ResultOK = 1

// Envelope is the minimal shape shared by every partner response.
type Envelope struct {
	Result  Int    `json:"result"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
}

// OK reports whether the partner accepted the call.
func (e Envelope) OK() bool {
	return int(e.Result) == ResultOK
}

// ErrorMessage returns the partner's failure text, whichever alias
// carried it.
func (e Envelope) ErrorMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Msg
}

// StatusResponse is the app-facing OTA upgrade status reply.
type StatusResponse struct {
	Envelope

	Status   Int `json:"status"`
	Progress Int `json:"progress"`

	CurrentVersion    string `json:"currentVersion"`
	CurrentVersionAlt string `json:"current_version"`

	TargetVersion    string `json:"targetVersion"`
	TargetVersionAlt string `json:"target_version"`
	LatestVersion    string `json:"latestVersion"`

	UpdateDescription    string `json:"updateDescription"`
	UpdateDescriptionAlt string `json:"update_description"`

	// Raw is the undecoded body, retained for audit logging.
	Raw string `json:"-"`
}

// Current returns the device's current firmware version.
func (r StatusResponse) Current() string {
	return firstOf(r.CurrentVersion, r.CurrentVersionAlt)
}

// Target returns the version the device is moving to.
func (r StatusResponse) Target() string {
	return firstOf(r.TargetVersion, r.TargetVersionAlt, r.LatestVersion)
}

// Description returns the update changelog text.
func (r StatusResponse) Description() string {
	return firstOf(r.UpdateDescription, r.UpdateDescriptionAlt)
}

// FirmwareResponse is the latest-firmware metadata reply.
type FirmwareResponse struct {
	Envelope

	IsUpdate    Int `json:"isUpdate"`
	IsUpdateAlt Int `json:"is_update"`

	Version       string `json:"version"`
	LatestVersion string `json:"latestVersion"`

	Description    string `json:"description"`
	DescriptionAlt string `json:"updateDescription"`
	Desc           string `json:"desc"`

	PublishDate    string `json:"publishDate"`
	PublishDateAlt string `json:"publish_date"`

	FileSize    Int64 `json:"fileSize"`
	FileSizeAlt Int64 `json:"file_size"`

	IsForce    Int `json:"isForce"`
	IsForceAlt Int `json:"is_force"`

	// Raw is the undecoded body, retained for audit logging.
	Raw string `json:"-"`
}

// HasUpdate reports whether an update exists for the device.
func (r FirmwareResponse) HasUpdate() bool {
	return r.OK() && (int(r.IsUpdate) == 1 || int(r.IsUpdateAlt) == 1)
}

// Forced reports whether the update is mandatory.
func (r FirmwareResponse) Forced() bool {
	return int(r.IsForce) == 1 || int(r.IsForceAlt) == 1
}

// LatestAvailable returns the advertised version string.
func (r FirmwareResponse) LatestAvailable() string {
	return firstOf(r.Version, r.LatestVersion)
}

// ChangeLog returns the update description.
func (r FirmwareResponse) ChangeLog() string {
	return firstOf(r.Description, r.DescriptionAlt, r.Desc)
}

// Published returns the firmware publish date string.
func (r FirmwareResponse) Published() string {
	return firstOf(r.PublishDate, r.PublishDateAlt)
}

// Size returns the firmware size in bytes.
func (r FirmwareResponse) Size() int64 {
	if r.FileSize != 0 {
		return int64(r.FileSize)
	}
	return int64(r.FileSizeAlt)
}

// CheckResponse is the lightweight "is there a new version" reply used
// by the device-facing check endpoint.
type CheckResponse struct {
	Envelope

	IsUpdate      Int    `json:"isUpdate"`
	Version       string `json:"version"`
	UpdateVersion string `json:"updateVersion"`
	LatestVersion string `json:"latestVersion"`
}

// Latest returns the advertised target version, whichever alias carried it.
func (r CheckResponse) Latest() string {
	return firstOf(r.UpdateVersion, r.LatestVersion)
}

// LevelValues are the growth counters attached to a device level.
type LevelValues struct {
	IntimacyValue  Int `json:"intimacy_value"`
	CompanionValue Int `json:"companion_value"`
	EmotionValue   Int `json:"emotion_value"`
	AffectionValue Int `json:"affection_value"`
	EnergyValue    Int `json:"energy_value"`
}

// GrowthStatsResponse is the growth/intimacy stats reply.
type GrowthStatsResponse struct {
	Status string `json:"status"`
	Data   struct {
		DeviceID              string      `json:"device_id"`
		DeviceLevel           Int         `json:"device_level"`
		AccompanyDays         Int         `json:"accompany_days"`
		CurrentLevelValues    LevelValues `json:"current_level_values"`
		NextLevelRequirements LevelValues `json:"next_level_requirements"`
	} `json:"data"`
}

// OK reports whether the stats call succeeded.
func (r GrowthStatsResponse) OK() bool {
	return r.Status == "success"
}

// MoodResponse is the "today's mood" reply.
type MoodResponse struct {
	Status string `json:"status"`
	Data   struct {
		DeviceID    string `json:"device_id"`
		MoodDate    string `json:"mood_date"`
		MoodContent string `json:"mood_content"`
		GeneratedAt string `json:"generated_at"`
	} `json:"data"`
}

// DiaryDate marks one calendar day in the diary index.
type DiaryDate struct {
	Date        string `json:"date"`
	HasDiary    bool   `json:"has_diary"`
	DiaryStatus string `json:"diary_status"`
}

// DiaryDatesResponse wraps the diary index; some deployments return the
// array bare, others under "data".
type DiaryDatesResponse struct {
	Status string      `json:"status"`
	Data   []DiaryDate `json:"data"`
}

// DiaryDetail is one day's generated diary.
type DiaryDetail struct {
	DiaryDate    string   `json:"diary_date"`
	DiaryContent string   `json:"diary_content"`
	EmotionTags  []string `json:"emotion_tags"`
	GeneratedAt  string   `json:"generated_at"`
}

// DiaryDetailResponse wraps a diary detail.
type DiaryDetailResponse struct {
	Status string      `json:"status"`
	Data   DiaryDetail `json:"data"`
}

// Badge is a single achievement badge.
type Badge struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
	UnlockedAt  string `json:"unlocked_at"`
	Progress    Int    `json:"progress"`
	IsShown     bool   `json:"is_shown"`
}

// BadgeListResponse wraps the badge collections.
type BadgeListResponse struct {
	Status string `json:"status"`
	Data   struct {
		UnlockedBadges []Badge `json:"unlocked_badges"`
		LockedBadges   []Badge `json:"locked_badges"`
	} `json:"data"`
}

// MarkShownResponse acknowledges a badge mark-shown mutation.
type MarkShownResponse struct {
	Status string `json:"status"`
}

// OK reports whether the mutation succeeded.
func (r MarkShownResponse) OK() bool {
	return r.Status == "success"
}

// Decode unmarshals a partner body into the given shape. A body that is
// not valid JSON yields the shape's defaults and the unmarshal error so
// the caller can decide whether the failure matters.
func Decode(body []byte, into interface{}) error {
	return json.Unmarshal(body, into)
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
