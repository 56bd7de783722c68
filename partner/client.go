// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package partner implements the signed HTTP protocol used to talk to
// the toy vendor's device management service. The service does not use
// bearer tokens: every request carries a millisecond timestamp and an
// MD5 signature over its parameters (see the signature package), and
// some responses arrive AES/ECB encrypted under a fixed key.
package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/aiqutepets/toycloud/partner/signature"
	"github.com/aiqutepets/toycloud/partner/transport"
)

var logger = loggo.GetLogger("toycloud.partner")

// encryptionHeader flags an encrypted response body explicitly. Bodies
// that fail to parse as JSON are treated as encrypted too, so a missing
// header never masks an encrypted reply.
const encryptionHeader = "X-Encryption"

// Paths holds the partner endpoint paths. Some contain {uid} style
// placeholders expanded per call.
type Paths struct {
	OtaStatus      string
	UpdateStatus   string
	TriggerUpgrade string
	LatestFirmware string
	FirmwareCheck  string
	GrowthStats    string
	Mood           string
	DiaryDates     string
	DiaryDetail    string
	BadgeList      string
	BadgeMarkShown string
}

// DefaultPaths returns the paths the production partner deployment uses.
func DefaultPaths() Paths {
	return Paths{
		OtaStatus:      "/devicemgr/device/CGI!checkOtaStatus.action",
		UpdateStatus:   "/devicemgr/app/CGI!getDeviceUpdateStatus.action",
		TriggerUpgrade: "/devicemgr/app/CGI!setDeviceUpdate.action",
		LatestFirmware: "/devicemgr/app/CGI!getDeviceSoft.action",
		FirmwareCheck:  "/devicemgr/app/CGI!getDeviceSoft.action",
		GrowthStats:    "/api/devices/{uid}/stats/growth",
		Mood:           "/api/devices/{uid}/mood/today",
		DiaryDates:     "/api/devices/{uid}/diary/dates",
		DiaryDetail:    "/api/devices/{uid}/diary/{date}",
		BadgeList:      "/api/devices/{uid}/stats/badges",
		BadgeMarkShown: "/api/devices/{uid}/badges/{badge}/mark-shown",
	}
}

// Config holds everything a Client needs.
type Config struct {
	// BaseURL is the partner service root, e.g.
	// "https://toy.visiondigit.cn".
	BaseURL string

	// Paths are the endpoint paths under BaseURL.
	Paths Paths

	// SignSecret is the global signing secret used for OTA endpoints.
	// Per-device endpoints sign with the device's own secret instead.
	SignSecret string

	// Timeout bounds each call. Defaults to 10 seconds.
	Timeout time.Duration

	// Transport performs the HTTP requests. Defaults to the logging
	// transport.
	Transport Transport

	// Clock supplies request timestamps.
	Clock clock.Clock

	// Tokens optionally supplies a portal access token added to the
	// app-facing diary/badge endpoints.
	Tokens *Tokens
}

// Validate returns an error if the config cannot drive a Client.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.NotValidf("empty BaseURL")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return errors.NotValidf("BaseURL %q", c.BaseURL)
	}
	return nil
}

// Client performs authenticated calls to the partner service and
// normalises its responses.
type Client struct {
	cfg       Config
	requester *APIRequester
}

// NewClient returns a Client backed by config.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Transport == nil {
		cfg.Transport = DefaultHTTPTransport(logger)
	}
	return &Client{
		cfg:       cfg,
		requester: NewAPIRequester(cfg.Transport, logger),
	}, nil
}

// OTAStatus fetches the app-facing OTA upgrade status for a device,
// signed with the device secret. Decode failures yield the zero
// response; only transport failures are reported.
func (c *Client) OTAStatus(ctx context.Context, uid, secret string) (transport.StatusResponse, error) {
	var resp transport.StatusResponse
	body, err := c.get(ctx, c.cfg.Paths.UpdateStatus, map[string]string{"uid": uid}, secret)
	if err != nil {
		return resp, errors.Trace(err)
	}
	c.decode(body, &resp, "ota status")
	resp.Raw = string(body)
	return resp, nil
}

// LatestFirmware fetches the newest firmware metadata for a device.
// currentVersion and deviceType are optional comparison hints for the
// partner.
func (c *Client) LatestFirmware(ctx context.Context, uid, secret, currentVersion, deviceType string) (transport.FirmwareResponse, error) {
	var resp transport.FirmwareResponse
	params := map[string]string{"uid": uid}
	if currentVersion != "" {
		params["version"] = currentVersion
	}
	if deviceType != "" {
		params["deviceType"] = deviceType
	}
	body, err := c.get(ctx, c.cfg.Paths.LatestFirmware, params, secret)
	if err != nil {
		return resp, errors.Trace(err)
	}
	c.decode(body, &resp, "latest firmware")
	resp.Raw = string(body)
	return resp, nil
}

// FirmwareCheck performs the lightweight device-facing new-version
// check, signed with the global secret.
func (c *Client) FirmwareCheck(ctx context.Context, uid string) (transport.CheckResponse, error) {
	var resp transport.CheckResponse
	if c.cfg.SignSecret == "" {
		return resp, ErrMissingSecret
	}
	body, err := c.get(ctx, c.cfg.Paths.OtaStatus, map[string]string{"uid": uid}, c.cfg.SignSecret)
	if err != nil {
		return resp, errors.Trace(err)
	}
	c.decode(body, &resp, "firmware check")
	return resp, nil
}

// TriggerUpgrade asks the partner to start a firmware upgrade. Unlike
// the check calls this surfaces every failure: a rejected or undelivered
// trigger must reach the user, not degrade silently. The raw partner
// reply is returned for auditing in both outcomes.
func (c *Client) TriggerUpgrade(ctx context.Context, uid string) (string, error) {
	if c.cfg.SignSecret == "" {
		return "", ErrMissingSecret
	}
	body, err := c.get(ctx, c.cfg.Paths.TriggerUpgrade, map[string]string{"uid": uid}, c.cfg.SignSecret)
	if err != nil {
		return "", errors.Trace(err)
	}
	var env transport.Envelope
	if err := transport.Decode(body, &env); err != nil {
		return string(body), errors.Annotatef(err, "undecodable upgrade reply %q", body)
	}
	if !env.OK() {
		msg := env.ErrorMessage()
		if msg == "" {
			msg = "upgrade command not accepted"
		}
		return string(body), &RejectedError{Code: int(env.Result), Message: msg}
	}
	return string(body), nil
}

// GrowthStats fetches the device's growth/intimacy statistics.
func (c *Client) GrowthStats(ctx context.Context, uid, secret string) (transport.GrowthStatsResponse, error) {
	var resp transport.GrowthStatsResponse
	body, err := c.get(ctx, expandPath(c.cfg.Paths.GrowthStats, "uid", uid), nil, secret)
	if err != nil {
		return resp, errors.Trace(err)
	}
	c.decode(body, &resp, "growth stats")
	return resp, nil
}

// IntimacyPercentage derives the 0-100 progress towards the next level
// from a stats response.
func IntimacyPercentage(stats transport.GrowthStatsResponse) int {
	current := int(stats.Data.CurrentLevelValues.IntimacyValue)
	next := int(stats.Data.NextLevelRequirements.IntimacyValue)
	if next == 0 {
		return 0
	}
	pct := current * 100 / next
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// defaultMoodContent is shown when the mood endpoint fails or returns
// nothing useful.
const defaultMoodContent = "Feeling bright and chatty today - come talk to me!"

// TodayMood returns the device's generated mood text, falling back to a
// friendly default on any failure.
func (c *Client) TodayMood(ctx context.Context, uid, secret string) string {
	body, err := c.get(ctx, expandPath(c.cfg.Paths.Mood, "uid", uid), nil, secret)
	if err != nil {
		logger.Warningf("today's mood for %q unavailable: %v", uid, err)
		return defaultMoodContent
	}
	var resp transport.MoodResponse
	c.decode(body, &resp, "mood")
	if resp.Status == "success" && resp.Data.MoodContent != "" {
		return resp.Data.MoodContent
	}
	return defaultMoodContent
}

// DiaryDates lists which days in the range have a generated diary.
func (c *Client) DiaryDates(ctx context.Context, uid, secret, startDate, endDate string) ([]transport.DiaryDate, error) {
	params := map[string]string{
		"start_date": startDate,
		"end_date":   endDate,
	}
	if err := c.addToken(ctx, params); err != nil {
		return nil, errors.Trace(err)
	}
	body, err := c.get(ctx, expandPath(c.cfg.Paths.DiaryDates, "uid", uid), params, secret)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// Some deployments return the array bare rather than wrapped.
	var wrapped transport.DiaryDatesResponse
	if err := transport.Decode(body, &wrapped); err == nil && wrapped.Data != nil {
		return wrapped.Data, nil
	}
	var bare []transport.DiaryDate
	if err := transport.Decode(body, &bare); err == nil {
		return bare, nil
	}
	logger.Warningf("diary dates for %q: unexpected body %q", uid, body)
	return nil, nil
}

// DiaryDetail fetches one day's diary.
func (c *Client) DiaryDetail(ctx context.Context, uid, secret, date string) (transport.DiaryDetail, error) {
	params := map[string]string{}
	if err := c.addToken(ctx, params); err != nil {
		return transport.DiaryDetail{}, errors.Trace(err)
	}
	path := expandPath(expandPath(c.cfg.Paths.DiaryDetail, "uid", uid), "date", date)
	body, err := c.get(ctx, path, params, secret)
	if err != nil {
		return transport.DiaryDetail{}, errors.Trace(err)
	}
	var resp transport.DiaryDetailResponse
	c.decode(body, &resp, "diary detail")
	if resp.Data.DiaryDate != "" || resp.Data.DiaryContent != "" {
		return resp.Data, nil
	}
	// No "data" wrapper; the detail may be the whole body.
	var bare transport.DiaryDetail
	c.decode(body, &bare, "diary detail")
	return bare, nil
}

// BadgeList fetches the unlocked and locked badge collections.
func (c *Client) BadgeList(ctx context.Context, uid, secret string) (transport.BadgeListResponse, error) {
	var resp transport.BadgeListResponse
	params := map[string]string{"status": "all"}
	if err := c.addToken(ctx, params); err != nil {
		return resp, errors.Trace(err)
	}
	body, err := c.get(ctx, expandPath(c.cfg.Paths.BadgeList, "uid", uid), params, secret)
	if err != nil {
		return resp, errors.Trace(err)
	}
	c.decode(body, &resp, "badge list")
	return resp, nil
}

// MarkBadgeShown records that a badge unlock was surfaced to the user.
func (c *Client) MarkBadgeShown(ctx context.Context, uid, secret, badgeCode string) (bool, error) {
	params := map[string]string{}
	if err := c.addToken(ctx, params); err != nil {
		return false, errors.Trace(err)
	}
	path := expandPath(expandPath(c.cfg.Paths.BadgeMarkShown, "uid", uid), "badge", badgeCode)
	body, err := c.post(ctx, path, params, secret)
	if err != nil {
		return false, errors.Trace(err)
	}
	var resp transport.MarkShownResponse
	c.decode(body, &resp, "mark badge shown")
	return resp.OK(), nil
}

// get issues a signed GET. The timestamp and signature are appended to
// every parameter set; the response body is decrypted if needed.
func (c *Client) get(ctx context.Context, path string, params map[string]string, secret string) ([]byte, error) {
	signed := c.signedParams(params, secret)

	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	query := url.Values{}
	for k, v := range signed {
		query.Set(k, v)
	}
	u.RawQuery = query.Encode()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set("Accept", "application/json")
	return c.send(req)
}

// post issues a signed POST with the parameters as a JSON body.
func (c *Client) post(ctx context.Context, path string, params map[string]string, secret string) ([]byte, error) {
	signed := c.signedParams(params, secret)
	body, err := json.Marshal(signed)
	if err != nil {
		return nil, errors.Trace(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST",
		strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	return c.send(req)
}

func (c *Client) signedParams(params map[string]string, secret string) map[string]string {
	signed := make(map[string]string, len(params)+2)
	for k, v := range params {
		signed[k] = v
	}
	signed["timestamp"] = strconv.FormatInt(c.cfg.Clock.Now().UnixMilli(), 10)
	signed[signature.Key] = signature.Sign(signed, secret, signature.Ampersand)
	return signed
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.requester.Do(req)
	if err != nil {
		return nil, errors.WithType(errors.Annotatef(err, "calling %s", req.URL.Path), ErrUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithType(errors.Annotate(err, "reading partner response"), ErrUnavailable)
	}
	return c.maybeDecrypt(resp, body), nil
}

// maybeDecrypt applies the dual encryption trigger: an explicit header,
// or a body that is not well-formed JSON. A malformed-but-unencrypted
// body is indistinguishable from an encrypted one, so decrypt failure
// falls back to the raw bytes rather than erroring.
func (c *Client) maybeDecrypt(resp *http.Response, body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	encrypted := strings.EqualFold(resp.Header.Get(encryptionHeader), "true")
	if !encrypted && !json.Valid(body) {
		encrypted = true
	}
	if !encrypted {
		return body
	}
	plain, err := decryptBody(bytes.TrimSpace(body))
	if err != nil {
		logger.Warningf("could not decrypt partner response, using raw body: %v", err)
		return body
	}
	return plain
}

// decode unmarshals into a defaults-tolerant shape. Failures are logged
// with the raw body for diagnosis; the shape keeps its defaults.
func (c *Client) decode(body []byte, into interface{}, what string) {
	if err := transport.Decode(body, into); err != nil {
		logger.Warningf("undecodable %s response %q: %v", what, body, err)
	}
}

func (c *Client) addToken(ctx context.Context, params map[string]string) error {
	if c.cfg.Tokens == nil {
		return nil
	}
	token, err := c.cfg.Tokens.Get(ctx)
	if err != nil {
		return errors.Annotate(err, "portal access token")
	}
	params["access_token"] = token
	return nil
}

func expandPath(tpl, key, value string) string {
	return strings.ReplaceAll(tpl, "{"+key+"}", url.PathEscape(value))
}
