// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transport_test

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/aiqutepets/toycloud/partner/transport"
)

type TransportSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&TransportSuite{})

func (*TransportSuite) TestIntToleratesStrings(c *gc.C) {
	var r transport.StatusResponse
	err := transport.Decode([]byte(`{"result":"1","status":"4","progress":55}`), &r)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r.OK(), jc.IsTrue)
	c.Check(int(r.Status), gc.Equals, 4)
	c.Check(int(r.Progress), gc.Equals, 55)
}

func (*TransportSuite) TestIntDefaultsOnGarbage(c *gc.C) {
	var r transport.StatusResponse
	err := transport.Decode([]byte(`{"result":"yes","status":null}`), &r)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r.OK(), jc.IsFalse)
	c.Check(int(r.Status), gc.Equals, 0)
}

func (*TransportSuite) TestStatusAliases(c *gc.C) {
	var r transport.StatusResponse
	err := transport.Decode([]byte(`{
		"result": 1,
		"current_version": "1.0.0",
		"latestVersion": "1.1.0",
		"update_description": "fixes"
	}`), &r)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r.Current(), gc.Equals, "1.0.0")
	c.Check(r.Target(), gc.Equals, "1.1.0")
	c.Check(r.Description(), gc.Equals, "fixes")
}

func (*TransportSuite) TestStatusAliasPrecedence(c *gc.C) {
	var r transport.StatusResponse
	err := transport.Decode([]byte(`{
		"targetVersion": "2.0.0",
		"latestVersion": "9.9.9"
	}`), &r)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r.Target(), gc.Equals, "2.0.0")
}

func (*TransportSuite) TestFirmwareDefaults(c *gc.C) {
	var r transport.FirmwareResponse
	err := transport.Decode([]byte(`{}`), &r)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r.HasUpdate(), jc.IsFalse)
	c.Check(r.Forced(), jc.IsFalse)
	c.Check(r.LatestAvailable(), gc.Equals, "")
	c.Check(r.Size(), gc.Equals, int64(0))
}

func (*TransportSuite) TestFirmwareHasUpdateNeedsResultOK(c *gc.C) {
	var r transport.FirmwareResponse
	err := transport.Decode([]byte(`{"result":0,"isUpdate":1}`), &r)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r.HasUpdate(), jc.IsFalse)

	r = transport.FirmwareResponse{}
	err = transport.Decode([]byte(`{"result":1,"is_update":"1","file_size":"1572864"}`), &r)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r.HasUpdate(), jc.IsTrue)
	c.Check(r.Size(), gc.Equals, int64(1572864))
}

func (*TransportSuite) TestErrorMessageAliases(c *gc.C) {
	var e transport.Envelope
	err := transport.Decode([]byte(`{"result":0,"msg":"device busy"}`), &e)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(e.ErrorMessage(), gc.Equals, "device busy")

	err = transport.Decode([]byte(`{"result":0,"message":"nope","msg":"other"}`), &e)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(e.ErrorMessage(), gc.Equals, "nope")
}

func (*TransportSuite) TestGrowthStats(c *gc.C) {
	var r transport.GrowthStatsResponse
	err := transport.Decode([]byte(`{
		"status": "success",
		"data": {
			"device_level": 3,
			"current_level_values": {"intimacy_value": 40},
			"next_level_requirements": {"intimacy_value": 100}
		}
	}`), &r)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r.OK(), jc.IsTrue)
	c.Check(int(r.Data.CurrentLevelValues.IntimacyValue), gc.Equals, 40)
	c.Check(int(r.Data.NextLevelRequirements.IntimacyValue), gc.Equals, 100)
}

func (*TransportSuite) TestBadgeList(c *gc.C) {
	var r transport.BadgeListResponse
	err := transport.Decode([]byte(`{
		"status": "success",
		"data": {
			"unlocked_badges": [{"code":"first_chat","is_shown":false}],
			"locked_badges": [{"code":"night_owl","progress":40}]
		}
	}`), &r)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r.Data.UnlockedBadges, gc.HasLen, 1)
	c.Check(r.Data.UnlockedBadges[0].Code, gc.Equals, "first_chat")
	c.Check(int(r.Data.LockedBadges[0].Progress), gc.Equals, 40)
}
