// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package telemetry_test

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/utils/v3"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/aiqutepets/toycloud/telemetry"
)

// longAttempt polls for the worker's asynchronous consumption.
var longAttempt = utils.AttemptStrategy{
	Total: testing.LongWait,
	Delay: 10 * time.Millisecond,
}

type workerSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) newRouter(c *gc.C, cache *fakeCache) *telemetry.Router {
	router, err := telemetry.NewRouter(telemetry.RouterConfig{
		Cache:    cache,
		Actions:  &fakeActions{},
		Unbinder: &fakeUnbinder{},
		Clock:    testclock.NewClock(time.Unix(1700000000, 0)),
	})
	c.Assert(err, jc.ErrorIsNil)
	return router
}

func (s *workerSuite) TestConfigValidation(c *gc.C) {
	_, err := telemetry.NewWorker(telemetry.WorkerConfig{})
	c.Check(err, gc.NotNil)
}

func (s *workerSuite) TestRoutesHubMessages(c *gc.C) {
	cache := newFakeCache()
	hub := pubsub.NewSimpleHub(nil)
	w, err := telemetry.NewWorker(telemetry.WorkerConfig{
		Hub:    hub,
		Router: s.newRouter(c, cache),
	})
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	// The subscription must already be live here: a publish completing
	// with no subscriber silently drops the message.
	done := hub.Publish(telemetry.HubTopic, telemetry.Message{
		Topic:   "up/DEV1",
		Payload: []byte(`{"cmd":"alive"}`),
	})
	select {
	case <-pubsub.Wait(done):
	case <-time.After(testing.LongWait):
		c.Fatalf("publish never completed")
	}

	// The worker consumes asynchronously after the publish completes.
	for a := longAttempt.Start(); a.Next(); {
		if len(cache.aliveDevices()) > 0 {
			break
		}
	}
	c.Check(cache.aliveDevices(), gc.DeepEquals, []string{"DEV1"})
}

func (s *workerSuite) TestCleanShutdown(c *gc.C) {
	hub := pubsub.NewSimpleHub(nil)
	w, err := telemetry.NewWorker(telemetry.WorkerConfig{
		Hub:    hub,
		Router: s.newRouter(c, newFakeCache()),
	})
	c.Assert(err, jc.ErrorIsNil)
	workertest.CleanKill(c, w)
}
