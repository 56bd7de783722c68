// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package telemetry

import (
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"
)

// HubTopic is the in-process pubsub topic broker messages are
// republished on for ingestion.
const HubTopic = "telemetry.message"

// Message is the hub payload: one raw broker message.
type Message struct {
	Topic   string
	Payload []byte
}

// WorkerConfig holds what the ingestion worker needs.
type WorkerConfig struct {
	Hub    *pubsub.SimpleHub
	Router *Router
}

// Validate returns an error if the config cannot drive a Worker.
func (c WorkerConfig) Validate() error {
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if c.Router == nil {
		return errors.NotValidf("nil Router")
	}
	return nil
}

// Worker drains republished broker messages off the hub and feeds them
// through the router, one at a time. The buffer absorbs publish bursts;
// when it overflows the newest message is dropped with a warning, since
// telemetry is refreshed continuously by the devices anyway.
type Worker struct {
	catacomb    catacomb.Catacomb
	config      WorkerConfig
	messages    chan Message
	unsubscribe func()
}

// NewWorker starts the ingestion worker. The hub subscription is live
// before NewWorker returns; a publish completing with no subscriber
// would drop the message.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config:   config,
		messages: make(chan Message, 64),
	}
	w.unsubscribe = config.Hub.Subscribe(HubTopic, w.onMessage)
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		w.unsubscribe()
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	defer w.unsubscribe()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case msg := <-w.messages:
			w.config.Router.Handle(msg.Topic, msg.Payload)
		}
	}
}

func (w *Worker) onMessage(topic string, data interface{}) {
	msg, ok := data.(Message)
	if !ok {
		logger.Criticalf("programming error: topic data expected telemetry.Message, got %T", data)
		return
	}
	select {
	case w.messages <- msg:
	default:
		logger.Warningf("ingestion backlog full, dropping message on %q", msg.Topic)
	}
}
