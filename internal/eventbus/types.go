// Package eventbus provides the partitioned in-memory bus carrying engine
// lifecycle events to the configured reporters.
package eventbus

import (
	"context"
)

// Topics published by the engine.
const (
	TopicFragmentAssembled = "fragment.assembled"
	TopicFragmentPersisted = "fragment.persisted"
	TopicFragmentEvicted   = "fragment.evicted"
	TopicFragmentAcked     = "fragment.acked"
	TopicSinkDisconnected  = "sink.disconnected"
)

// Event is one engine notification. Key selects the partition so events for
// the same fragment stay ordered.
type Event struct {
	Topic   string      `json:"topic"`
	Key     string      `json:"key"`
	Payload interface{} `json:"payload"`
}

// Handler processes one event.
type Handler func(event *Event) error

// partition is a single ordered consumer lane.
type partition struct {
	id      int
	queue   chan *Event
	ctx     context.Context
	cancel  context.CancelFunc
	handler Handler
}
