// Package report forwards engine events from the bus to an operator-facing
// backend.
package report

import (
	"fmt"

	"kestrelvision.io/kestrel/internal/config"
	"kestrelvision.io/kestrel/internal/eventbus"
)

// Reporter consumes engine events.
type Reporter interface {
	Handle(event *eventbus.Event) error
	Close() error
}

// engineTopics is every topic the engine publishes.
var engineTopics = []string{
	eventbus.TopicFragmentAssembled,
	eventbus.TopicFragmentPersisted,
	eventbus.TopicFragmentEvicted,
	eventbus.TopicFragmentAcked,
	eventbus.TopicSinkDisconnected,
}

// Setup builds the configured reporter and subscribes it to the bus.
// Returns nil when reporting is disabled.
func Setup(bus eventbus.EventBus, cfg config.EventsConfig) (Reporter, error) {
	var (
		reporter Reporter
		err      error
	)
	switch cfg.Reporter {
	case "none", "":
		return nil, nil
	case "console":
		reporter = NewConsoleReporter()
	case "kafka":
		reporter, err = NewKafkaReporter(cfg.Kafka)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown event reporter %q", cfg.Reporter)
	}

	for _, topic := range engineTopics {
		bus.Subscribe(topic, reporter.Handle)
	}
	return reporter, nil
}
