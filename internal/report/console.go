package report

import (
	"kestrelvision.io/kestrel/internal/eventbus"
	"kestrelvision.io/kestrel/internal/log"
)

// ConsoleReporter writes engine events to the process log.
type ConsoleReporter struct{}

func NewConsoleReporter() *ConsoleReporter {
	return &ConsoleReporter{}
}

func (r *ConsoleReporter) Handle(event *eventbus.Event) error {
	log.GetLogger().
		WithField("topic", event.Topic).
		WithField("key", event.Key).
		WithField("payload", event.Payload).
		Info("engine event")
	return nil
}

func (r *ConsoleReporter) Close() error {
	return nil
}
