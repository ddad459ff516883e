package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrelvision.io/kestrel/internal/config"
	"kestrelvision.io/kestrel/internal/eventbus"
)

func TestSetupNone(t *testing.T) {
	bus := eventbus.NewInMemoryEventBus(1, 4)
	defer bus.Close()

	reporter, err := Setup(bus, config.EventsConfig{Reporter: "none"})
	require.NoError(t, err)
	assert.Nil(t, reporter)
}

func TestSetupUnknown(t *testing.T) {
	bus := eventbus.NewInMemoryEventBus(1, 4)
	defer bus.Close()

	_, err := Setup(bus, config.EventsConfig{Reporter: "smoke-signals"})
	assert.Error(t, err)
}

func TestConsoleReporterReceivesEngineEvents(t *testing.T) {
	bus := eventbus.NewInMemoryEventBus(1, 16)
	defer bus.Close()

	reporter, err := Setup(bus, config.EventsConfig{Reporter: "console"})
	require.NoError(t, err)
	require.NotNil(t, reporter)
	defer reporter.Close()

	require.NoError(t, bus.Publish(&eventbus.Event{
		Topic:   eventbus.TopicFragmentPersisted,
		Key:     "100",
		Payload: map[string]uint64{"ts_ns": 100},
	}))

	require.Eventually(t, func() bool {
		return bus.Stats().ProcessedCount == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestKafkaReporterConfigValidation(t *testing.T) {
	_, err := NewKafkaReporter(config.EventKafkaConfig{})
	assert.Error(t, err)

	_, err = NewKafkaReporter(config.EventKafkaConfig{Brokers: []string{"k:9092"}})
	assert.Error(t, err)

	_, err = NewKafkaReporter(config.EventKafkaConfig{
		Brokers:     []string{"k:9092"},
		Topic:       "kestrel.events",
		Compression: "morse",
	})
	assert.Error(t, err)

	r, err := NewKafkaReporter(config.EventKafkaConfig{
		Brokers: []string{"k:9092"},
		Topic:   "kestrel.events",
	})
	require.NoError(t, err)
	require.NoError(t, r.Close())
}
