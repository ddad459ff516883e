// Package config handles agent configuration loading using viper.
package config

import (
	"fmt"
	"time"

	"kestrelvision.io/kestrel/internal/core"
	"kestrelvision.io/kestrel/internal/log"
	"kestrelvision.io/kestrel/internal/media"
)

// Config is the top-level agent configuration, the `kestrel:` root key in
// YAML.
type Config struct {
	Node    NodeConfig    `mapstructure:"node" yaml:"node"`
	Log     *log.Config   `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Catchup CatchupConfig `mapstructure:"catchup" yaml:"catchup"`
	Events  EventsConfig  `mapstructure:"events" yaml:"events"`
	Ingest  PluginConfig  `mapstructure:"ingest" yaml:"ingest"`
	Sinks   SinksConfig   `mapstructure:"sinks" yaml:"sinks"`
}

// ─── Plugins ───

// PluginConfig selects a registered implementation by name and carries its
// raw options; the implementation decodes them itself.
type PluginConfig struct {
	Type    string                 `mapstructure:"type" yaml:"type"`
	Options map[string]interface{} `mapstructure:"options" yaml:"options,omitempty"`
}

// SinksConfig selects the two cloud uplink endpoints.
type SinksConfig struct {
	Realtime PluginConfig `mapstructure:"realtime" yaml:"realtime"`
	Offline  PluginConfig `mapstructure:"offline" yaml:"offline"`
}

// ─── Node identity ───

// NodeConfig identifies this device to the cloud.
type NodeConfig struct {
	DeviceID   string `mapstructure:"device_id" yaml:"device_id"`
	StreamName string `mapstructure:"stream_name" yaml:"stream_name"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Engine ───

// EngineConfig tunes the in-memory video path.
type EngineConfig struct {
	// FragmentMax bounds the number of whole fragments retained in RAM.
	FragmentMax int `mapstructure:"fragment_max" yaml:"fragment_max"`
	// FrameBuffer is the depth of the realtime channel between the in-memory
	// window and the realtime sink drain.
	FrameBuffer int `mapstructure:"frame_buffer" yaml:"frame_buffer"`
	// ShutdownTimeout bounds how long workers may take to observe
	// cancellation.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// TimestampMode is "wall_clock" or "stream_relative".
	TimestampMode string `mapstructure:"timestamp_mode" yaml:"timestamp_mode"`
}

// ─── Storage ───

// StorageConfig bounds the on-disk fragment store.
type StorageConfig struct {
	Dir              string `mapstructure:"dir" yaml:"dir"`
	MaxDiskMB        uint64 `mapstructure:"max_disk_mb" yaml:"max_disk_mb"`
	QueryDeleteBatch int    `mapstructure:"query_delete_batch" yaml:"query_delete_batch"`
}

// MaxDiskBytes converts the configured MB limit to bytes.
func (s StorageConfig) MaxDiskBytes() uint64 {
	return s.MaxDiskMB * 1_000_000
}

// ─── Catchup ───

// CatchupConfig tunes the store-and-forward uplink.
type CatchupConfig struct {
	// MaxInFlight bounds fragments awaiting cloud acknowledgement.
	MaxInFlight int `mapstructure:"max_in_flight" yaml:"max_in_flight"`
	// PollInterval is the idle sleep between store queries.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// InterFrameDelay paces frame pushes into the offline sink.
	InterFrameDelay time.Duration `mapstructure:"inter_frame_delay" yaml:"inter_frame_delay"`
	// NoUpload keeps fragments on disk without pushing them, simulating a
	// disconnected device.
	NoUpload bool `mapstructure:"no_upload" yaml:"no_upload"`
}

// ─── Events ───

// EventsConfig selects where engine lifecycle events are reported.
type EventsConfig struct {
	// Reporter is "console", "kafka" or "none".
	Reporter   string           `mapstructure:"reporter" yaml:"reporter"`
	BufferSize int              `mapstructure:"buffer_size" yaml:"buffer_size"`
	Partitions int              `mapstructure:"partitions" yaml:"partitions"`
	Kafka      EventKafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

// EventKafkaConfig configures the kafka event reporter.
type EventKafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	Compression  string        `mapstructure:"compression" yaml:"compression"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: log.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
			Path:    "/metrics",
		},
		Engine: EngineConfig{
			FragmentMax:     5,
			FrameBuffer:     600,
			ShutdownTimeout: time.Second,
			TimestampMode:   string(media.TimestampWallClock),
		},
		Storage: StorageConfig{
			Dir:              "/var/lib/kestrel/fragments",
			MaxDiskMB:        512,
			QueryDeleteBatch: 3,
		},
		Catchup: CatchupConfig{
			MaxInFlight:     5,
			PollInterval:    100 * time.Millisecond,
			InterFrameDelay: 20 * time.Millisecond,
		},
		Events: EventsConfig{
			Reporter:   "console",
			BufferSize: 256,
			Partitions: 1,
		},
		Ingest: PluginConfig{Type: "synthetic"},
		Sinks: SinksConfig{
			Realtime: PluginConfig{Type: "stub"},
			Offline:  PluginConfig{Type: "stub"},
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.FragmentMax <= 0 {
		return fmt.Errorf("%w: engine.fragment_max must be positive", core.ErrConfigInvalid)
	}
	if c.Engine.FrameBuffer <= 0 {
		return fmt.Errorf("%w: engine.frame_buffer must be positive", core.ErrConfigInvalid)
	}
	if c.Engine.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: engine.shutdown_timeout must be positive", core.ErrConfigInvalid)
	}
	switch media.TimestampMode(c.Engine.TimestampMode) {
	case media.TimestampWallClock, media.TimestampStreamRelative:
	default:
		return fmt.Errorf("%w: engine.timestamp_mode must be wall_clock or stream_relative", core.ErrConfigInvalid)
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("%w: storage.dir is required", core.ErrConfigInvalid)
	}
	if c.Storage.MaxDiskMB == 0 {
		return fmt.Errorf("%w: storage.max_disk_mb must be positive", core.ErrConfigInvalid)
	}
	if c.Storage.QueryDeleteBatch <= 0 {
		return fmt.Errorf("%w: storage.query_delete_batch must be positive", core.ErrConfigInvalid)
	}
	if c.Catchup.MaxInFlight <= 0 {
		return fmt.Errorf("%w: catchup.max_in_flight must be positive", core.ErrConfigInvalid)
	}
	if c.Catchup.PollInterval <= 0 {
		return fmt.Errorf("%w: catchup.poll_interval must be positive", core.ErrConfigInvalid)
	}
	switch c.Events.Reporter {
	case "console", "none":
	case "kafka":
		if len(c.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: events.kafka.brokers is required for the kafka reporter", core.ErrConfigInvalid)
		}
		if c.Events.Kafka.Topic == "" {
			return fmt.Errorf("%w: events.kafka.topic is required for the kafka reporter", core.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: events.reporter must be console, kafka or none", core.ErrConfigInvalid)
	}
	return nil
}
