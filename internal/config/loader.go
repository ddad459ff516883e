package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "KESTREL"

// Load reads, merges and validates the configuration at path. Defaults are
// applied first, then the file, then KESTREL_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	dir := filepath.Dir(path)
	filename := filepath.Base(path)
	fileExt := filepath.Ext(filename)

	v.SetConfigName(strings.TrimSuffix(filename, fileExt))
	v.SetConfigType(strings.TrimPrefix(fileExt, "."))
	v.AddConfigPath(dir)

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	// Viper's default decoder already handles "100ms"-style durations.
	if err := v.UnmarshalKey("kestrel", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills sections that Unmarshal left zero-valued.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Log == nil {
		cfg.Log = def.Log
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = def.Metrics.Listen
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = def.Metrics.Path
	}
	if cfg.Engine.TimestampMode == "" {
		cfg.Engine.TimestampMode = def.Engine.TimestampMode
	}
	if cfg.Events.Reporter == "" {
		cfg.Events.Reporter = def.Events.Reporter
	}
	if cfg.Events.BufferSize <= 0 {
		cfg.Events.BufferSize = def.Events.BufferSize
	}
	if cfg.Events.Partitions <= 0 {
		cfg.Events.Partitions = def.Events.Partitions
	}
	if cfg.Ingest.Type == "" {
		cfg.Ingest.Type = def.Ingest.Type
	}
	if cfg.Sinks.Realtime.Type == "" {
		cfg.Sinks.Realtime.Type = def.Sinks.Realtime.Type
	}
	if cfg.Sinks.Offline.Type == "" {
		cfg.Sinks.Offline.Type = def.Sinks.Offline.Type
	}
}
