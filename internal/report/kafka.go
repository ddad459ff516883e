package report

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"kestrelvision.io/kestrel/internal/config"
	"kestrelvision.io/kestrel/internal/eventbus"
	"kestrelvision.io/kestrel/internal/log"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
	writeTimeout        = 5 * time.Second
)

// KafkaReporter publishes engine events to a Kafka topic, batched and
// compressed. Event keys keep per-fragment ordering within a partition.
type KafkaReporter struct {
	writer *kafka.Writer

	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
}

func NewKafkaReporter(cfg config.EventKafkaConfig) (*KafkaReporter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka reporter requires brokers")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka reporter requires a topic")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	if cfg.Compression == "" {
		cfg.Compression = defaultCompression
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	writerConfig := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		Async:        true,
	}
	switch cfg.Compression {
	case "none":
		writerConfig.CompressionCodec = nil
	case "gzip":
		writerConfig.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		writerConfig.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		writerConfig.CompressionCodec = compress.Lz4.Codec()
	default:
		return nil, fmt.Errorf("invalid kafka compression type: %s", cfg.Compression)
	}

	return &KafkaReporter{writer: kafka.NewWriter(writerConfig)}, nil
}

func (r *KafkaReporter) Handle(event *eventbus.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err = r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
	})
	if err != nil {
		r.errorCount.Add(1)
		log.GetLogger().WithError(err).WithField("topic", event.Topic).
			Warn("failed to publish event to kafka")
		return err
	}
	r.reportedCount.Add(1)
	return nil
}

// Counts returns (reported, errored) totals.
func (r *KafkaReporter) Counts() (uint64, uint64) {
	return r.reportedCount.Load(), r.errorCount.Load()
}

func (r *KafkaReporter) Close() error {
	return r.writer.Close()
}
