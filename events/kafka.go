package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dnldd/sentinel/shared"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig represents the kafka event sink configuration.
type KafkaConfig struct {
	// Brokers are the kafka broker addresses.
	Brokers []string `yaml:"brokers"`
	// Topic is the topic events are published to.
	Topic string `yaml:"topic" default:"sentinel.events"`
	// Compression is the message compression codec.
	Compression string `yaml:"compression" default:"gzip"`
	// BatchTimeout bounds how long messages are buffered before a write.
	BatchTimeout time.Duration `yaml:"batch_timeout" default:"1s"`
	// WriteTimeout bounds a single write.
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
}

// Validate asserts the config sane inputs.
func (cfg *KafkaConfig) Validate() error {
	var errs error
	if len(cfg.Brokers) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no kafka brokers provided"))
	}
	if cfg.Topic == "" {
		errs = errors.Join(errs, fmt.Errorf("no kafka topic provided"))
	}
	return errs
}

// KafkaSink publishes events as json messages keyed by category.
type KafkaSink struct {
	writer *kafka.Writer
}

// Ensure the kafka sink implements the Sink interface.
var _ Sink = (*KafkaSink)(nil)

// parseCompression returns the kafka codec of the provided name.
func parseCompression(s string) kafka.Compression {
	switch s {
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Gzip
	}
}

// NewKafkaSink initializes a new kafka event sink.
func NewKafkaSink(cfg *KafkaConfig) (*KafkaSink, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating kafka config: %w", err)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Compression:            parseCompression(cfg.Compression),
		MaxAttempts:            shared.DefaultRetryAttempts,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}

	return &KafkaSink{writer: writer}, nil
}

// encodeMessage converts the provided event into a kafka message.
func encodeMessage(event shared.Event) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encoding %s event: %w", event.Category, err)
	}

	return kafka.Message{
		Key:   []byte(event.Category),
		Value: value,
		Time:  event.Time,
	}, nil
}

// Name identifies the sink.
func (s *KafkaSink) Name() string {
	return "kafka"
}

// Publish delivers the provided event.
func (s *KafkaSink) Publish(ctx context.Context, event shared.Event) error {
	msg, err := encodeMessage(event)
	if err != nil {
		return err
	}

	return s.writer.WriteMessages(ctx, msg)
}

// Close flushes pending messages and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
