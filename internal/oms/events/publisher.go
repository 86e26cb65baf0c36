package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher mirrors applied commands and events onto an external firehose.
// The durable event log in the store remains the source of truth; the
// firehose is a best-effort feed for downstream consumers (dashboards,
// alerting, analytics).
type Publisher interface {
	Publish(ctx context.Context, key string, record interface{}) error
	Close() error
}

// NopPublisher discards everything. Used when the firehose is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, interface{}) error { return nil }
func (NopPublisher) Close() error                                       { return nil }

// KafkaPublisherConfig configures the Kafka firehose writer.
type KafkaPublisherConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	BatchTimeout time.Duration
}

// DefaultKafkaPublisherConfig returns defaults tuned for a low-volume
// order-event stream.
func DefaultKafkaPublisherConfig() KafkaPublisherConfig {
	return KafkaPublisherConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "oms.events",
		WriteTimeout: 1 * time.Second,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// KafkaPublisher publishes JSON-encoded records to a Kafka topic.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher over the given brokers and topic.
func NewKafkaPublisher(cfg KafkaPublisherConfig, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

// Publish writes one record keyed so events for the same order land on the
// same partition.
func (p *KafkaPublisher) Publish(ctx context.Context, key string, record interface{}) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal firehose record: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}); err != nil {
		p.logger.Warn("firehose publish failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
