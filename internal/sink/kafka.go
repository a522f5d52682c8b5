package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/agsys/rigpanel/internal/notice"
)

// KafkaConfig configures the Kafka sink
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes notices keyed by kind, so every kind stays ordered
// within its partition
type Kafka struct {
	writer kafkaMessageWriter
}

// NewKafka creates a hash-balanced writer for the configured topic
func NewKafka(config KafkaConfig) (*Kafka, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if config.Topic == "" {
		return nil, errors.New("kafka: topic required")
	}
	return &Kafka{writer: &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}, nil
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Publish(ctx context.Context, n notice.Notice) error {
	value, err := n.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.Kind),
		Value: value,
		Time:  n.Timestamp,
	})
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
