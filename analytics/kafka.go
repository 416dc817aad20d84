package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaConfig configures the Kafka recorder.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

// KafkaRecorder publishes one message per link, keyed by link id so
// updates to the same link stay ordered within a partition.
type KafkaRecorder struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaProducer creates a SyncProducer that waits for all in-sync replicas.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return producer, nil
}

// NewKafkaRecorder creates a KafkaRecorder on an existing producer.
func NewKafkaRecorder(producer sarama.SyncProducer, topic string) *KafkaRecorder {
	if topic == "" {
		topic = "links_metadata"
	}
	return &KafkaRecorder{producer: producer, topic: topic}
}

func (r *KafkaRecorder) RecordLinks(_ context.Context, links []LinkRecord) error {
	if len(links) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(links))
	for _, l := range links {
		val, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("kafka: encode %s: %w", l.LinkID, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: r.topic,
			Key:   sarama.StringEncoder(l.LinkID),
			Value: sarama.ByteEncoder(val),
		})
	}
	if err := r.producer.SendMessages(msgs); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) {
			return fmt.Errorf("kafka: %d of %d link records failed: %w", len(perrs), len(msgs), err)
		}
		return fmt.Errorf("kafka: send to %q: %w", r.topic, err)
	}
	return nil
}

// Close closes the underlying producer.
func (r *KafkaRecorder) Close() error {
	return r.producer.Close()
}

var (
	_ Recorder = (*KafkaRecorder)(nil)
	_ Recorder = (*TinybirdRecorder)(nil)
	_ Recorder = NopRecorder{}
)
