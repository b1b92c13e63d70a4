package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/config"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
)

// ConfluentProducer publishes room activity to one topic keyed by room ID, so
// each room's events stay ordered on a single partition.
type ConfluentProducer struct {
	producer *kafka.Producer
	topic    string
	reports  chan struct{}
}

func NewConfluentProducer(cfg config.KafkaConfig) (*ConfluentProducer, error) {
	// A stalled broker fails Produce with ErrQueueFull once the local queue
	// holds queue.buffering.max.messages events.
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":            cfg.Brokers,
		"acks":                         "1",
		"linger.ms":                    20,
		"compression.type":             "snappy",
		"queue.buffering.max.messages": 100000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	cp := &ConfluentProducer{
		producer: p,
		topic:    cfg.Topic,
		reports:  make(chan struct{}),
	}
	if err := cp.createTopic(cfg.Partitions); err != nil {
		l := log.L()
		l.Warn().Err(err).Str("topic", cfg.Topic).Msg("activity topic not created, relying on broker auto-create")
	}

	go cp.watchDeliveries()
	return cp, nil
}

func (cp *ConfluentProducer) createTopic(partitions int) error {
	admin, err := kafka.NewAdminClientFromProducer(cp.producer)
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	if partitions <= 0 {
		partitions = 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             cp.topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		return err
	}
	for _, r := range results {
		if c := r.Error.Code(); c != kafka.ErrNoError && c != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", r.Topic, r.Error)
		}
	}
	return nil
}

func (cp *ConfluentProducer) watchDeliveries() {
	defer close(cp.reports)
	l := log.L()
	for e := range cp.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			l.Warn().Err(m.TopicPartition.Error).
				Str("topic", cp.topic).
				Str(log.FieldRoomID, string(m.Key)).
				Msg("activity delivery failed")
		}
	}
}

// ProduceActivity enqueues the event without waiting for the broker.
func (cp *ConfluentProducer) ProduceActivity(ctx context.Context, event *ActivityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal activity event: %w", err)
	}

	err = cp.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &cp.topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.RoomID),
		Value:          value,
		Timestamp:      event.Timestamp,
		Headers:        []kafka.Header{{Key: "event_type", Value: []byte(event.Type)}},
	}, nil)

	var kerr kafka.Error
	if errors.As(err, &kerr) && kerr.Code() == kafka.ErrQueueFull {
		return fmt.Errorf("activity queue full, dropping %s: %w", event.Type, err)
	}
	if err != nil {
		return fmt.Errorf("failed to produce activity event: %w", err)
	}
	return nil
}

func (cp *ConfluentProducer) Close() error {
	if remaining := cp.producer.Flush(5000); remaining > 0 {
		l := log.L()
		l.Warn().Int("pending", remaining).Str("topic", cp.topic).Msg("activity events left unflushed")
	}
	cp.producer.Close()
	<-cp.reports
	return nil
}
