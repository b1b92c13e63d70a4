package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	pkglog "github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
)

// kafkaRoute is a fanout channel mapped onto Kafka. Channels share one topic
// per {prefix}:{scope}:*:{suffix} family and are told apart by message key:
//
//	"watch:room:ROOM123:events" → topic "watch-room-events", key "ROOM123"
//	"watch:voice:*:events"      → topic "watch-voice-events", every key
type kafkaRoute struct {
	topic string
	key   string // empty for patterns
}

func parseRoute(name string, pattern bool) (kafkaRoute, error) {
	parts := strings.Split(name, ":")
	if len(parts) != 4 || parts[2] == "" {
		return kafkaRoute{}, fmt.Errorf("invalid channel format: %s", name)
	}
	if pattern != (parts[2] == "*") {
		return kafkaRoute{}, fmt.Errorf("unsupported channel for kafka: %s", name)
	}

	route := kafkaRoute{topic: parts[0] + "-" + parts[1] + "-" + strings.ReplaceAll(parts[3], "_", "-")}
	if !pattern {
		route.key = parts[2]
	}
	return route, nil
}

type kafkaSubscription struct {
	consumer *kafka.Consumer
	cancel   context.CancelFunc
	done     chan struct{}
}

// KafkaPubSub implements PubSub on Kafka. Every process reads with a consumer
// group of its own, so each one sees every event like a Redis subscriber.
type KafkaPubSub struct {
	config   KafkaConfig
	nodeID   string
	producer *kafka.Producer
	reports  chan struct{}
	topics   sync.Map // topic → struct{}

	mu   sync.Mutex
	subs map[string]*kafkaSubscription
}

func NewKafkaPubSub(cfg KafkaConfig) (*KafkaPubSub, error) {
	// Fanout events are stale within seconds, so batching stays short.
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         2,
		"compression.type":  "lz4",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	k := &KafkaPubSub{
		config:   cfg,
		nodeID:   uuid.NewString(),
		producer: p,
		reports:  make(chan struct{}),
		subs:     make(map[string]*kafkaSubscription),
	}
	go k.watchDeliveries()
	return k, nil
}

func (k *KafkaPubSub) watchDeliveries() {
	defer close(k.reports)
	l := pkglog.L()
	for e := range k.producer.Events() {
		m, ok := e.(*kafka.Message)
		if !ok || m.TopicPartition.Error == nil {
			continue
		}
		l.Error().Err(m.TopicPartition.Error).
			Str("topic", *m.TopicPartition.Topic).
			Msg("fanout event delivery failed")
	}
}

// createTopic runs at most once per topic and process. Failures are logged:
// brokers with auto-create enabled still accept the first produce.
func (k *KafkaPubSub) createTopic(topic string) {
	if _, seen := k.topics.LoadOrStore(topic, struct{}{}); seen {
		return
	}

	l := pkglog.L().With().Str("topic", topic).Logger()
	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		l.Warn().Err(err).Msg("kafka admin client unavailable")
		return
	}
	defer admin.Close()

	partitions := k.config.Partitions
	if partitions <= 0 {
		partitions = 4
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		l.Warn().Err(err).Msg("failed to create fanout topic")
		return
	}
	for _, r := range results {
		if c := r.Error.Code(); c != kafka.ErrNoError && c != kafka.ErrTopicAlreadyExists {
			l.Warn().Str("error", r.Error.String()).Msg("failed to create fanout topic")
		}
	}
}

func (k *KafkaPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	route, err := parseRoute(channel, false)
	if err != nil {
		return err
	}
	k.createTopic(route.topic)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &route.topic, Partition: kafka.PartitionAny},
		Key:            []byte(route.key),
		Value:          data,
		Headers:        []kafka.Header{{Key: "event_type", Value: []byte(event.Type)}},
	}
	if err := k.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe reads the channel's topic and keeps only its key.
func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	route, err := parseRoute(channel, false)
	if err != nil {
		return nil, err
	}
	return k.subscribe(ctx, channel, route)
}

// SubscribePattern reads every key of the pattern's topic.
func (k *KafkaPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	route, err := parseRoute(pattern, true)
	if err != nil {
		return nil, err
	}
	return k.subscribe(ctx, pattern, route)
}

func (k *KafkaPubSub) subscribe(ctx context.Context, name string, route kafkaRoute) (<-chan *Event, error) {
	k.createTopic(route.topic)

	group := k.config.GroupID
	if group == "" {
		group = "watchparty"
	}
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  k.config.Brokers,
		"group.id":           fmt.Sprintf("%s-%s-%s", group, k.nodeID, groupSafe(name)),
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := c.Subscribe(route.topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", route.topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{consumer: c, cancel: cancel, done: make(chan struct{})}
	events := make(chan *Event, eventBufferSize)

	k.mu.Lock()
	previous := k.subs[name]
	k.subs[name] = sub
	k.mu.Unlock()
	if previous != nil {
		previous.stop()
	}

	go k.consume(subCtx, sub, route.key, events)
	return events, nil
}

// consume forwards decoded events until ctx ends. The consumer is closed by
// this goroutine only, after its last read.
func (k *KafkaPubSub) consume(ctx context.Context, sub *kafkaSubscription, key string, events chan<- *Event) {
	defer close(sub.done)
	defer sub.consumer.Close()
	defer close(events)

	l := pkglog.L()
	for ctx.Err() == nil {
		msg, err := sub.consumer.ReadMessage(200 * time.Millisecond)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			l.Error().Err(err).Msg("fanout consumer error")
			if errors.As(err, &kerr) && kerr.IsFatal() {
				return
			}
			continue
		}
		if key != "" && string(msg.Key) != key {
			continue
		}

		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			l.Warn().Err(err).Str("topic", *msg.TopicPartition.Topic).Msg("dropping malformed fanout event")
			continue
		}
		select {
		case events <- &event:
		default:
			l.Warn().Str("event_type", event.Type).Msg("fanout subscriber full, event dropped")
		}
	}
}

func (s *kafkaSubscription) stop() {
	s.cancel()
	<-s.done
}

func (k *KafkaPubSub) Unsubscribe(ctx context.Context, channel string) error {
	k.mu.Lock()
	sub, ok := k.subs[channel]
	delete(k.subs, channel)
	k.mu.Unlock()

	if ok {
		sub.stop()
	}
	return nil
}

// Close stops every subscription, then flushes and closes the producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	subs := k.subs
	k.subs = make(map[string]*kafkaSubscription)
	k.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}

	if remaining := k.producer.Flush(5000); remaining > 0 {
		l := pkglog.L()
		l.Warn().Int("pending", remaining).Msg("fanout events left unflushed")
	}
	k.producer.Close()
	<-k.reports
	return nil
}

var unsafeGroupChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func groupSafe(s string) string {
	return unsafeGroupChars.ReplaceAllString(s, "-")
}
