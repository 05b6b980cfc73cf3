package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaConfig holds the connection settings shared by the producer and
// consumer sides.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Kafka is the producer side of the Kafka backend.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafka connects a synchronous producer.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer: %w", err)
	}
	return &Kafka{producer: p, topic: cfg.Topic}, nil
}

func (k *Kafka) Dispatch(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(msg.BatchID),
		Value: sarama.ByteEncoder(data),
	})
	return err
}

func (k *Kafka) Close() error {
	return k.producer.Close()
}

// KafkaSource is the consumer-group side of the Kafka backend.
type KafkaSource struct {
	group sarama.ConsumerGroup
	topic string
}

// NewKafkaSource joins the consumer group.
func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRoundRobin(),
	}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("join kafka consumer group: %w", err)
	}
	return &KafkaSource{group: group, topic: cfg.Topic}, nil
}

// Consume delivers messages to handler until ctx is cancelled. Rebalances
// return from the inner consume call, so it loops.
func (s *KafkaSource) Consume(ctx context.Context, handler Handler) error {
	h := &groupHandler{handler: handler}
	for {
		if err := s.group.Consume(ctx, []string{s.topic}, h); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *KafkaSource) Close() error {
	return s.group.Close()
}

type groupHandler struct {
	handler Handler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var m Message
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			session.MarkMessage(msg, "")
			continue
		}
		_ = h.handler(session.Context(), m)
		session.MarkMessage(msg, "")
	}
	return nil
}
