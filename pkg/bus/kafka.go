package bus

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/kaamlink/chat-service/pkg/event"
)

// KafkaPublisher writes envelopes keyed by conversation id, so all facts
// for one conversation land on one partition and stay in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, env event.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(env.ConversationID, 10)),
		Value: data,
		Time:  time.Now(),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaSubscriber reads envelopes as part of a consumer group. Gateways
// use FanoutGroup so each instance sees every event; the notifier uses a
// fixed group so exactly one instance handles each event.
type KafkaSubscriber struct {
	reader *kafka.Reader
	logger *slog.Logger
}

func NewKafkaSubscriber(brokers []string, topic, groupID string, logger *slog.Logger) *KafkaSubscriber {
	return &KafkaSubscriber{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     groupID,
			StartOffset: kafka.LastOffset,
			MinBytes:    10e3, // 10KB
			MaxBytes:    10e6, // 10MB
		}),
		logger: logger,
	}
}

// FanoutGroup returns a consumer group id no other instance shares, which
// turns group consumption into a broadcast.
func FanoutGroup(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func (s *KafkaSubscriber) Subscribe(ctx context.Context, handler func(event.Envelope)) error {
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.logger.Error("bus read failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		env, err := event.Decode(m.Value)
		if err != nil {
			s.logger.Error("dropping undecodable envelope", "error", err)
			continue
		}
		handler(env)
	}
}

func (s *KafkaSubscriber) Close() error {
	return s.reader.Close()
}
