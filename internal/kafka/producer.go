package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	Writer MessageWriter
	Logger *logger.Logger
}

// NewProducer returns a producer that routes each message by its own topic.
func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return &Producer{Writer: writer, Logger: log}
}

// Publish writes one keyed message; the key keeps events of one aggregate in order.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.Logger.LogKafka("PUBLISH", topic, fmt.Sprintf("key=%s bytes=%d", key, len(value)))
	return nil
}

// PublishHandler adapts the producer to the outbox event.publish action.
func (p *Producer) PublishHandler() func(ctx context.Context, action *models.PendingAction) error {
	return func(ctx context.Context, action *models.PendingAction) error {
		var payload models.PublishPayload
		if err := json.Unmarshal([]byte(action.Payload), &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("decode publish payload: %w", err))
		}
		if payload.Topic == "" {
			return backoff.Permanent(fmt.Errorf("publish action %s has no topic", action.ID))
		}
		return p.Publish(ctx, payload.Topic, payload.Key, payload.Value)
	}
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
