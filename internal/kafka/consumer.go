package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-fulfillment/internal/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageHandler returns an error to have the message retried, or backoff.Permanent(err)
// to skip it.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

type Consumer struct {
	Reader     MessageReader
	Logger     *logger.Logger
	RetryDelay time.Duration
}

// NewConsumer creates a consumer-group reader for one topic.
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{Reader: reader, Logger: log, RetryDelay: 2 * time.Second}
}

// Start consumes until ctx is cancelled. Offsets are committed only after the handler
// succeeds, so delivery is at least once and handlers must be idempotent.
func (c *Consumer) Start(ctx context.Context, handler MessageHandler) error {
	c.Logger.LogKafka("CONSUME", "", "consumer started")
	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.Logger.Error("KAFKA", fmt.Sprintf("fetch failed: %v", err))
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}

		for {
			err := handler(ctx, msg)
			if err == nil {
				break
			}
			var permanent *backoff.PermanentError
			if errors.As(err, &permanent) {
				c.Logger.Warn("KAFKA", fmt.Sprintf("skipping %s@%d/%d: %v", msg.Topic, msg.Partition, msg.Offset, err))
				break
			}
			c.Logger.Error("KAFKA", fmt.Sprintf("handler failed for %s@%d/%d: %v", msg.Topic, msg.Partition, msg.Offset, err))
			if !c.sleep(ctx) {
				return nil
			}
		}

		if err := c.Reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.Logger.Error("KAFKA", fmt.Sprintf("commit failed for %s@%d/%d: %v", msg.Topic, msg.Partition, msg.Offset, err))
		}
	}
}

func (c *Consumer) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.RetryDelay):
		return true
	}
}

func (c *Consumer) Close() error {
	return c.Reader.Close()
}
