package redisbroker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DLQStream receives events that exhausted their publish attempts, as an
// operator signal; the outbox row itself is retained for replay.
const DLQStream = "payrun:dlq"

// StreamPublisher appends outbox events to Redis Streams, one stream per
// topic. The event key rides along as a field so downstream consumer
// groups can partition on it.
type StreamPublisher struct {
	client *redis.Client
}

func NewStreamPublisher(client *redis.Client) *StreamPublisher {
	return &StreamPublisher{client: client}
}

// StreamForTopic maps a dotted topic name to a stream key.
func StreamForTopic(topic string) string {
	return "payrun:" + strings.ReplaceAll(topic, ".", ":")
}

// Publish appends one event to the topic's stream.
func (p *StreamPublisher) Publish(ctx context.Context, topic, eventKey, eventType string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: StreamForTopic(topic),
		Values: map[string]any{
			"event_key":  eventKey,
			"event_type": eventType,
			"payload":    string(payload),
			"timestamp":  time.Now().Unix(),
		},
	}

	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("publish to stream %s: %w", StreamForTopic(topic), err)
	}
	return nil
}

// PublishDeadLetter copies an undeliverable event to the DLQ stream.
func (p *StreamPublisher) PublishDeadLetter(ctx context.Context, outboxID, topic, reason string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: DLQStream,
		Values: map[string]any{
			"outbox_id": outboxID,
			"topic":     topic,
			"reason":    reason,
			"payload":   string(payload),
			"timestamp": time.Now().Unix(),
		},
	}

	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("publish to DLQ: %w", err)
	}
	return nil
}
