package notify

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
)

// RedisPublisher mirrors change events onto a Redis Stream for consumers
// outside the process (alerting pipelines, external dashboards).
type RedisPublisher struct {
	pub         message.Publisher
	redisClient redis.UniversalClient
	topic       string
}

// NewRedisPublisher creates a RedisPublisher for the given stream topic.
func NewRedisPublisher(redisClient redis.UniversalClient, topic string) (*RedisPublisher, error) {
	logger := watermill.NewSlogLogger(nil)

	pub, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client: redisClient,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	return &RedisPublisher{
		pub:         pub,
		redisClient: redisClient,
		topic:       topic,
	}, nil
}

// PublishChange publishes a network id to the stream. The payload is the
// network id as a 4-byte big-endian integer.
func (p *RedisPublisher) PublishChange(ctx context.Context, networkID int) error {
	start := time.Now()

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(networkID))

	msgUUID := watermill.NewUUID()
	msg := message.NewMessage(msgUUID, payload)

	err := p.pub.Publish(p.topic, msg)
	if err != nil {
		slog.Error("redis publish failed",
			"network", networkID,
			"msg_uuid", msgUUID,
			"duration_ms", time.Since(start).Milliseconds(),
			"err", err,
		)
		return err
	}

	slog.Debug("redis publish ok",
		"network", networkID,
		"msg_uuid", msgUUID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// QueueLength returns the number of messages in the Redis stream.
func (p *RedisPublisher) QueueLength(ctx context.Context) (int64, error) {
	return p.redisClient.XLen(ctx, p.topic).Result()
}

// Topic returns the Redis stream topic name.
func (p *RedisPublisher) Topic() string {
	return p.topic
}

// Close closes the publisher.
func (p *RedisPublisher) Close() error {
	return p.pub.Close()
}
