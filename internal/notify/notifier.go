// Package notify decouples "state changed" detection from "who needs to
// know". Reconcilers publish a network id; any number of subscribers (the
// SSE endpoint, the websocket endpoint, an optional Redis stream) receive
// every event. Slow subscribers never block publication: a missed event is
// harmless because consumers re-fetch full state.
package notify

import (
	"context"
	"encoding/binary"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const changesTopic = "tip-changed"

// Notifier is the in-process broadcast channel for change events.
type Notifier struct {
	pubsub *gochannel.GoChannel
	redis  *RedisPublisher
}

// New creates a Notifier. redis may be nil when no Redis publishing is
// configured.
func New(redis *RedisPublisher) *Notifier {
	logger := watermill.NewSlogLogger(nil)
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 16,
	}, logger)
	return &Notifier{pubsub: pubsub, redis: redis}
}

// Notify publishes a change event for one network. Publication is
// fire-and-forget; it never blocks the reconcile loop.
func (n *Notifier) Notify(networkID int) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(networkID))
	msg := message.NewMessage(watermill.NewUUID(), payload)

	go func() {
		if err := n.pubsub.Publish(changesTopic, msg); err != nil {
			slog.Error("change notification publish failed", "network", networkID, "err", err)
		}
	}()

	if n.redis != nil {
		go func() {
			if err := n.redis.PublishChange(context.Background(), networkID); err != nil {
				slog.Error("redis change publish failed", "network", networkID, "err", err)
			}
		}()
	}
}

// Subscribe returns a channel of network ids. The channel closes when ctx is
// canceled. Events arriving while the consumer lags are dropped.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan int, error) {
	msgs, err := n.pubsub.Subscribe(ctx, changesTopic)
	if err != nil {
		return nil, err
	}

	out := make(chan int, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			if len(msg.Payload) >= 4 {
				select {
				case out <- int(binary.BigEndian.Uint32(msg.Payload[:4])):
				default:
					// consumer lagging, drop
				}
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// Close shuts down the broadcast channel and the Redis publisher, if any.
func (n *Notifier) Close() error {
	err := n.pubsub.Close()
	if n.redis != nil {
		if cerr := n.redis.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
