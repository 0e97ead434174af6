package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"confab/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const redisChannel = "confab.events"

type envelope struct {
	Origin string       `msgpack:"origin"`
	Topic  string       `msgpack:"topic"`
	Event  models.Event `msgpack:"event"`
}

// RedisBridge fans broker events out across instances over redis pub/sub,
// so a client attached to one instance still sees rows another instance
// wrote. Loss of the bridge degrades to single-instance delivery; it never
// blocks local publishing.
type RedisBridge struct {
	origin string
	broker *Broker
	client *redis.Client
	pubsub *redis.PubSub
}

// NewRedisBridge connects to redis and wires the broker's forward hook.
func NewRedisBridge(ctx context.Context, broker *Broker, url string) (*RedisBridge, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	bridge := &RedisBridge{
		origin: uuid.NewString(),
		broker: broker,
		client: client,
		pubsub: client.Subscribe(ctx, redisChannel),
	}
	broker.setForward(bridge.publish)
	return bridge, nil
}

// Run pumps remote events into the local broker until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := msgpack.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("dropping undecodable bridge envelope", "error", err)
				continue
			}
			if env.Origin == b.origin {
				continue // our own publish echoed back
			}
			if err := env.Event.Validate(); err != nil {
				slog.Warn("dropping malformed bridge event", "error", err)
				continue
			}
			if env.Topic != "" {
				b.broker.deliverTopic(env.Topic, env.Event)
			} else {
				b.broker.deliverRows(env.Event)
			}
		}
	}
}

func (b *RedisBridge) Close() error {
	_ = b.pubsub.Close()
	return b.client.Close()
}

func (b *RedisBridge) publish(topic string, e models.Event) {
	data, err := msgpack.Marshal(envelope{Origin: b.origin, Topic: topic, Event: e})
	if err != nil {
		slog.Warn("failed to encode bridge envelope", "error", err)
		return
	}
	// Fire and forget; a failed publish only logs.
	if err := b.client.Publish(context.Background(), redisChannel, data).Err(); err != nil {
		slog.Warn("bridge publish failed", "error", err)
	}
}
