package notification

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// DefaultChannel is the pub/sub channel events are published on.
const DefaultChannel = "quantaguard:events"

// Publisher is the part of the redis client used for publishing. *goredis.Client
// implements it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// RedisPublisher publishes every event as JSON on a pub/sub channel.
type RedisPublisher struct {
	client  Publisher
	channel string
}

// NewRedisPublisher creates a publisher. An empty channel selects DefaultChannel.
func NewRedisPublisher(client Publisher, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Send(ctx context.Context, event models.SecurityEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", event.Type, err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish to %s: %w", p.channel, err)
	}
	return nil
}
