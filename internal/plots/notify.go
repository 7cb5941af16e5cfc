package plots

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// StatusChannel is the Redis channel carrying plot status transitions.
const StatusChannel = "plots.status"

// RedisNotifier publishes status changes on a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier constructs a notifier publishing on StatusChannel.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, channel: StatusChannel}
}

// PublishStatusChange encodes change as JSON and publishes it.
func (n *RedisNotifier) PublishStatusChange(ctx context.Context, change StatusChange) error {
	if n == nil || n.client == nil {
		return nil
	}
	raw, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, raw).Err()
}
