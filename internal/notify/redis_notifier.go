package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes events to a per-user Redis channel. The WebSocket
// and push gateways subscribe to these channels and own client delivery.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier creates a new RedisNotifier
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// UserChannel returns the pub/sub channel carrying a user's signaling events.
func UserChannel(userID uuid.UUID) string {
	return fmt.Sprintf("user:events:%s", userID)
}

// Notify publishes one event to the user's channel.
func (n *RedisNotifier) Notify(ctx context.Context, userID uuid.UUID, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := n.client.Publish(ctx, UserChannel(userID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
