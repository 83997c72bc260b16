package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes notifications on a per-campaign Redis channel so
// external consumers can follow campaign progress without polling.
type RedisNotifier struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisNotifier connects to Redis at the given URL and verifies the
// connection.
func NewRedisNotifier(ctx context.Context, redisURL string, logger *slog.Logger) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisNotifier{
		client: client,
		logger: logger.With("module", "redis_notifier"),
	}, nil
}

// Channel returns the pub/sub channel for one campaign's notifications.
func Channel(campaignID string) string {
	return fmt.Sprintf("driply.notifications.%s", campaignID)
}

// Notify publishes the notification on the campaign's channel.
func (n *RedisNotifier) Notify(ctx context.Context, notification Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	err = n.client.Publish(ctx, Channel(notification.CampaignID), payload).Err()
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	n.logger.DebugContext(ctx, "Published notification",
		"kind", notification.Kind, "campaign_id", notification.CampaignID, "run_id", notification.RunID)

	return nil
}

// Close releases the Redis connection.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
