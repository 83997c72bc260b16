package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/driply/driply/pkg/notifier"
)

// NewNotifier creates the notification publisher. An empty Redis URL means
// notifications are disabled.
func NewNotifier(ctx context.Context, logger *slog.Logger, redisURL string) notifier.Notifier {
	if redisURL == "" {
		logger.InfoContext(ctx, "Notifications disabled")

		return notifier.NewNoopNotifier()
	}

	redisNotifier, err := notifier.NewRedisNotifier(ctx, redisURL, logger)
	if err != nil {
		panic(fmt.Errorf("failed to connect notifier to redis: %w", err))
	}

	logger.InfoContext(ctx, "Using Redis notifications")

	return redisNotifier
}
