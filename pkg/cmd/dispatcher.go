package cmd

import (
	"context"
	"log/slog"

	"github.com/driply/driply/pkg/delivery"
)

// NewDispatcher creates the delivery collaborator. Without a provider
// endpoint, dispatches are captured in memory, which is only useful for
// local development.
func NewDispatcher(ctx context.Context, logger *slog.Logger, endpoint, apiKey string) delivery.Dispatcher {
	if endpoint == "" {
		logger.WarnContext(ctx, "No delivery endpoint configured, capturing dispatches in memory")

		return delivery.NewCaptureDispatcher()
	}

	logger.InfoContext(ctx, "Using HTTP delivery", "endpoint", endpoint)

	return delivery.NewHTTPDispatcher(endpoint, apiKey, logger)
}
