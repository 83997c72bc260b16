package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/driply/driply/pkg/persistence"
	"github.com/driply/driply/pkg/persistence/file"
	"github.com/driply/driply/pkg/persistence/postgresql"
)

// NewPersistence creates a storage backend from the database URL scheme.
// postgres:// selects PostgreSQL; anything else falls back to file storage.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		persist, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to connect to postgres: %w", err))
		}

		logger.InfoContext(ctx, "Using PostgreSQL persistence")

		return persist
	default:
		logger.InfoContext(ctx, "Using file persistence", "path", databaseURL)

		return file.NewPersistence(databaseURL)
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.SplitN(databaseURL, "://", 2)

	return parts[0]
}
