package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chatops/swadl/pkg/persistence"
	"github.com/chatops/swadl/pkg/persistence/file"
	"github.com/chatops/swadl/pkg/persistence/postgres"
	"github.com/chatops/swadl/pkg/persistence/redis"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql", "redis"}

// NewPersistence selects a storage adapter by URL scheme. Anything that is
// not a recognised scheme is treated as a file path.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		p, err := postgres.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create postgres persistence: %w", err))
		}

		return p
	case "redis":
		p, err := redis.NewPersistence(databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create redis persistence: %w", err))
		}

		return p
	default:
		p, err := file.NewPersistence(databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create file persistence: %w", err))
		}

		return p
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider := strings.Split(databaseURL, "://")[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
