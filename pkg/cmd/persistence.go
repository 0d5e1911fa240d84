package cmd

import (
	"strings"

	"github.com/inboxpilot/inboxpilot/pkg/persistence"
	"github.com/inboxpilot/inboxpilot/pkg/persistence/file"
	"github.com/inboxpilot/inboxpilot/pkg/persistence/redis"
)

var supportedPersistenceProviders = []string{"file", "redis"}

// NewPersistence selects the store backend from the database URL scheme.
// Anything unrecognized falls back to the file store.
func NewPersistence(databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "redis":
		return redis.NewPersistence(databaseURL)
	default:
		return file.NewPersistence(databaseURL), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
