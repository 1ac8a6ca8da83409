package memory

import (
	"context"
	"strings"
)

const DefaultSQLiteDSN = "file:stoicguide.db"

// NewStore creates a postgres-backed store for postgres URLs, otherwise a
// SQLite store. An empty URL opens the default SQLite file.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	default:
		return NewSQLiteStore(ctx, url)
	}
}

// Backend names the driver a URL selects, for logs.
func Backend(databaseURL string) string {
	url := strings.TrimSpace(databaseURL)
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}
