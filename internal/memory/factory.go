package memory

import (
	"context"
	"strings"
)

// NewStore picks the fact store for this deployment: Postgres when a
// database URL is configured, otherwise a process-local in-memory store so
// the companion still remembers facts for the lifetime of the run.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
