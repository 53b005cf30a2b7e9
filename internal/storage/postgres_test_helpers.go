//go:build postgres

package storage

import (
	"context"
	"fmt"
)

// TruncateForTest clears every table managed by the store.
func TruncateForTest(ctx context.Context, store *PostgresStore) error {
	if store == nil || store.pool == nil {
		return ErrPostgresUnavailable
	}
	if _, err := store.pool.Exec(ctx, `TRUNCATE video_qualities, videos, watch_progress`); err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}
