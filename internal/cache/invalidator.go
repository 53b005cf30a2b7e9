package cache

import (
	"context"
	"log/slog"

	"bitriver-vod/internal/observability/metrics"
)

// InvalidateAll removes every key or pattern. Failures are logged and counted
// but never returned: a stale cache entry must not fail the mutation that
// triggered the invalidation.
func InvalidateAll(ctx context.Context, c Cache, logger *slog.Logger, keys ...string) {
	if c == nil {
		return
	}
	for _, key := range keys {
		if err := c.Invalidate(ctx, key); err != nil {
			metrics.CacheInvalidationsTotal.WithLabelValues("failed").Inc()
			if logger != nil {
				logger.Warn("cache invalidation failed", "key", key, "error", err)
			}
			continue
		}
		metrics.CacheInvalidationsTotal.WithLabelValues("ok").Inc()
	}
}
