package server

import (
	"context"
	"log/slog"
	"net/http"

	"bitriver-vod/internal/observability/logging"
)

// loggingWithRequest returns a logger annotated with request-scoped fields:
// the request and video IDs held in the context, the path and the client IP.
func loggingWithRequest(base *slog.Logger, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return nil
	}
	logger := loggerWithRequestContext(r.Context(), base)
	return logger.With(
		"path", r.URL.Path,
		"remote_ip", extractClientIP(r),
	)
}

func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(ctx, logger)
}
