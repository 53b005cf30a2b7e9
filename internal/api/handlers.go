package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"bitriver-vod/internal/cache"
	"bitriver-vod/internal/manifest"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/objectstore"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/playback"
	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/transcode"
)

const (
	userIDHeader     = "X-User-ID"
	maxQualityHeader = "X-Max-Quality"
	maxQualityParam  = "maxQuality"
)

// Transcodes accepts transcode requests for background processing.
type Transcodes interface {
	Enqueue(videoID, sourcePath string) error
	Pending() int
	Ping(ctx context.Context) error
}

// Pinger is implemented by stores that can report their availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Catalog    storage.CatalogStore
	Transcodes Transcodes
	Manifests  *manifest.Service
	Tracker    *playback.Tracker
	// Publisher redirects rendition requests to object storage when enabled.
	Publisher objectstore.Publisher
	// Cache and ProgressStore are only consulted by the health check.
	Cache         cache.Cache
	ProgressStore Pinger
	Logger        *slog.Logger
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	if r == nil {
		return base
	}
	return logging.WithContext(r.Context(), base)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	components, status, code := h.componentHealth(r.Context())
	payload := map[string]interface{}{
		"status":   status,
		"services": components,
	}
	if h.Transcodes != nil {
		payload["pendingTranscodes"] = h.Transcodes.Pending()
	}
	writeJSON(w, code, payload)
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotReady),
		errors.Is(err, models.ErrAlreadyInProgress),
		errors.Is(err, storage.ErrVideoExists):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidProgress),
		errors.Is(err, models.ErrInvalidQuality),
		errors.Is(err, storage.ErrInvalidVideo),
		errors.Is(err, storage.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, transcode.ErrQueueFull),
		errors.Is(err, transcode.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Server-side failures are
// logged and replaced by a generic message.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger(r).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, errors.New("internal server error"))
		return
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeError(w, status, err)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
}

// maxQuality reads the caller's entitlement. The header set by the gateway
// wins over the query parameter.
func maxQuality(r *http.Request) string {
	if tier := strings.TrimSpace(r.Header.Get(maxQualityHeader)); tier != "" {
		return tier
	}
	return strings.TrimSpace(r.URL.Query().Get(maxQualityParam))
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userIDHeader))
}
