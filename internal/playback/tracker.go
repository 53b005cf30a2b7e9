// Package playback records where viewers are in a video and builds their
// continue-watching lists.
package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"bitriver-vod/internal/cache"
	"bitriver-vod/internal/models"
)

const (
	DefaultContinueLimit = 20
	MaxContinueLimit     = 100
	// maxContinueScan bounds how many history rows one page may read while
	// skipping videos that no longer exist.
	maxContinueScan = 1000

	defaultContinueTTL = time.Minute
)

// Store is the persistence the tracker needs.
type Store interface {
	UpsertWatchProgress(ctx context.Context, progress models.WatchProgress) (models.WatchProgress, error)
	ListInProgress(ctx context.Context, userID string, limit int) ([]models.WatchProgress, error)
}

// Catalog resolves titles and artwork for continue-watching entries.
type Catalog interface {
	GetVideo(ctx context.Context, id string) (models.Video, error)
}

type Config struct {
	Store       Store
	Catalog     Catalog
	Cache       cache.Cache
	ContinueTTL time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

type Tracker struct {
	store       Store
	catalog     Catalog
	cache       cache.Cache
	continueTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewTracker(cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ContinueTTL <= 0 {
		cfg.ContinueTTL = defaultContinueTTL
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{
		store:       cfg.Store,
		catalog:     cfg.Catalog,
		cache:       cfg.Cache,
		continueTTL: cfg.ContinueTTL,
		logger:      logger,
		now:         now,
	}
}

// UpdateProgress stores the viewer's position and reports whether the video
// now counts as watched. Invalid input is rejected before anything is written.
func (t *Tracker) UpdateProgress(ctx context.Context, userID, videoID string, position, duration float64) (models.ProgressSnapshot, error) {
	userID = strings.TrimSpace(userID)
	videoID = strings.TrimSpace(videoID)
	if userID == "" || videoID == "" {
		return models.ProgressSnapshot{}, fmt.Errorf("%w: user and video are required", models.ErrInvalidProgress)
	}
	if !validSeconds(position) || !validSeconds(duration) {
		return models.ProgressSnapshot{}, fmt.Errorf("%w: position and duration must be finite and non-negative", models.ErrInvalidProgress)
	}

	progress := models.WatchProgress{
		UserID:    userID,
		VideoID:   videoID,
		Position:  position,
		Duration:  duration,
		Completed: models.IsCompleted(position, duration),
		UpdatedAt: t.now(),
	}
	saved, err := t.store.UpsertWatchProgress(ctx, progress)
	if err != nil {
		return models.ProgressSnapshot{}, fmt.Errorf("save progress: %w", err)
	}
	cache.InvalidateAll(ctx, t.cache, t.logger,
		cache.ContinueWatchingPattern(userID),
		cache.UserStreamPattern(videoID, userID),
	)
	return models.ProgressSnapshot{Position: saved.Position, Completed: saved.Completed}, nil
}

// GetContinueWatching lists unfinished videos the user has started, most
// recently watched first. Entries whose video has left the catalog are
// skipped.
func (t *Tracker) GetContinueWatching(ctx context.Context, userID string, limit int) ([]models.ContinueWatchingEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", models.ErrInvalidProgress)
	}
	limit = ClampLimit(limit)

	key := cache.ContinueWatchingKey(userID, limit)
	if t.cache != nil {
		if raw, ok, err := t.cache.Get(ctx, key); err != nil {
			t.logger.Warn("cache read failed", "key", key, "error", err)
		} else if ok {
			var entries []models.ContinueWatchingEntry
			if err := json.Unmarshal(raw, &entries); err == nil {
				return entries, nil
			}
		}
	}

	entries, err := t.collectContinueWatching(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	if t.cache != nil {
		if raw, err := json.Marshal(entries); err == nil {
			if err := t.cache.Set(ctx, key, raw, t.continueTTL); err != nil {
				t.logger.Warn("cache write failed", "key", key, "error", err)
			}
		}
	}
	return entries, nil
}

// collectContinueWatching fills a page of up to limit entries. Rows whose
// video left the catalog do not count toward the page, so the store is asked
// for a larger window until the page is full or the history is exhausted.
func (t *Tracker) collectContinueWatching(ctx context.Context, userID string, limit int) ([]models.ContinueWatchingEntry, error) {
	fetch := limit
	for {
		rows, err := t.store.ListInProgress(ctx, userID, fetch)
		if err != nil {
			return nil, fmt.Errorf("list progress: %w", err)
		}
		entries := make([]models.ContinueWatchingEntry, 0, limit)
		for _, row := range rows {
			if len(entries) == limit {
				break
			}
			entry := models.ContinueWatchingEntry{WatchProgress: row}
			if t.catalog != nil {
				video, err := t.catalog.GetVideo(ctx, row.VideoID)
				if err != nil {
					if errors.Is(err, models.ErrNotFound) {
						continue
					}
					return nil, fmt.Errorf("load video %s: %w", row.VideoID, err)
				}
				entry.Title = video.Title
				entry.PosterURL = video.PosterURL
				entry.BackdropURL = video.BackdropURL
			}
			entries = append(entries, entry)
		}
		if len(entries) == limit || len(rows) < fetch || fetch >= maxContinueScan {
			return entries, nil
		}
		fetch *= 2
		if fetch > maxContinueScan {
			fetch = maxContinueScan
		}
	}
}

// ClampLimit applies the default page size and the upper bound.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultContinueLimit
	}
	if limit > MaxContinueLimit {
		return MaxContinueLimit
	}
	return limit
}

func validSeconds(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
