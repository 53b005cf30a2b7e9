package storage

import (
	"context"
	"strings"
	"time"

	"bitriver-vod/internal/models"
)

// CatalogStore persists videos and their transcode state. Only the transcode
// orchestrator mutates a video once it is registered.
type CatalogStore interface {
	Ping(ctx context.Context) error
	CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error)
	// GetVideo returns the video with the variants of its published session.
	GetVideo(ctx context.Context, id string) (models.Video, error)
	ListVideosByStatus(ctx context.Context, status models.VideoStatus) ([]models.Video, error)
	// BeginProcessing atomically moves a video into PROCESSING. It fails with
	// models.ErrAlreadyInProgress when another session holds the video. A
	// non-empty sourcePath replaces the stored one.
	BeginProcessing(ctx context.Context, id, sourcePath string) (models.Video, error)
	UpdateVideoStatus(ctx context.Context, id string, status models.VideoStatus, update models.VideoUpdate) (models.Video, error)
	// CreateQualityRecord stores a rendition produced by a session. Records only
	// become visible through GetVideo once that session is published.
	CreateQualityRecord(ctx context.Context, videoID, sessionID string, variant models.QualityVariant) error
}

// ProgressStore persists watch progress with one row per user and video.
type ProgressStore interface {
	Ping(ctx context.Context) error
	UpsertWatchProgress(ctx context.Context, progress models.WatchProgress) (models.WatchProgress, error)
	GetWatchProgress(ctx context.Context, userID, videoID string) (models.WatchProgress, bool, error)
	// ListInProgress returns unfinished progress with a positive position,
	// most recently updated first.
	ListInProgress(ctx context.Context, userID string, limit int) ([]models.WatchProgress, error)
}

// Store combines both persistence concerns, as implemented by the memory and
// Postgres backends.
type Store interface {
	CatalogStore
	ProgressStore
	Close(ctx context.Context) error
}

// CreateVideoParams registers an uploaded video with the catalog.
type CreateVideoParams struct {
	ID          string
	Title       string
	SourcePath  string
	PosterURL   string
	BackdropURL string
	Subtitles   []models.SubtitleTrack
}

func (p CreateVideoParams) normalized() CreateVideoParams {
	p.ID = strings.TrimSpace(p.ID)
	p.Title = strings.TrimSpace(p.Title)
	p.SourcePath = strings.TrimSpace(p.SourcePath)
	p.PosterURL = strings.TrimSpace(p.PosterURL)
	p.BackdropURL = strings.TrimSpace(p.BackdropURL)
	return p
}

const defaultListLimit = 20

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func defaultClock() time.Time {
	return time.Now().UTC()
}
