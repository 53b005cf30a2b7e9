package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitriver-vod/internal/models"
)

type variantKey struct {
	videoID   string
	sessionID string
}

type progressKey struct {
	userID  string
	videoID string
}

// MemoryStore keeps the catalog and watch progress in process memory. It is
// used for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	videos   map[string]models.Video
	variants map[variantKey][]models.QualityVariant
	progress map[progressKey]models.WatchProgress
	now      func() time.Time
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	store := &MemoryStore{
		videos:   make(map[string]models.Video),
		variants: make(map[variantKey][]models.QualityVariant),
		progress: make(map[progressKey]models.WatchProgress),
		now:      defaultClock,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyMemory(store)
		}
	}
	return store
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close(context.Context) error { return nil }

func (s *MemoryStore) CreateVideo(_ context.Context, params CreateVideoParams) (models.Video, error) {
	params = params.normalized()
	if params.ID == "" {
		return models.Video{}, fmt.Errorf("%w: id is required", ErrInvalidVideo)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.videos[params.ID]; exists {
		return models.Video{}, fmt.Errorf("%w: %s", ErrVideoExists, params.ID)
	}
	now := s.now()
	video := models.Video{
		ID:          params.ID,
		Title:       params.Title,
		SourcePath:  params.SourcePath,
		Status:      models.VideoStatusPending,
		PosterURL:   params.PosterURL,
		BackdropURL: params.BackdropURL,
		Subtitles:   append([]models.SubtitleTrack(nil), params.Subtitles...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.videos[video.ID] = video
	return s.withVariantsLocked(video), nil
}

func (s *MemoryStore) GetVideo(_ context.Context, id string) (models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.videos[id]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, models.ErrNotFound)
	}
	return s.withVariantsLocked(video), nil
}

func (s *MemoryStore) ListVideosByStatus(_ context.Context, status models.VideoStatus) ([]models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Video, 0)
	for _, video := range s.videos {
		if video.Status == status {
			out = append(out, s.withVariantsLocked(video))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) BeginProcessing(_ context.Context, id, sourcePath string) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	video, ok := s.videos[id]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, models.ErrNotFound)
	}
	if video.Status == models.VideoStatusProcessing {
		return models.Video{}, fmt.Errorf("video %s: %w", id, models.ErrAlreadyInProgress)
	}
	video.Status = models.VideoStatusProcessing
	if sourcePath != "" {
		video.SourcePath = sourcePath
	}
	video.Error = ""
	video.UpdatedAt = s.now()
	s.videos[id] = video
	return s.withVariantsLocked(video), nil
}

func (s *MemoryStore) UpdateVideoStatus(_ context.Context, id string, status models.VideoStatus, update models.VideoUpdate) (models.Video, error) {
	if !status.Valid() {
		return models.Video{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	video, ok := s.videos[id]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, models.ErrNotFound)
	}
	now := s.now()
	video.Status = status
	if update.Duration != nil {
		video.Duration = *update.Duration
	}
	if update.ManifestPath != nil {
		video.ManifestPath = *update.ManifestPath
	}
	if update.SessionID != nil {
		video.SessionID = *update.SessionID
	}
	if update.Error != nil {
		video.Error = *update.Error
	}
	if status == models.VideoStatusReady {
		readyAt := now
		video.ReadyAt = &readyAt
	}
	video.UpdatedAt = now
	s.videos[id] = video
	return s.withVariantsLocked(video), nil
}

func (s *MemoryStore) CreateQualityRecord(_ context.Context, videoID, sessionID string, variant models.QualityVariant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.videos[videoID]; !ok {
		return fmt.Errorf("video %s: %w", videoID, models.ErrNotFound)
	}
	if variant.CreatedAt.IsZero() {
		variant.CreatedAt = s.now()
	}
	key := variantKey{videoID: videoID, sessionID: sessionID}
	existing := s.variants[key]
	for i := range existing {
		if existing[i].Profile == variant.Profile {
			existing[i] = variant
			return nil
		}
	}
	s.variants[key] = append(existing, variant)
	return nil
}

func (s *MemoryStore) withVariantsLocked(video models.Video) models.Video {
	video.Subtitles = append([]models.SubtitleTrack(nil), video.Subtitles...)
	if video.ReadyAt != nil {
		readyAt := *video.ReadyAt
		video.ReadyAt = &readyAt
	}
	video.Variants = nil
	if video.SessionID == "" {
		return video
	}
	variants := s.variants[variantKey{videoID: video.ID, sessionID: video.SessionID}]
	if len(variants) == 0 {
		return video
	}
	video.Variants = append([]models.QualityVariant(nil), variants...)
	sort.SliceStable(video.Variants, func(i, j int) bool {
		return video.Variants[i].BitrateKbps < video.Variants[j].BitrateKbps
	})
	return video
}

func (s *MemoryStore) UpsertWatchProgress(_ context.Context, progress models.WatchProgress) (models.WatchProgress, error) {
	if progress.UpdatedAt.IsZero() {
		progress.UpdatedAt = s.now()
	}
	s.mu.Lock()
	s.progress[progressKey{userID: progress.UserID, videoID: progress.VideoID}] = progress
	s.mu.Unlock()
	return progress, nil
}

func (s *MemoryStore) GetWatchProgress(_ context.Context, userID, videoID string) (models.WatchProgress, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	progress, ok := s.progress[progressKey{userID: userID, videoID: videoID}]
	return progress, ok, nil
}

func (s *MemoryStore) ListInProgress(_ context.Context, userID string, limit int) ([]models.WatchProgress, error) {
	limit = normalizeLimit(limit)
	s.mu.RLock()
	out := make([]models.WatchProgress, 0)
	for key, progress := range s.progress {
		if key.userID != userID || progress.Completed || progress.Position <= 0 {
			continue
		}
		out = append(out, progress)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].VideoID < out[j].VideoID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
