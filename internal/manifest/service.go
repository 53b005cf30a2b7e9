package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"bitriver-vod/internal/cache"
	"bitriver-vod/internal/ladder"
	"bitriver-vod/internal/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("bitriver-vod/manifest")

const (
	defaultManifestTTL   = 5 * time.Minute
	defaultStreamInfoTTL = 30 * time.Second
)

// Catalog is the read side of the catalog store.
type Catalog interface {
	GetVideo(ctx context.Context, id string) (models.Video, error)
}

// ProgressReader loads a viewer's resume point.
type ProgressReader interface {
	GetWatchProgress(ctx context.Context, userID, videoID string) (models.WatchProgress, bool, error)
}

type Config struct {
	Catalog  Catalog
	Progress ProgressReader
	// Cache is optional; rendered responses are cached when set.
	Cache         cache.Cache
	ManifestTTL   time.Duration
	StreamInfoTTL time.Duration
	// BaseURL prefixes manifest URLs in stream info, e.g. "https://vod.example.com".
	BaseURL string
	Logger  *slog.Logger
}

// Service answers playback requests for READY videos.
type Service struct {
	catalog       Catalog
	progress      ProgressReader
	cache         cache.Cache
	manifestTTL   time.Duration
	streamInfoTTL time.Duration
	baseURL       string
	logger        *slog.Logger
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ManifestTTL <= 0 {
		cfg.ManifestTTL = defaultManifestTTL
	}
	if cfg.StreamInfoTTL <= 0 {
		cfg.StreamInfoTTL = defaultStreamInfoTTL
	}
	return &Service{
		catalog:       cfg.Catalog,
		progress:      cfg.Progress,
		cache:         cfg.Cache,
		manifestTTL:   cfg.ManifestTTL,
		streamInfoTTL: cfg.StreamInfoTTL,
		baseURL:       strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		logger:        logger,
	}
}

// GetMasterManifest renders the master playlist of a READY video limited to
// the renditions at or below maxQuality. An empty maxQuality means no limit.
func (s *Service) GetMasterManifest(ctx context.Context, videoID, maxQuality string) (string, error) {
	ctx, span := tracer.Start(ctx, "manifest.get")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID))

	tier, err := ladder.ParseTier(maxQuality)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("manifest.max_quality", tier))

	key := cache.ManifestKey(videoID, tier)
	if cached, ok := s.cacheGet(ctx, key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return string(cached), nil
	}

	video, err := s.readyVideo(ctx, videoID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	body := RenderFiltered(video.Variants, tier)
	s.cacheSet(ctx, key, []byte(body), s.manifestTTL)
	return body, nil
}

// GetStreamInfo describes a READY video for userID: where to fetch the
// manifest, the qualities the caller may pick from, and where they left off.
func (s *Service) GetStreamInfo(ctx context.Context, videoID, userID, maxQuality string) (models.StreamInfo, error) {
	tier, err := ladder.ParseTier(maxQuality)
	if err != nil {
		return models.StreamInfo{}, err
	}

	key := cache.StreamInfoKey(videoID, userID, tier)
	if cached, ok := s.cacheGet(ctx, key); ok {
		var info models.StreamInfo
		if err := json.Unmarshal(cached, &info); err == nil {
			return info, nil
		}
	}

	video, err := s.readyVideo(ctx, videoID)
	if err != nil {
		return models.StreamInfo{}, err
	}
	qualities := ladder.Filter(video.Variants, tier)
	ladder.SortByBitrate(qualities)
	subtitles := video.Subtitles
	if subtitles == nil {
		subtitles = []models.SubtitleTrack{}
	}
	info := models.StreamInfo{
		VideoID:     video.ID,
		Title:       video.Title,
		ManifestURL: s.manifestURL(video.ID, tier),
		PosterURL:   video.PosterURL,
		BackdropURL: video.BackdropURL,
		Duration:    video.Duration,
		Subtitles:   subtitles,
		Qualities:   qualities,
	}
	if userID != "" && s.progress != nil {
		progress, ok, err := s.progress.GetWatchProgress(ctx, userID, videoID)
		if err != nil {
			return models.StreamInfo{}, fmt.Errorf("load progress: %w", err)
		}
		if ok {
			info.Progress = &models.ProgressSnapshot{Position: progress.Position, Completed: progress.Completed}
		}
	}

	if encoded, err := json.Marshal(info); err == nil {
		s.cacheSet(ctx, key, encoded, s.streamInfoTTL)
	}
	return info, nil
}

func (s *Service) readyVideo(ctx context.Context, videoID string) (models.Video, error) {
	video, err := s.catalog.GetVideo(ctx, videoID)
	if err != nil {
		return models.Video{}, err
	}
	if video.Status != models.VideoStatusReady {
		return models.Video{}, fmt.Errorf("video %s is %s: %w", videoID, video.Status, models.ErrNotReady)
	}
	return video, nil
}

func (s *Service) manifestURL(videoID, tier string) string {
	path := "/v1/videos/" + url.PathEscape(videoID) + "/" + MasterName
	if tier != ladder.Highest() {
		path += "?maxQuality=" + url.QueryEscape(tier)
	}
	return s.baseURL + path
}

func (s *Service) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	value, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache read failed", "key", key, "error", err)
		return nil, false
	}
	return value, ok
}

func (s *Service) cacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
