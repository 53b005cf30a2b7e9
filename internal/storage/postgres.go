package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitriver-vod/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPostgresUnavailable is returned when the store has no open pool.
var ErrPostgresUnavailable = errors.New("postgres store unavailable")

// PostgresStore persists the catalog and watch progress in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresStore opens a pgx connection pool. Call Migrate before first use
// against a fresh database.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool, cfg: cfg}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrPostgresUnavailable
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresStore) now() time.Time {
	return s.cfg.Clock()
}

const videoColumns = `id, title, source_path, status, duration, manifest_path, session_id,
	poster_url, backdrop_url, subtitles, error, created_at, updated_at, ready_at`

func (s *PostgresStore) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	if s == nil || s.pool == nil {
		return models.Video{}, ErrPostgresUnavailable
	}
	params = params.normalized()
	if params.ID == "" {
		return models.Video{}, fmt.Errorf("%w: id is required", ErrInvalidVideo)
	}
	subtitles := params.Subtitles
	if subtitles == nil {
		subtitles = []models.SubtitleTrack{}
	}
	encoded, err := json.Marshal(subtitles)
	if err != nil {
		return models.Video{}, fmt.Errorf("encode subtitles: %w", err)
	}
	now := s.now()
	row := s.pool.QueryRow(ctx, `INSERT INTO videos
		(id, title, source_path, status, poster_url, backdrop_url, subtitles, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+videoColumns,
		params.ID, params.Title, params.SourcePath, string(models.VideoStatusPending),
		params.PosterURL, params.BackdropURL, encoded, now)
	video, err := scanVideo(row)
	if err != nil {
		if isNoRows(err) {
			return models.Video{}, fmt.Errorf("%w: %s", ErrVideoExists, params.ID)
		}
		return models.Video{}, fmt.Errorf("insert video %s: %w", params.ID, err)
	}
	return video, nil
}

func (s *PostgresStore) GetVideo(ctx context.Context, id string) (models.Video, error) {
	if s == nil || s.pool == nil {
		return models.Video{}, ErrPostgresUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	video, err := scanVideo(row)
	if err != nil {
		if isNoRows(err) {
			return models.Video{}, fmt.Errorf("video %s: %w", id, models.ErrNotFound)
		}
		return models.Video{}, fmt.Errorf("load video %s: %w", id, err)
	}
	if err := s.attachVariants(ctx, &video); err != nil {
		return models.Video{}, err
	}
	return video, nil
}

func (s *PostgresStore) ListVideosByStatus(ctx context.Context, status models.VideoStatus) ([]models.Video, error) {
	if s == nil || s.pool == nil {
		return nil, ErrPostgresUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT `+videoColumns+` FROM videos WHERE status = $1 ORDER BY updated_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()
	out := make([]models.Video, 0)
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		out = append(out, video)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	for i := range out {
		if err := s.attachVariants(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) BeginProcessing(ctx context.Context, id, sourcePath string) (models.Video, error) {
	if s == nil || s.pool == nil {
		return models.Video{}, ErrPostgresUnavailable
	}
	row := s.pool.QueryRow(ctx, `UPDATE videos SET
			status = $2::text,
			source_path = CASE WHEN $3::text <> '' THEN $3::text ELSE source_path END,
			error = '',
			updated_at = $4
		WHERE id = $1 AND status <> $2
		RETURNING `+videoColumns,
		id, string(models.VideoStatusProcessing), sourcePath, s.now())
	video, err := scanVideo(row)
	if err == nil {
		if err := s.attachVariants(ctx, &video); err != nil {
			return models.Video{}, err
		}
		return video, nil
	}
	if !isNoRows(err) {
		return models.Video{}, fmt.Errorf("begin processing %s: %w", id, err)
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM videos WHERE id = $1)`, id).Scan(&exists); err != nil {
		return models.Video{}, fmt.Errorf("check video %s: %w", id, err)
	}
	if !exists {
		return models.Video{}, fmt.Errorf("video %s: %w", id, models.ErrNotFound)
	}
	return models.Video{}, fmt.Errorf("video %s: %w", id, models.ErrAlreadyInProgress)
}

func (s *PostgresStore) UpdateVideoStatus(ctx context.Context, id string, status models.VideoStatus, update models.VideoUpdate) (models.Video, error) {
	if s == nil || s.pool == nil {
		return models.Video{}, ErrPostgresUnavailable
	}
	if !status.Valid() {
		return models.Video{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	row := s.pool.QueryRow(ctx, `UPDATE videos SET
			status = $2::text,
			duration = COALESCE($3, duration),
			manifest_path = COALESCE($4, manifest_path),
			session_id = COALESCE($5, session_id),
			error = COALESCE($6, error),
			updated_at = $7,
			ready_at = CASE WHEN $2 = 'ready' THEN $7 ELSE ready_at END
		WHERE id = $1
		RETURNING `+videoColumns,
		id, string(status), update.Duration, update.ManifestPath, update.SessionID, update.Error, s.now())
	video, err := scanVideo(row)
	if err != nil {
		if isNoRows(err) {
			return models.Video{}, fmt.Errorf("video %s: %w", id, models.ErrNotFound)
		}
		return models.Video{}, fmt.Errorf("update video %s: %w", id, err)
	}
	if err := s.attachVariants(ctx, &video); err != nil {
		return models.Video{}, err
	}
	return video, nil
}

func (s *PostgresStore) CreateQualityRecord(ctx context.Context, videoID, sessionID string, variant models.QualityVariant) error {
	if s == nil || s.pool == nil {
		return ErrPostgresUnavailable
	}
	createdAt := variant.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO video_qualities
		(video_id, session_id, profile, width, height, bitrate_kbps, path, size_bytes, segment_count, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		WHERE EXISTS (SELECT 1 FROM videos WHERE id = $1)
		ON CONFLICT (video_id, session_id, profile) DO UPDATE SET
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			bitrate_kbps = EXCLUDED.bitrate_kbps,
			path = EXCLUDED.path,
			size_bytes = EXCLUDED.size_bytes,
			segment_count = EXCLUDED.segment_count,
			created_at = EXCLUDED.created_at`,
		videoID, sessionID, variant.Profile, variant.Width, variant.Height, variant.BitrateKbps,
		variant.Path, variant.SizeBytes, variant.SegmentCount, createdAt)
	if err != nil {
		return fmt.Errorf("insert quality %s/%s: %w", videoID, variant.Profile, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("video %s: %w", videoID, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) attachVariants(ctx context.Context, video *models.Video) error {
	video.Variants = nil
	if video.SessionID == "" {
		return nil
	}
	rows, err := s.pool.Query(ctx, `SELECT profile, width, height, bitrate_kbps, path, size_bytes, segment_count, created_at
		FROM video_qualities
		WHERE video_id = $1 AND session_id = $2
		ORDER BY bitrate_kbps, profile`, video.ID, video.SessionID)
	if err != nil {
		return fmt.Errorf("load qualities %s: %w", video.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var v models.QualityVariant
		if err := rows.Scan(&v.Profile, &v.Width, &v.Height, &v.BitrateKbps, &v.Path, &v.SizeBytes, &v.SegmentCount, &v.CreatedAt); err != nil {
			return fmt.Errorf("scan quality: %w", err)
		}
		v.CreatedAt = v.CreatedAt.UTC()
		video.Variants = append(video.Variants, v)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load qualities %s: %w", video.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpsertWatchProgress(ctx context.Context, progress models.WatchProgress) (models.WatchProgress, error) {
	if s == nil || s.pool == nil {
		return models.WatchProgress{}, ErrPostgresUnavailable
	}
	if progress.UpdatedAt.IsZero() {
		progress.UpdatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO watch_progress
		(user_id, video_id, position_seconds, duration_seconds, completed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, video_id) DO UPDATE SET
			position_seconds = EXCLUDED.position_seconds,
			duration_seconds = EXCLUDED.duration_seconds,
			completed = EXCLUDED.completed,
			updated_at = EXCLUDED.updated_at`,
		progress.UserID, progress.VideoID, progress.Position, progress.Duration, progress.Completed, progress.UpdatedAt)
	if err != nil {
		return models.WatchProgress{}, fmt.Errorf("upsert progress %s/%s: %w", progress.UserID, progress.VideoID, err)
	}
	return progress, nil
}

func (s *PostgresStore) GetWatchProgress(ctx context.Context, userID, videoID string) (models.WatchProgress, bool, error) {
	if s == nil || s.pool == nil {
		return models.WatchProgress{}, false, ErrPostgresUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT user_id, video_id, position_seconds, duration_seconds, completed, updated_at
		FROM watch_progress WHERE user_id = $1 AND video_id = $2`, userID, videoID)
	progress, err := scanProgress(row)
	if err != nil {
		if isNoRows(err) {
			return models.WatchProgress{}, false, nil
		}
		return models.WatchProgress{}, false, fmt.Errorf("load progress %s/%s: %w", userID, videoID, err)
	}
	return progress, true, nil
}

func (s *PostgresStore) ListInProgress(ctx context.Context, userID string, limit int) ([]models.WatchProgress, error) {
	if s == nil || s.pool == nil {
		return nil, ErrPostgresUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT user_id, video_id, position_seconds, duration_seconds, completed, updated_at
		FROM watch_progress
		WHERE user_id = $1 AND completed = FALSE AND position_seconds > 0
		ORDER BY updated_at DESC, video_id
		LIMIT $2`, userID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list progress %s: %w", userID, err)
	}
	defer rows.Close()
	out := make([]models.WatchProgress, 0)
	for rows.Next() {
		progress, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, progress)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list progress %s: %w", userID, err)
	}
	return out, nil
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var (
		video     models.Video
		status    string
		subtitles []byte
		readyAt   *time.Time
	)
	if err := row.Scan(&video.ID, &video.Title, &video.SourcePath, &status, &video.Duration,
		&video.ManifestPath, &video.SessionID, &video.PosterURL, &video.BackdropURL, &subtitles,
		&video.Error, &video.CreatedAt, &video.UpdatedAt, &readyAt); err != nil {
		return models.Video{}, err
	}
	video.Status = models.VideoStatus(status)
	video.CreatedAt = video.CreatedAt.UTC()
	video.UpdatedAt = video.UpdatedAt.UTC()
	if readyAt != nil {
		t := readyAt.UTC()
		video.ReadyAt = &t
	}
	if len(subtitles) > 0 {
		if err := json.Unmarshal(subtitles, &video.Subtitles); err != nil {
			return models.Video{}, fmt.Errorf("decode subtitles: %w", err)
		}
		if len(video.Subtitles) == 0 {
			video.Subtitles = nil
		}
	}
	return video, nil
}

func scanProgress(row pgx.Row) (models.WatchProgress, error) {
	var progress models.WatchProgress
	if err := row.Scan(&progress.UserID, &progress.VideoID, &progress.Position, &progress.Duration,
		&progress.Completed, &progress.UpdatedAt); err != nil {
		return models.WatchProgress{}, err
	}
	progress.UpdatedAt = progress.UpdatedAt.UTC()
	return progress, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
