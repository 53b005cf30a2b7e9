// Package transcode runs transcode sessions: probe the source, encode every
// planned rendition in parallel, and publish the result as one atomic commit.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"bitriver-vod/internal/cache"
	"bitriver-vod/internal/encode"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/objectstore"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/progress"
)

var tracer = otel.Tracer("bitriver-vod/transcode")

const (
	DefaultTimeoutFactor = 4.0
	DefaultMinTimeout    = 2 * time.Minute

	// finalizeTimeout bounds terminal writes made after the session context
	// has been cancelled.
	finalizeTimeout = 15 * time.Second
)

// Prober extracts source metadata.
type Prober interface {
	Probe(ctx context.Context, sourcePath string) (models.SourceMedia, error)
}

// Encoder runs one rendition encode.
type Encoder interface {
	Run(ctx context.Context, job encode.Job, sink progress.Sink) (encode.Result, error)
}

// Catalog is the part of the catalog store the orchestrator writes.
type Catalog interface {
	BeginProcessing(ctx context.Context, id, sourcePath string) (models.Video, error)
	UpdateVideoStatus(ctx context.Context, id string, status models.VideoStatus, update models.VideoUpdate) (models.Video, error)
	CreateQualityRecord(ctx context.Context, videoID, sessionID string, variant models.QualityVariant) error
}

type Config struct {
	Catalog Catalog
	Prober  Prober
	Encoder Encoder
	// Cache is invalidated for the video after every session. Optional.
	Cache cache.Cache
	// Publisher mirrors committed output to object storage. Optional.
	Publisher objectstore.Publisher
	// MediaRoot receives <videoID>/<sessionID>/ output directories.
	MediaRoot string
	// TimeoutFactor and MinTimeout derive the per-encode wall-clock ceiling
	// from the source duration.
	TimeoutFactor float64
	MinTimeout    time.Duration
	Logger        *slog.Logger
	NewSessionID  func() string
}

// Orchestrator owns the PENDING -> PROCESSING -> READY|FAILED lifecycle.
type Orchestrator struct {
	catalog       Catalog
	prober        Prober
	encoder       Encoder
	cache         cache.Cache
	publisher     objectstore.Publisher
	mediaRoot     string
	timeoutFactor float64
	minTimeout    time.Duration
	logger        *slog.Logger
	newSessionID  func() string
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Catalog == nil || cfg.Prober == nil || cfg.Encoder == nil {
		return nil, errors.New("transcode: catalog, prober and encoder are required")
	}
	root := strings.TrimSpace(cfg.MediaRoot)
	if root == "" {
		return nil, errors.New("transcode: media root is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factor := cfg.TimeoutFactor
	if factor <= 0 {
		factor = DefaultTimeoutFactor
	}
	minTimeout := cfg.MinTimeout
	if minTimeout <= 0 {
		minTimeout = DefaultMinTimeout
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = objectstore.Noop()
	}
	newID := cfg.NewSessionID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Orchestrator{
		catalog:       cfg.Catalog,
		prober:        cfg.Prober,
		encoder:       cfg.Encoder,
		cache:         cfg.Cache,
		publisher:     publisher,
		mediaRoot:     root,
		timeoutFactor: factor,
		minTimeout:    minTimeout,
		logger:        logger,
		newSessionID:  newID,
	}, nil
}

// StartTranscode runs a full session for videoID and blocks until it reaches a
// terminal state. A non-empty sourcePath replaces the stored source. It fails
// with models.ErrAlreadyInProgress when another session owns the video,
// models.ErrProbeFailed when the source cannot be inspected and
// models.ErrAllEncodesFailed when no rendition could be produced.
func (o *Orchestrator) StartTranscode(ctx context.Context, videoID, sourcePath string, sink progress.Sink) error {
	if sink == nil {
		sink = progress.Discard
	}
	sessionID := o.newSessionID()
	ctx, span := tracer.Start(ctx, "transcode.session")
	defer span.End()
	span.SetAttributes(
		attribute.String("video.id", videoID),
		attribute.String("transcode.session_id", sessionID),
	)

	video, err := o.catalog.BeginProcessing(ctx, videoID, strings.TrimSpace(sourcePath))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	// Cached playback responses describe the previous session; the video is
	// not READY again until commit.
	o.invalidate(ctx, videoID)
	defer o.invalidate(ctx, videoID)

	s := &session{
		orch:      o,
		videoID:   videoID,
		sessionID: sessionID,
		source:    video.SourcePath,
		dir:       filepath.Join(o.mediaRoot, videoID, sessionID),
		sink:      sink,
		logger:    o.logger.With("video_id", videoID, "session_id", sessionID),
		started:   time.Now(),
	}
	err = s.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// EncodeTimeout is the wall-clock ceiling for one rendition of a source that
// lasts duration seconds.
func (o *Orchestrator) EncodeTimeout(duration float64) time.Duration {
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return o.minTimeout
	}
	scaled := time.Duration(duration * o.timeoutFactor * float64(time.Second))
	if scaled < o.minTimeout {
		return o.minTimeout
	}
	return scaled
}

func (o *Orchestrator) invalidate(ctx context.Context, videoID string) {
	ctx, cancel := detached(ctx)
	defer cancel()
	cache.InvalidateAll(ctx, o.cache, o.logger, cache.VideoPatterns(videoID)...)
}

// detached keeps values such as trace spans but survives cancellation of the
// session context, so terminal state is always written.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

func recordSession(outcome string) {
	metrics.TranscodeSessionsTotal.WithLabelValues(outcome).Inc()
}

func sessionError(videoID string, kind error, cause error) error {
	if cause == nil {
		return fmt.Errorf("video %s: %w", videoID, kind)
	}
	if errors.Is(cause, kind) {
		return fmt.Errorf("video %s: %w", videoID, cause)
	}
	return fmt.Errorf("video %s: %w: %w", videoID, kind, cause)
}
