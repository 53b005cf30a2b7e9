package transcode

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"bitriver-vod/internal/models"
	"bitriver-vod/internal/progress"
)

var (
	ErrQueueFull        = errors.New("transcode queue is full")
	ErrDispatcherClosed = errors.New("transcode dispatcher is shut down")
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 64
)

// Transcoder runs a complete session.
type Transcoder interface {
	StartTranscode(ctx context.Context, videoID, sourcePath string, sink progress.Sink) error
}

// RecoveryStore lets the dispatcher find work abandoned by a previous process.
type RecoveryStore interface {
	ListVideosByStatus(ctx context.Context, status models.VideoStatus) ([]models.Video, error)
	UpdateVideoStatus(ctx context.Context, id string, status models.VideoStatus, update models.VideoUpdate) (models.Video, error)
}

type DispatcherConfig struct {
	Transcoder Transcoder
	// Store enables crash recovery on Start. Optional.
	Store     RecoveryStore
	Sink      progress.Sink
	Workers   int
	QueueSize int
	Logger    *slog.Logger
}

type request struct {
	videoID    string
	sourcePath string
}

// Dispatcher hands transcode requests to a fixed pool of workers so uploads
// return immediately. Each worker runs one session at a time; the encoder
// limiter bounds the processes those sessions spawn.
type Dispatcher struct {
	transcoder Transcoder
	store      RecoveryStore
	sink       progress.Sink
	workers    int
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}

	queue chan request
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
	closed   bool
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = progress.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		transcoder: cfg.Transcoder,
		store:      cfg.Store,
		sink:       sink,
		workers:    workers,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		quit:       make(chan struct{}),
		queue:      make(chan request, queueSize),
		inFlight:   make(map[string]struct{}),
	}
}

// Start launches the workers and, when a store is configured, recovers work
// left behind by a previous process. This assumes a single dispatcher per
// catalog.
func (d *Dispatcher) Start(ctx context.Context) {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.started || d.closed {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.recover(ctx)
}

// Enqueue schedules a session for videoID. It never blocks: a saturated queue
// returns ErrQueueFull and a video that is already queued or running returns
// models.ErrAlreadyInProgress.
func (d *Dispatcher) Enqueue(videoID, sourcePath string) error {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return errors.New("video id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if _, exists := d.inFlight[videoID]; exists {
		return models.ErrAlreadyInProgress
	}
	select {
	case d.queue <- request{videoID: videoID, sourcePath: sourcePath}:
		d.inFlight[videoID] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports how many videos are queued or running.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// Ping reports whether the dispatcher is accepting work.
func (d *Dispatcher) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return ErrDispatcherClosed
	case !d.started:
		return errors.New("transcode dispatcher not started")
	case len(d.queue) == cap(d.queue):
		return ErrQueueFull
	}
	return ctx.Err()
}

// Shutdown stops intake and waits for running sessions. When ctx expires
// first, running sessions are cancelled, which kills their encoders.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.quit)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case req := <-d.queue:
			d.process(req)
		}
	}
}

func (d *Dispatcher) process(req request) {
	defer d.finish(req.videoID)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("transcode session panicked", "video_id", req.videoID, "panic", r)
		}
	}()
	err := d.transcoder.StartTranscode(d.ctx, req.videoID, req.sourcePath, d.sink)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrAlreadyInProgress):
		d.logger.Info("transcode skipped", "video_id", req.videoID, "reason", "already processing")
	case errors.Is(err, models.ErrInterrupted):
		d.logger.Info("transcode requeued for next start", "video_id", req.videoID)
	default:
		d.logger.Warn("transcode session ended with error", "video_id", req.videoID, "error", err)
	}
}

func (d *Dispatcher) finish(videoID string) {
	d.mu.Lock()
	delete(d.inFlight, videoID)
	d.mu.Unlock()
}

func (d *Dispatcher) recover(ctx context.Context) {
	if d.store == nil {
		return
	}
	stale, err := d.store.ListVideosByStatus(ctx, models.VideoStatusProcessing)
	if err != nil {
		d.logger.Error("failed to list interrupted transcodes", "error", err)
	}
	reason := "transcode interrupted by restart"
	for _, video := range stale {
		if _, err := d.store.UpdateVideoStatus(ctx, video.ID, models.VideoStatusPending, models.VideoUpdate{Error: &reason}); err != nil {
			d.logger.Error("failed to reset interrupted transcode", "video_id", video.ID, "error", err)
		}
	}

	pending, err := d.store.ListVideosByStatus(ctx, models.VideoStatusPending)
	if err != nil {
		d.logger.Error("failed to list pending transcodes", "error", err)
		return
	}
	recovered := 0
	for _, video := range pending {
		if strings.TrimSpace(video.SourcePath) == "" {
			continue
		}
		if err := d.Enqueue(video.ID, ""); err != nil {
			d.logger.Warn("failed to requeue transcode", "video_id", video.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 || len(stale) > 0 {
		d.logger.Info("recovered transcodes", "requeued", recovered, "interrupted", len(stale))
	}
}
