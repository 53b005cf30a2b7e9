package encode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/progress"
)

var tracer = otel.Tracer("bitriver-vod/encode")

type Config struct {
	FFmpegPath string
	VideoCodec string
	Preset     string
	// Limiter is shared by every Runner in the process. Nil means unbounded.
	Limiter *Limiter
	// WaitDelay bounds how long Run waits for output pipes after the process
	// group has been killed.
	WaitDelay time.Duration
	Logger    *slog.Logger
}

type Runner struct {
	ffmpegPath string
	args       argsConfig
	limiter    *Limiter
	waitDelay  time.Duration
	logger     *slog.Logger
}

func NewRunner(cfg Config) *Runner {
	path := strings.TrimSpace(cfg.FFmpegPath)
	if path == "" {
		path = "ffmpeg"
	}
	codec := strings.TrimSpace(cfg.VideoCodec)
	if codec == "" {
		codec = "libx264"
	}
	preset := strings.TrimSpace(cfg.Preset)
	if preset == "" {
		preset = "veryfast"
	}
	waitDelay := cfg.WaitDelay
	if waitDelay <= 0 {
		waitDelay = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		ffmpegPath: path,
		args:       argsConfig{VideoCodec: codec, Preset: preset},
		limiter:    cfg.Limiter,
		waitDelay:  waitDelay,
		logger:     logger,
	}
}

// Run encodes one profile. It blocks until a limiter slot is free, then until
// the encoder exits. Any failure, including spawn errors and timeouts, is
// returned as an *EncodeError. Partial output is left on disk.
func (r *Runner) Run(ctx context.Context, job Job, sink progress.Sink) (Result, error) {
	if sink == nil {
		sink = progress.Discard
	}
	profile := job.Profile.Name
	logger := r.logger.With("video_id", job.VideoID, "session_id", job.SessionID, "profile", profile)

	ctx, span := tracer.Start(ctx, "encode.job")
	span.SetAttributes(
		attribute.String("video.id", job.VideoID),
		attribute.String("encode.profile", profile),
	)
	defer span.End()

	fail := func(err error, timedOut bool, stderr string) (Result, error) {
		encErr := &EncodeError{Profile: profile, TimedOut: timedOut, Stderr: stderr, Err: err}
		span.RecordError(encErr)
		span.SetStatus(codes.Error, "encode failed")
		publish(sink, progress.Event{
			VideoID:   job.VideoID,
			SessionID: job.SessionID,
			Profile:   profile,
			State:     progress.StateFailed,
			Error:     encErr.Error(),
			At:        time.Now().UTC(),
		})
		return Result{}, encErr
	}

	if strings.TrimSpace(job.OutputDir) == "" {
		return fail(errors.New("output directory is required"), false, "")
	}
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return fail(fmt.Errorf("create output directory: %w", err), false, "")
	}

	if r.limiter != nil {
		release, err := r.limiter.Acquire(ctx)
		if err != nil {
			return fail(fmt.Errorf("wait for encoder slot: %w", err), false, "")
		}
		defer release()
	}
	metrics.ActiveEncodes.Inc()
	defer metrics.ActiveEncodes.Dec()

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, r.ffmpegPath, buildArgs(r.args, job)...)
	configureProcessGroup(cmd)
	cmd.WaitDelay = r.waitDelay
	stderr := newStderrWriter(logger, 8)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(fmt.Errorf("attach progress pipe: %w", err), false, "")
	}

	logger.Info("encode started", "width", job.Profile.Width, "height", job.Profile.Height, "bitrate_kbps", job.Profile.VideoBitrateKbps)
	if err := cmd.Start(); err != nil {
		metrics.ObserveEncode(profile, metrics.EncodeFailed, time.Since(start))
		return fail(fmt.Errorf("start encoder: %w", err), false, "")
	}

	duration := job.Source.Duration
	readErr := readProgress(stdout, func(sample progressSample) {
		pct := percentComplete(sample.OutTimeSeconds, duration)
		if sample.Done {
			pct = 100
		}
		publish(sink, progress.Event{
			VideoID:     job.VideoID,
			SessionID:   job.SessionID,
			Profile:     profile,
			State:       progress.StateRunning,
			Percent:     pct,
			BitrateKbps: sample.BitrateKbps,
			At:          time.Now().UTC(),
		})
	})
	// A parse error stops readProgress early; keep the pipe flowing so the
	// encoder never blocks on a full stdout.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	if waitErr != nil || runCtx.Err() != nil {
		timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		if ctx.Err() != nil {
			metrics.ObserveEncode(profile, metrics.EncodeCancelled, elapsed)
		} else {
			metrics.ObserveEncode(profile, metrics.EncodeFailed, elapsed)
		}
		cause := waitErr
		switch {
		case timedOut:
			cause = fmt.Errorf("%w after %s", ErrTimeout, job.Timeout)
		case ctx.Err() != nil:
			cause = ctx.Err()
		case cause == nil:
			cause = runCtx.Err()
		}
		logger.Warn("encode failed", "error", cause, "elapsed_ms", elapsed.Milliseconds(), "timed_out", timedOut)
		return fail(cause, timedOut, stderr.Tail())
	}
	if readErr != nil {
		logger.Debug("progress stream ended with error", "error", readErr)
	}

	size, segments, err := inventory(job.OutputDir)
	if err != nil {
		metrics.ObserveEncode(profile, metrics.EncodeFailed, elapsed)
		return fail(err, false, stderr.Tail())
	}
	metrics.ObserveEncode(profile, metrics.EncodeSucceeded, elapsed)

	result := Result{
		Profile:      job.Profile,
		OutputDir:    job.OutputDir,
		PlaylistPath: filepath.Join(job.OutputDir, PlaylistName),
		SizeBytes:    size,
		SegmentCount: segments,
		Elapsed:      elapsed,
	}
	publish(sink, progress.Event{
		VideoID:   job.VideoID,
		SessionID: job.SessionID,
		Profile:   profile,
		State:     progress.StateSucceeded,
		Percent:   100,
		At:        time.Now().UTC(),
	})
	logger.Info("encode finished", "size_bytes", size, "segments", segments, "elapsed_ms", elapsed.Milliseconds())
	return result, nil
}

// inventory sums the sizes of every segment the encoder produced. A missing
// variant playlist or an empty segment set means the output is unusable.
func inventory(dir string) (int64, int, error) {
	if _, err := os.Stat(filepath.Join(dir, PlaylistName)); err != nil {
		return 0, 0, fmt.Errorf("variant playlist missing: %w", err)
	}
	var total int64
	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".ts" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		count++
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("measure output: %w", err)
	}
	if count == 0 {
		return 0, 0, errors.New("encoder produced no segments")
	}
	return total, count, nil
}

// publish hands an event to the sink. A misbehaving sink must not take the
// encode down with it.
func publish(sink progress.Sink, e progress.Event) {
	defer func() { _ = recover() }()
	sink.Publish(e)
}
