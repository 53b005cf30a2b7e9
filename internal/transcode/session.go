package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"bitriver-vod/internal/encode"
	"bitriver-vod/internal/ladder"
	"bitriver-vod/internal/manifest"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/progress"
)

// session is the state of one StartTranscode call. Jobs only write their own
// slot in outcomes, so no locking is needed.
type session struct {
	orch      *Orchestrator
	videoID   string
	sessionID string
	source    string
	dir       string
	sink      progress.Sink
	logger    *slog.Logger
	started   time.Time

	media    models.SourceMedia
	profiles []models.QualityProfile
	outcomes []jobOutcome
}

type jobOutcome struct {
	profile models.QualityProfile
	result  encode.Result
	err     error
}

func (s *session) run(ctx context.Context) error {
	s.event(progress.StateProcessing, "")
	s.logger.Info("transcode session started", "source", s.source)

	if err := s.probe(ctx); err != nil {
		if ctx.Err() != nil {
			return s.interrupt(ctx)
		}
		s.logger.Error("probe failed", "error", err)
		s.fail(ctx, err.Error())
		recordSession("probe_failed")
		return sessionError(s.videoID, models.ErrProbeFailed, err)
	}

	duration := s.media.Duration
	if _, err := s.orch.catalog.UpdateVideoStatus(ctx, s.videoID, models.VideoStatusProcessing, models.VideoUpdate{Duration: &duration}); err != nil {
		if ctx.Err() != nil {
			return s.interrupt(ctx)
		}
		s.fail(ctx, err.Error())
		recordSession("failed")
		return fmt.Errorf("persist duration: %w", err)
	}

	s.profiles = ladder.Plan(s.media.Width, s.media.Height)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.fail(ctx, err.Error())
		recordSession("failed")
		return fmt.Errorf("create session directory: %w", err)
	}

	s.encodeAll(ctx)
	if ctx.Err() != nil {
		// Jobs killed by the cancellation say nothing about the source.
		return s.interrupt(ctx)
	}

	succeeded, failures := s.partition()
	if len(succeeded) == 0 {
		msg := fmt.Sprintf("all %d encodes failed", len(s.profiles))
		s.logger.Error("transcode session failed", "profiles", len(s.profiles), "error", errors.Join(failures...))
		s.fail(ctx, msg)
		recordSession("failed")
		return sessionError(s.videoID, models.ErrAllEncodesFailed, errors.Join(failures...))
	}

	if err := s.commit(ctx, succeeded); err != nil {
		if ctx.Err() != nil {
			return s.interrupt(ctx)
		}
		s.logger.Error("commit failed", "error", err)
		s.fail(ctx, err.Error())
		recordSession("failed")
		return err
	}

	outcome := "ready"
	if len(failures) > 0 {
		outcome = "degraded"
	}
	recordSession(outcome)
	s.event(progress.StateReady, "")
	s.logger.Info("transcode session finished",
		"profiles", len(s.profiles),
		"succeeded", len(succeeded),
		"failed", len(failures),
		"duration_ms", time.Since(s.started).Milliseconds(),
	)
	return nil
}

func (s *session) probe(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "transcode.probe")
	defer span.End()
	if s.source == "" {
		err := errors.New("source path is empty")
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	media, err := s.orch.prober.Probe(ctx, s.source)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "probe failed")
		return err
	}
	span.SetAttributes(
		attribute.Int("media.width", media.Width),
		attribute.Int("media.height", media.Height),
		attribute.Float64("media.duration", media.Duration),
	)
	s.media = media
	return nil
}

// encodeAll launches every planned profile at once and waits for all of them.
// Jobs never return an error to the group, so one failure cannot cancel its
// siblings.
func (s *session) encodeAll(ctx context.Context) {
	s.outcomes = make([]jobOutcome, len(s.profiles))
	timeout := s.orch.EncodeTimeout(s.media.Duration)
	var g errgroup.Group
	for i, profile := range s.profiles {
		g.Go(func() error {
			job := encode.Job{
				VideoID:   s.videoID,
				SessionID: s.sessionID,
				Source:    s.media,
				Profile:   profile,
				OutputDir: filepath.Join(s.dir, profile.Name),
				Timeout:   timeout,
			}
			result, err := s.orch.encoder.Run(ctx, job, s.sink)
			s.outcomes[i] = jobOutcome{profile: profile, result: result, err: err}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *session) partition() ([]jobOutcome, []error) {
	var succeeded []jobOutcome
	var failures []error
	for _, o := range s.outcomes {
		if o.err != nil {
			s.logger.Warn("rendition dropped", "profile", o.profile.Name, "error", o.err)
			failures = append(failures, o.err)
			continue
		}
		succeeded = append(succeeded, o)
	}
	return succeeded, failures
}

// commit records the successful renditions, writes the master playlist and
// flips the video to READY. The READY update is the publication point: until
// it lands, readers keep seeing the previous session.
func (s *session) commit(ctx context.Context, succeeded []jobOutcome) error {
	variants := make([]models.QualityVariant, 0, len(succeeded))
	for _, o := range succeeded {
		variant := o.result.Variant(path.Join(o.profile.Name, encode.PlaylistName))
		variant.CreatedAt = time.Now().UTC()
		if err := s.orch.catalog.CreateQualityRecord(ctx, s.videoID, s.sessionID, variant); err != nil {
			return fmt.Errorf("record %s: %w", o.profile.Name, err)
		}
		variants = append(variants, variant)
	}

	masterPath := filepath.Join(s.dir, manifest.MasterName)
	if err := writeFileAtomic(masterPath, []byte(manifest.Render(variants))); err != nil {
		return fmt.Errorf("write master manifest: %w", err)
	}

	if s.orch.publisher.Enabled() {
		key := path.Join(s.videoID, s.sessionID)
		if _, err := s.orch.publisher.PublishDir(ctx, s.dir, key); err != nil {
			return fmt.Errorf("publish output: %w", err)
		}
	}

	finalCtx, cancel := detached(ctx)
	defer cancel()
	duration := s.media.Duration
	sessionID := s.sessionID
	cleared := ""
	if _, err := s.orch.catalog.UpdateVideoStatus(finalCtx, s.videoID, models.VideoStatusReady, models.VideoUpdate{
		Duration:     &duration,
		ManifestPath: &masterPath,
		SessionID:    &sessionID,
		Error:        &cleared,
	}); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	return nil
}

func (s *session) fail(ctx context.Context, reason string) {
	finalCtx, cancel := detached(ctx)
	defer cancel()
	if _, err := s.orch.catalog.UpdateVideoStatus(finalCtx, s.videoID, models.VideoStatusFailed, models.VideoUpdate{Error: &reason}); err != nil {
		s.logger.Error("failed to persist failed status", "error", err)
	}
	s.event(progress.StateFailed, reason)
}

// interrupt hands the video back to the queue after the host cancelled the
// session. Recovery picks PENDING videos up on the next start.
func (s *session) interrupt(ctx context.Context) error {
	cause := context.Cause(ctx)
	reason := "transcode interrupted"
	finalCtx, cancel := detached(ctx)
	defer cancel()
	if _, err := s.orch.catalog.UpdateVideoStatus(finalCtx, s.videoID, models.VideoStatusPending, models.VideoUpdate{Error: &reason}); err != nil {
		s.logger.Error("failed to persist interrupted status", "error", err)
	}
	s.logger.Warn("transcode session interrupted", "error", cause, "duration_ms", time.Since(s.started).Milliseconds())
	recordSession("interrupted")
	s.event(progress.StateInterrupted, reason)
	return sessionError(s.videoID, models.ErrInterrupted, cause)
}

func (s *session) event(state progress.State, errMsg string) {
	e := progress.Event{
		VideoID:   s.videoID,
		SessionID: s.sessionID,
		State:     state,
		Error:     errMsg,
		At:        time.Now().UTC(),
	}
	if state == progress.StateReady {
		e.Percent = 100
	}
	defer func() { _ = recover() }()
	s.sink.Publish(e)
}
