package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bitriver-vod/internal/models"
	"bitriver-vod/internal/storage"
)

type storeFactory func(t *testing.T, opts ...storage.Option) storage.Store

// fixedClock hands out strictly increasing timestamps one second apart.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func runStoreScenarios(t *testing.T, factory storeFactory) {
	t.Run("CreateAndGetVideo", func(t *testing.T) { scenarioCreateAndGetVideo(t, factory) })
	t.Run("BeginProcessingGuards", func(t *testing.T) { scenarioBeginProcessing(t, factory) })
	t.Run("PublishSessionVariants", func(t *testing.T) { scenarioPublishSession(t, factory) })
	t.Run("ListByStatus", func(t *testing.T) { scenarioListByStatus(t, factory) })
	t.Run("WatchProgress", func(t *testing.T) { scenarioWatchProgress(t, factory) })
}

func scenarioCreateAndGetVideo(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	store := factory(t)

	created, err := store.CreateVideo(ctx, storage.CreateVideoParams{
		ID:         "vid-1",
		Title:      "  Launch Day ",
		SourcePath: "/uploads/vid-1.mp4",
		PosterURL:  "https://cdn.example.com/p.jpg",
		Subtitles:  []models.SubtitleTrack{{Language: "en", Label: "English", URL: "/subs/en.vtt"}},
	})
	if err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	if created.Status != models.VideoStatusPending {
		t.Fatalf("expected pending status, got %q", created.Status)
	}
	if created.Title != "Launch Day" {
		t.Fatalf("expected trimmed title, got %q", created.Title)
	}

	if _, err := store.CreateVideo(ctx, storage.CreateVideoParams{ID: "vid-1"}); !errors.Is(err, storage.ErrVideoExists) {
		t.Fatalf("expected ErrVideoExists, got %v", err)
	}
	if _, err := store.CreateVideo(ctx, storage.CreateVideoParams{ID: "  "}); !errors.Is(err, storage.ErrInvalidVideo) {
		t.Fatalf("expected ErrInvalidVideo, got %v", err)
	}

	got, err := store.GetVideo(ctx, "vid-1")
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if len(got.Subtitles) != 1 || got.Subtitles[0].Language != "en" {
		t.Fatalf("unexpected subtitles %+v", got.Subtitles)
	}
	if len(got.Variants) != 0 {
		t.Fatalf("expected no variants before publish, got %d", len(got.Variants))
	}

	if _, err := store.GetVideo(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func scenarioBeginProcessing(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	store := factory(t)
	if _, err := store.CreateVideo(ctx, storage.CreateVideoParams{ID: "vid-2", SourcePath: "/a.mp4"}); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}

	video, err := store.BeginProcessing(ctx, "vid-2", "/b.mp4")
	if err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	if video.Status != models.VideoStatusProcessing || video.SourcePath != "/b.mp4" {
		t.Fatalf("unexpected video after begin: %+v", video)
	}

	if _, err := store.BeginProcessing(ctx, "vid-2", ""); !errors.Is(err, models.ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}
	if _, err := store.BeginProcessing(ctx, "nope", ""); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	msg := "probe failed"
	if _, err := store.UpdateVideoStatus(ctx, "vid-2", models.VideoStatusFailed, models.VideoUpdate{Error: &msg}); err != nil {
		t.Fatalf("UpdateVideoStatus: %v", err)
	}
	again, err := store.BeginProcessing(ctx, "vid-2", "")
	if err != nil {
		t.Fatalf("BeginProcessing after failure: %v", err)
	}
	if again.SourcePath != "/b.mp4" {
		t.Fatalf("expected source path to be kept, got %q", again.SourcePath)
	}
	if again.Error != "" {
		t.Fatalf("expected error to be cleared, got %q", again.Error)
	}
}

func scenarioPublishSession(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	store := factory(t)
	if _, err := store.CreateVideo(ctx, storage.CreateVideoParams{ID: "vid-3"}); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	if _, err := store.BeginProcessing(ctx, "vid-3", "/src.mp4"); err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}

	variants := []models.QualityVariant{
		{Profile: "HD_720", Width: 1280, Height: 720, BitrateKbps: 2800, Path: "HD_720/playlist.m3u8", SizeBytes: 10, SegmentCount: 2},
		{Profile: "SD_360", Width: 640, Height: 360, BitrateKbps: 800, Path: "SD_360/playlist.m3u8", SizeBytes: 4, SegmentCount: 2},
	}
	for _, v := range variants {
		if err := store.CreateQualityRecord(ctx, "vid-3", "session-a", v); err != nil {
			t.Fatalf("CreateQualityRecord: %v", err)
		}
	}
	if err := store.CreateQualityRecord(ctx, "ghost", "session-a", variants[0]); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown video, got %v", err)
	}

	pending, err := store.GetVideo(ctx, "vid-3")
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if len(pending.Variants) != 0 {
		t.Fatalf("unpublished session must stay hidden, got %d variants", len(pending.Variants))
	}

	duration := 120.5
	manifest := "/out/vid-3/session-a/master.m3u8"
	session := "session-a"
	ready, err := store.UpdateVideoStatus(ctx, "vid-3", models.VideoStatusReady, models.VideoUpdate{
		Duration:     &duration,
		ManifestPath: &manifest,
		SessionID:    &session,
	})
	if err != nil {
		t.Fatalf("UpdateVideoStatus: %v", err)
	}
	if ready.Status != models.VideoStatusReady || ready.ReadyAt == nil {
		t.Fatalf("expected ready with timestamp, got %+v", ready)
	}
	if ready.Duration != duration || ready.ManifestPath != manifest {
		t.Fatalf("unexpected ready video %+v", ready)
	}
	if len(ready.Variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(ready.Variants))
	}
	if ready.Variants[0].Profile != "SD_360" || ready.Variants[1].Profile != "HD_720" {
		t.Fatalf("expected bitrate ordering, got %s,%s", ready.Variants[0].Profile, ready.Variants[1].Profile)
	}

	if _, err := store.UpdateVideoStatus(ctx, "vid-3", models.VideoStatus("bogus"), models.VideoUpdate{}); !errors.Is(err, storage.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := store.UpdateVideoStatus(ctx, "ghost", models.VideoStatusFailed, models.VideoUpdate{}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func scenarioListByStatus(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newFixedClock()
	store := factory(t, storage.WithClock(clock.Now))
	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.CreateVideo(ctx, storage.CreateVideoParams{ID: id}); err != nil {
			t.Fatalf("CreateVideo %s: %v", id, err)
		}
	}
	if _, err := store.BeginProcessing(ctx, "b", ""); err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}

	pending, err := store.ListVideosByStatus(ctx, models.VideoStatusPending)
	if err != nil {
		t.Fatalf("ListVideosByStatus: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "a" || pending[1].ID != "c" {
		t.Fatalf("unexpected pending list %+v", pending)
	}
	processing, err := store.ListVideosByStatus(ctx, models.VideoStatusProcessing)
	if err != nil {
		t.Fatalf("ListVideosByStatus: %v", err)
	}
	if len(processing) != 1 || processing[0].ID != "b" {
		t.Fatalf("unexpected processing list %+v", processing)
	}
}

func scenarioWatchProgress(t *testing.T, factory storeFactory) {
	ctx := context.Background()
	clock := newFixedClock()
	store := factory(t, storage.WithClock(clock.Now))

	if _, ok, err := store.GetWatchProgress(ctx, "u1", "v1"); err != nil || ok {
		t.Fatalf("expected no progress, got ok=%v err=%v", ok, err)
	}

	entries := []models.WatchProgress{
		{UserID: "u1", VideoID: "v1", Position: 30, Duration: 100},
		{UserID: "u1", VideoID: "v2", Position: 95, Duration: 100, Completed: true},
		{UserID: "u1", VideoID: "v3", Position: 0, Duration: 100},
		{UserID: "u1", VideoID: "v4", Position: 10, Duration: 100},
		{UserID: "u2", VideoID: "v1", Position: 50, Duration: 100},
	}
	for _, entry := range entries {
		if _, err := store.UpsertWatchProgress(ctx, entry); err != nil {
			t.Fatalf("UpsertWatchProgress: %v", err)
		}
	}

	updated, err := store.UpsertWatchProgress(ctx, models.WatchProgress{UserID: "u1", VideoID: "v1", Position: 45, Duration: 100})
	if err != nil {
		t.Fatalf("UpsertWatchProgress: %v", err)
	}
	if updated.UpdatedAt.IsZero() {
		t.Fatal("expected upsert to stamp updatedAt")
	}

	got, ok, err := store.GetWatchProgress(ctx, "u1", "v1")
	if err != nil || !ok {
		t.Fatalf("GetWatchProgress: ok=%v err=%v", ok, err)
	}
	if got.Position != 45 {
		t.Fatalf("expected single row with latest position, got %v", got.Position)
	}

	list, err := store.ListInProgress(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListInProgress: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 in-progress entries, got %+v", list)
	}
	if list[0].VideoID != "v1" || list[1].VideoID != "v4" {
		t.Fatalf("expected most recent first, got %s,%s", list[0].VideoID, list[1].VideoID)
	}

	limited, err := store.ListInProgress(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("ListInProgress: %v", err)
	}
	if len(limited) != 1 || limited[0].VideoID != "v1" {
		t.Fatalf("unexpected limited list %+v", limited)
	}
}
