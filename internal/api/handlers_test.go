package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bitriver-vod/internal/cache"
	"bitriver-vod/internal/manifest"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/playback"
	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/transcode"
)

type fakeTranscodes struct {
	mu      sync.Mutex
	queued  map[string]string
	err     error
	pingErr error
}

func (f *fakeTranscodes) Enqueue(videoID, sourcePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.queued == nil {
		f.queued = make(map[string]string)
	}
	f.queued[videoID] = sourcePath
	return nil
}

func (f *fakeTranscodes) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queued)
}

func (f *fakeTranscodes) Ping(context.Context) error { return f.pingErr }

func (f *fakeTranscodes) source(videoID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.queued[videoID]
	return src, ok
}

type testEnv struct {
	handler    *Handler
	store      *storage.MemoryStore
	transcodes *fakeTranscodes
	mediaRoot  string
}

// steppingClock advances one second per call so progress ordering is stable.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func newTestHandler(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	c := cache.NewMemoryCache()
	transcodes := &fakeTranscodes{}
	handler := &Handler{
		Catalog:    store,
		Transcodes: transcodes,
		Manifests:  manifest.NewService(manifest.Config{Catalog: store, Progress: store, Cache: c, Logger: logger}),
		Tracker:    playback.NewTracker(playback.Config{Store: store, Catalog: store, Cache: c, Logger: logger, Now: steppingClock()}),
		Cache:      c,
		Logger:     logger,
	}
	return &testEnv{handler: handler, store: store, transcodes: transcodes, mediaRoot: t.TempDir()}
}

// publishVideo creates a READY video whose published session holds the given
// profiles, with playlists and one segment per profile on disk.
func (e *testEnv) publishVideo(t *testing.T, id string, profiles ...string) models.Video {
	t.Helper()
	ctx := context.Background()
	if _, err := e.store.CreateVideo(ctx, storage.CreateVideoParams{ID: id, Title: "Title " + id, SourcePath: "/src/" + id + ".mp4"}); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	if _, err := e.store.BeginProcessing(ctx, id, ""); err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	sessionID := "session-" + id
	sessionDir := filepath.Join(e.mediaRoot, id, sessionID)
	bitrates := map[string]int{"SD_360": 896, "SD_480": 1296, "HD_720": 2628, "FHD_1080": 5192, "UHD_4K": 15192}
	heights := map[string]int{"SD_360": 360, "SD_480": 480, "HD_720": 720, "FHD_1080": 1080, "UHD_4K": 2160}
	for _, profile := range profiles {
		dir := filepath.Join(sessionDir, profile)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte("#EXTM3U\n"), 0o644); err != nil {
			t.Fatalf("write playlist: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "segment_00000.ts"), []byte("ts-"+profile), 0o644); err != nil {
			t.Fatalf("write segment: %v", err)
		}
		variant := models.QualityVariant{
			Profile:     profile,
			Width:       heights[profile] * 16 / 9,
			Height:      heights[profile],
			BitrateKbps: bitrates[profile],
			Path:        profile + "/playlist.m3u8",
		}
		if err := e.store.CreateQualityRecord(ctx, id, sessionID, variant); err != nil {
			t.Fatalf("CreateQualityRecord: %v", err)
		}
	}
	masterPath := filepath.Join(sessionDir, "master.m3u8")
	duration := 120.0
	empty := ""
	video, err := e.store.UpdateVideoStatus(ctx, id, models.VideoStatusReady, models.VideoUpdate{
		Duration:     &duration,
		ManifestPath: &masterPath,
		SessionID:    &sessionID,
		Error:        &empty,
	})
	if err != nil {
		t.Fatalf("UpdateVideoStatus: %v", err)
	}
	return video
}

func doRequest(handler http.HandlerFunc, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestCreateVideoQueuesTranscode(t *testing.T) {
	env := newTestHandler(t)
	body, _ := json.Marshal(map[string]interface{}{
		"title":      "Launch",
		"sourcePath": "/uploads/launch.mp4",
	})
	rec := doRequest(env.handler.Videos, http.MethodPost, "/v1/videos", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp videoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID == "" {
		t.Fatal("expected generated id")
	}
	if resp.Status != string(models.VideoStatusPending) {
		t.Fatalf("expected pending status, got %s", resp.Status)
	}
	if resp.Transcode == nil || !resp.Transcode.Queued {
		t.Fatalf("expected transcode to be queued, got %+v", resp.Transcode)
	}
	if src, ok := env.transcodes.source(resp.ID); !ok || src != "/uploads/launch.mp4" {
		t.Fatalf("expected enqueue with source, got %q (%v)", src, ok)
	}
}

func TestCreateVideoRejectsUnknownFieldsAndDuplicates(t *testing.T) {
	env := newTestHandler(t)

	rec := doRequest(env.handler.Videos, http.MethodPost, "/v1/videos", []byte(`{"title":"x","bogus":1}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}

	body := []byte(`{"id":"vid-1","title":"One"}`)
	if rec := doRequest(env.handler.Videos, http.MethodPost, "/v1/videos", body, nil); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if _, ok := env.transcodes.source("vid-1"); ok {
		t.Fatal("video without source must not be queued")
	}
	if rec := doRequest(env.handler.Videos, http.MethodPost, "/v1/videos", body, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rec.Code)
	}
	if rec := doRequest(env.handler.Videos, http.MethodPost, "/v1/videos", []byte(`{"id":"../etc"}`), nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsafe id, got %d", rec.Code)
	}
}

func TestTranscodeEndpoint(t *testing.T) {
	env := newTestHandler(t)
	ctx := context.Background()
	if _, err := env.store.CreateVideo(ctx, storage.CreateVideoParams{ID: "vid", Title: "Video"}); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}

	rec := doRequest(env.handler.VideoByID, http.MethodPost, "/v1/videos/vid/transcode", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without any source, got %d", rec.Code)
	}

	rec = doRequest(env.handler.VideoByID, http.MethodPost, "/v1/videos/vid/transcode", []byte(`{"sourcePath":"/in.mov"}`), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if src, _ := env.transcodes.source("vid"); src != "/in.mov" {
		t.Fatalf("expected queued source /in.mov, got %q", src)
	}

	if _, err := env.store.BeginProcessing(ctx, "vid", ""); err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	rec = doRequest(env.handler.VideoByID, http.MethodPost, "/v1/videos/vid/transcode", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while processing, got %d", rec.Code)
	}

	rec = doRequest(env.handler.VideoByID, http.MethodPost, "/v1/videos/missing/transcode", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown video, got %d", rec.Code)
	}
}

func TestTranscodeEndpointQueueFull(t *testing.T) {
	env := newTestHandler(t)
	env.publishVideo(t, "vid", "SD_480")
	env.transcodes.err = transcode.ErrQueueFull

	rec := doRequest(env.handler.VideoByID, http.MethodPost, "/v1/videos/vid/transcode", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestMasterManifestFiltersByEntitlement(t *testing.T) {
	env := newTestHandler(t)
	env.publishVideo(t, "vid", "SD_480", "HD_720", "FHD_1080")

	rec := doRequest(env.handler.VideoByID, http.MethodGet, "/v1/videos/vid/master.m3u8", nil, map[string]string{maxQualityHeader: "hd-720"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "#EXTM3U\n#EXT-X-VERSION:3\n") {
		t.Fatalf("unexpected manifest header: %q", body)
	}
	if !strings.Contains(body, `NAME="HD_720"`) || strings.Contains(body, "FHD_1080") {
		t.Fatalf("manifest not filtered to HD_720: %q", body)
	}
	if strings.Index(body, "SD_480") > strings.Index(body, "HD_720") {
		t.Fatalf("expected ascending bitrate order: %q", body)
	}

	rec = doRequest(env.handler.VideoByID, http.MethodGet, "/v1/videos/vid/master.m3u8?maxQuality=FHD_1080", nil, nil)
	if !strings.Contains(rec.Body.String(), "FHD_1080/playlist.m3u8") {
		t.Fatalf("expected query tier to include FHD_1080: %q", rec.Body.String())
	}

	rec = doRequest(env.handler.VideoByID, http.MethodGet, "/v1/videos/vid/master.m3u8?maxQuality=8K", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tier, got %d", rec.Code)
	}
}

func TestMasterManifestNotReadyIncludesStatus(t *testing.T) {
	env := newTestHandler(t)
	if _, err := env.store.CreateVideo(context.Background(), storage.CreateVideoParams{ID: "vid", Title: "Video"}); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}

	rec := doRequest(env.handler.VideoByID, http.MethodGet, "/v1/videos/vid/master.m3u8", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	payload := decodeError(t, rec)
	if payload["status"] != string(models.VideoStatusPending) {
		t.Fatalf("expected pending status in body, got %v", payload)
	}

	rec = doRequest(env.handler.VideoByID, http.MethodGet, "/v1/videos/nope/master.m3u8", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRenditionFileEnforcesEntitlement(t *testing.T) {
	env := newTestHandler(t)
	env.publishVideo(t, "vid", "SD_480", "HD_720")
	tier := map[string]string{maxQualityHeader: "SD_480"}

	rec := doRequest(env.handler.VideoByID, http.MethodGet, "/v1/videos/vid/SD_480/segment_00000.ts", nil, tier)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "ts-SD_480" {
		t.Fatalf("unexpected segment body %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp2t" {
		t.Fatalf("unexpected content type %q", ct)
	}

	cases := []struct {
		name   string
		target string
		want   int
	}{
		{"above tier", "/v1/videos/vid/HD_720/playlist.m3u8", http.StatusForbidden},
		{"unknown profile", "/v1/videos/vid/ULTRA/playlist.m3u8", http.StatusNotFound},
		{"not produced", "/v1/videos/vid/SD_360/playlist.m3u8", http.StatusNotFound},
		{"bad file name", "/v1/videos/vid/SD_480/secrets.txt", http.StatusNotFound},
		{"missing segment", "/v1/videos/vid/SD_480/segment_00042.ts", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(env.handler.VideoByID, http.MethodGet, tc.target, nil, tier)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRenditionFileServedDuringRetranscode(t *testing.T) {
	env := newTestHandler(t)
	env.publishVideo(t, "vid", "SD_480")
	if _, err := env.store.BeginProcessing(context.Background(), "vid", ""); err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}

	rec := doRequest(env.handler.VideoByID, http.MethodGet, "/v1/videos/vid/SD_480/playlist.m3u8", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected published rendition to stay servable, got %d", rec.Code)
	}
	rec = doRequest(env.handler.VideoByID, http.MethodGet, "/v1/videos/vid/master.m3u8", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected master manifest to be unavailable while processing, got %d", rec.Code)
	}
}

func TestRenditionFileLogsOpenError(t *testing.T) {
	original := openRenditionFile
	t.Cleanup(func() { openRenditionFile = original })

	env := newTestHandler(t)
	env.publishVideo(t, "vid", "SD_480")
	var logs bytes.Buffer
	env.handler.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	openRenditionFile = func(string) (*os.File, error) { return nil, errors.New("disk offline") }

	rec := doRequest(env.handler.VideoByID, http.MethodGet, "/v1/videos/vid/SD_480/playlist.m3u8", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if payload := decodeError(t, rec); payload["error"] != "rendition unavailable" {
		t.Fatalf("unexpected error body %v", payload)
	}
	if !strings.Contains(logs.String(), "disk offline") {
		t.Fatalf("expected open error to be logged: %s", logs.String())
	}
}

type stubPublisher struct{ base string }

func (stubPublisher) Enabled() bool { return true }

func (stubPublisher) PublishDir(context.Context, string, string) (int, error) { return 0, nil }

func (p stubPublisher) PublicURL(key string) string { return p.base + "/" + key }

func TestRenditionFileRedirectsToObjectStore(t *testing.T) {
	env := newTestHandler(t)
	env.publishVideo(t, "vid", "SD_480")
	env.handler.Publisher = stubPublisher{base: "https://cdn.example.com"}

	rec := doRequest(env.handler.VideoByID, http.MethodGet, "/v1/videos/vid/SD_480/segment_00000.ts", nil, nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	want := "https://cdn.example.com/vid/session-vid/SD_480/segment_00000.ts"
	if loc := rec.Header().Get("Location"); loc != want {
		t.Fatalf("expected redirect to %s, got %s", want, loc)
	}
}

func TestStreamInfoIncludesProgress(t *testing.T) {
	env := newTestHandler(t)
	env.publishVideo(t, "vid", "SD_480", "HD_720", "FHD_1080")
	user := map[string]string{userIDHeader: "alice", maxQualityHeader: "HD_720"}

	rec := doRequest(env.handler.Progress, http.MethodPost, "/v1/progress", []byte(`{"videoId":"vid","position":30,"duration":120}`), user)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(env.handler.VideoByID, http.MethodGet, "/v1/videos/vid/stream", nil, user)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var info models.StreamInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(info.Qualities) != 2 || info.Qualities[0].Profile != "SD_480" || info.Qualities[1].Profile != "HD_720" {
		t.Fatalf("unexpected qualities %+v", info.Qualities)
	}
	if info.Progress == nil || info.Progress.Position != 30 || info.Progress.Completed {
		t.Fatalf("unexpected progress %+v", info.Progress)
	}
	if !strings.HasSuffix(info.ManifestURL, "/v1/videos/vid/master.m3u8?maxQuality=HD_720") {
		t.Fatalf("unexpected manifest url %q", info.ManifestURL)
	}

	rec = doRequest(env.handler.Progress, http.MethodPost, "/v1/progress", []byte(`{"videoId":"vid","position":115,"duration":120}`), user)
	var snapshot models.ProgressSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !snapshot.Completed {
		t.Fatalf("expected completion at 95%%+, got %+v", snapshot)
	}

	rec = doRequest(env.handler.VideoByID, http.MethodGet, "/v1/videos/vid/stream", nil, user)
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Progress == nil || !info.Progress.Completed {
		t.Fatalf("expected cached stream info to be invalidated, got %+v", info.Progress)
	}
}

func TestProgressValidation(t *testing.T) {
	env := newTestHandler(t)
	user := map[string]string{userIDHeader: "alice"}

	cases := []struct {
		name    string
		body    string
		headers map[string]string
		want    int
	}{
		{"missing user", `{"videoId":"v","position":1,"duration":2}`, nil, http.StatusUnauthorized},
		{"missing position", `{"videoId":"v","duration":2}`, user, http.StatusBadRequest},
		{"negative position", `{"videoId":"v","position":-1,"duration":2}`, user, http.StatusBadRequest},
		{"malformed", `{"videoId":`, user, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(env.handler.Progress, http.MethodPost, "/v1/progress", []byte(tc.body), tc.headers)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestContinueWatching(t *testing.T) {
	env := newTestHandler(t)
	env.publishVideo(t, "a", "SD_480")
	env.publishVideo(t, "b", "SD_480")
	user := map[string]string{userIDHeader: "alice"}

	for _, body := range []string{
		`{"videoId":"a","position":10,"duration":100}`,
		`{"videoId":"b","position":20,"duration":100}`,
	} {
		if rec := doRequest(env.handler.Progress, http.MethodPost, "/v1/progress", []byte(body), user); rec.Code != http.StatusOK {
			t.Fatalf("progress: %d %s", rec.Code, rec.Body.String())
		}
	}

	rec := doRequest(env.handler.Users, http.MethodGet, "/v1/users/alice/continue-watching?limit=1", nil, user)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var entries []models.ContinueWatchingEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].VideoID != "b" || entries[0].Title != "Title b" {
		t.Fatalf("expected most recent entry first, got %+v", entries[0])
	}

	rec = doRequest(env.handler.Users, http.MethodGet, "/v1/users/alice/continue-watching?limit=abc", nil, user)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
	rec = doRequest(env.handler.Users, http.MethodGet, "/v1/users/alice/continue-watching", nil, map[string]string{userIDHeader: "mallory"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user, got %d", rec.Code)
	}
	rec = doRequest(env.handler.Users, http.MethodGet, "/v1/users/bob/continue-watching", nil, nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHealthReportsDegradedComponents(t *testing.T) {
	env := newTestHandler(t)

	rec := doRequest(env.handler.Health, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	env.transcodes.pingErr = transcode.ErrDispatcherClosed
	rec = doRequest(env.handler.Health, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var payload struct {
		Status   string            `json:"status"`
		Services []componentStatus `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "degraded" {
		t.Fatalf("expected degraded, got %s", payload.Status)
	}
	found := false
	for _, svc := range payload.Services {
		if svc.Component == "transcode_queue" && svc.Status == "degraded" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected degraded transcode_queue component, got %+v", payload.Services)
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrNotReady, http.StatusConflict},
		{models.ErrAlreadyInProgress, http.StatusConflict},
		{models.ErrInvalidProgress, http.StatusBadRequest},
		{models.ErrInvalidQuality, http.StatusBadRequest},
		{transcode.ErrQueueFull, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Errorf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
