package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"bitriver-vod/internal/api"
	"bitriver-vod/internal/cache"
	"bitriver-vod/internal/manifest"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/playback"
	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/testsupport/redisstub"
)

func newTestHandler(t *testing.T) (*api.Handler, *storage.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	c := cache.NewMemoryCache()
	return &api.Handler{
		Catalog:   store,
		Manifests: manifest.NewService(manifest.Config{Catalog: store, Progress: store, Cache: c, Logger: logger}),
		Tracker:   playback.NewTracker(playback.Config{Store: store, Catalog: store, Cache: c, Logger: logger}),
		Cache:     c,
		Logger:    logger,
	}, store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func progressRequest(user, videoID string) *http.Request {
	body := `{"videoId":"` + videoID + `","position":10,"duration":100}`
	req := httptest.NewRequest(http.MethodPost, "/v1/progress", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	return req
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestServerRoutes(t *testing.T) {
	handler, store := newTestHandler(t)
	if _, err := store.CreateVideo(context.Background(), storage.CreateVideoParams{ID: "vid-1", Title: "First"}); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	stream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv, err := New(handler, Config{Logger: quietLogger(), ProgressStream: stream})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	for _, tc := range []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "health", method: http.MethodGet, path: "/healthz", want: http.StatusOK},
		{name: "list", method: http.MethodGet, path: "/v1/videos?status=pending", want: http.StatusOK},
		{name: "get", method: http.MethodGet, path: "/v1/videos/vid-1", want: http.StatusOK},
		{name: "missing", method: http.MethodGet, path: "/v1/videos/nope", want: http.StatusNotFound},
		{name: "not ready", method: http.MethodGet, path: "/v1/videos/vid-1/master.m3u8", want: http.StatusConflict},
		{name: "continue watching", method: http.MethodGet, path: "/v1/users/u1/continue-watching", want: http.StatusOK},
		{name: "progress stream", method: http.MethodGet, path: "/v1/progress/ws", want: http.StatusTeapot},
		{name: "unknown", method: http.MethodGet, path: "/v2/other", want: http.StatusNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
			if rec.Code != tc.want {
				t.Fatalf("%s %s: expected %d, got %d (%s)", tc.method, tc.path, tc.want, rec.Code, rec.Body.String())
			}
			if rec.Header().Get("X-Request-Id") == "" {
				t.Fatal("expected request id header")
			}
		})
	}
}

func TestServerWithoutProgressStreamReturnsNotFound(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/progress/ws", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a progress stream, got %d", rec.Code)
	}
}

func TestServerExposesMetrics(t *testing.T) {
	handler, _ := newTestHandler(t)
	registry := prometheus.NewRegistry()
	metrics.Register(registry)
	srv, err := New(handler, Config{Logger: quietLogger(), Gatherer: registry})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/videos", nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics endpoint to respond 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "vod_http_requests_total") {
		t.Fatalf("expected request counter in metrics output, got %s", rec.Body.String())
	}
}

func TestGlobalRateLimitRejectsBursts(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{
		Logger:    quietLogger(),
		RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	first := httptest.NewRecorder()
	srv.Handler().ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/v1/videos", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	srv.Handler().ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/v1/videos", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	health := httptest.NewRecorder()
	srv.Handler().ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("expected health checks to bypass the limiter, got %d", health.Code)
	}
}

func TestProgressRateLimitIsPerViewer(t *testing.T) {
	handler, store := newTestHandler(t)
	if _, err := store.CreateVideo(context.Background(), storage.CreateVideoParams{ID: "vid-1", Title: "First"}); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	srv, err := New(handler, Config{
		Logger:    quietLogger(),
		RateLimit: RateLimitConfig{ProgressLimit: 2, ProgressWindow: time.Hour},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, progressRequest("alice", "vid-1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("update %d: expected 200, got %d (%s)", i, rec.Code, rec.Body.String())
		}
	}

	limited := httptest.NewRecorder()
	srv.Handler().ServeHTTP(limited, progressRequest("alice", "vid-1"))
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for third update, got %d", limited.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(limited.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["error"] == "" {
		t.Fatal("expected error message in body")
	}
	if limited.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	other := httptest.NewRecorder()
	srv.Handler().ServeHTTP(other, progressRequest("bob", "vid-1"))
	if other.Code != http.StatusOK {
		t.Fatalf("expected another viewer to be unaffected, got %d", other.Code)
	}

	reads := httptest.NewRecorder()
	srv.Handler().ServeHTTP(reads, httptest.NewRequest(http.MethodGet, "/v1/videos", nil))
	if reads.Code != http.StatusOK {
		t.Fatalf("expected reads to be unaffected, got %d", reads.Code)
	}
}

func TestProgressRateLimitSharedThroughRedis(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })
	client := redis.NewClient(&redis.Options{Addr: stub.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })

	cfg := RateLimitConfig{ProgressLimit: 1, ProgressWindow: time.Minute, Redis: client, RedisPrefix: "test:"}
	first := newRateLimiter(cfg)
	second := newRateLimiter(cfg)
	ctx := context.Background()

	allowed, _, err := first.AllowProgress(ctx, "alice")
	if err != nil || !allowed {
		t.Fatalf("expected first update to pass, allowed=%v err=%v", allowed, err)
	}
	allowed, retry, err := second.AllowProgress(ctx, "alice")
	if err != nil {
		t.Fatalf("AllowProgress error: %v", err)
	}
	if allowed {
		t.Fatal("expected second instance to see the shared counter")
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("unexpected retry hint %s", retry)
	}
	if stub.CommandCount("EXPIRE") != 1 {
		t.Fatalf("expected one EXPIRE, got %d", stub.CommandCount("EXPIRE"))
	}

	keys := stub.Keys()
	if len(keys) != 1 || keys[0] != "test:progress:alice" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestProgressRateLimitFailsClosedWhenRedisDown(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: stub.Addr(), Protocol: 2, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	_ = stub.Close()

	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{
		Logger:    quietLogger(),
		RateLimit: RateLimitConfig{ProgressLimit: 5, ProgressWindow: time.Minute, Redis: client},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, progressRequest("alice", "vid-1"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the limiter store is down, got %d", rec.Code)
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{Addr: "127.0.0.1:0", Logger: quietLogger(), ShutdownTimeout: time.Second})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, ready) }()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not become ready")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestExtractClientIP(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded", headers: map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, remote: "10.0.0.2:1234", want: "203.0.113.9"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": " 198.51.100.4 "}, remote: "10.0.0.2:1234", want: "198.51.100.4"},
		{name: "remote addr", remote: "192.0.2.7:5555", want: "192.0.2.7"},
		{name: "remote without port", remote: "192.0.2.8", want: "192.0.2.8"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := extractClientIP(req); got != tc.want {
				t.Fatalf("extractClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSpanRouteCollapsesIdentifiers(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"/v1/videos":                             "/v1/videos",
		"/v1/videos/abc":                         "/v1/videos/{id}",
		"/v1/videos/abc/master.m3u8":             "/v1/videos/{id}/master.m3u8",
		"/v1/videos/abc/HD_720/segment_00002.ts": "/v1/videos/{id}/{quality}/{file}",
		"/v1/users/u1/continue-watching":         "/v1/users/{id}/continue-watching",
	}
	for path, want := range cases {
		if got := spanRoute(path); got != want {
			t.Errorf("spanRoute(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestTraceableSkipsOperationalPaths(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]bool{
		"/healthz":        false,
		"/metrics":        false,
		"/v1/progress/ws": false,
		"/v1/videos":      true,
	} {
		if got := traceable(httptest.NewRequest(http.MethodGet, path, nil)); got != want {
			t.Errorf("traceable(%q) = %v, want %v", path, got, want)
		}
	}
}
