package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return payload
}

func TestNewAddsServiceAndHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Level: "warn", Service: "vod"})

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn, got %q", buf.String())
	}

	logger.Warn("kept")
	payload := decodeLine(t, &buf)
	if payload["service"] != "vod" {
		t.Fatalf("expected service attribute, got %v", payload["service"])
	}
	if payload["msg"] != "kept" {
		t.Fatalf("unexpected message %v", payload["msg"])
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Writer: &buf, Format: " TEXT "}).Info("plain", "video_id", "v1")

	out := buf.String()
	if !strings.Contains(out, "msg=plain") || !strings.Contains(out, "video_id=v1") {
		t.Fatalf("expected text handler output, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" DeBuG ": slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input).Level(); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestWithComponent(t *testing.T) {
	if WithComponent(nil, "api") != nil {
		t.Fatal("expected nil logger to stay nil")
	}

	var buf bytes.Buffer
	WithComponent(slog.New(slog.NewJSONHandler(&buf, nil)), "transcode").Info("x")
	if got := decodeLine(t, &buf)["component"]; got != "transcode" {
		t.Fatalf("expected component transcode, got %v", got)
	}
}

func TestContextIDs(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), " req-1 ")
	ctx = ContextWithVideoID(ctx, "video-9")
	ctx = ContextWithVideoID(ctx, "   ")

	if id, ok := RequestIDFromContext(ctx); !ok || id != "req-1" {
		t.Fatalf("request id = %q, %v", id, ok)
	}
	if id, ok := VideoIDFromContext(ctx); !ok || id != "video-9" {
		t.Fatalf("blank id must not overwrite, got %q", id)
	}
	if _, ok := RequestIDFromContext(context.Background()); ok {
		t.Fatal("expected no request id on empty context")
	}
}

func TestLoggerFromContext(t *testing.T) {
	if LoggerFromContext(context.Background()) != nil {
		t.Fatal("expected nil logger")
	}
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	ctx := ContextWithLogger(context.Background(), logger)
	if LoggerFromContext(ctx) != logger {
		t.Fatal("expected stored logger")
	}
	if ContextWithLogger(ctx, nil) != ctx {
		t.Fatal("nil logger should leave the context untouched")
	}
}

func TestWithContextAddsTraceAndIDs(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03},
		SpanID:     trace.SpanID{0x0a},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = ContextWithRequestID(ctx, "req-7")
	ctx = ContextWithVideoID(ctx, "video-7")

	var buf bytes.Buffer
	WithContext(ctx, slog.New(slog.NewJSONHandler(&buf, nil))).Info("annotated")

	payload := decodeLine(t, &buf)
	if payload["request_id"] != "req-7" || payload["video_id"] != "video-7" {
		t.Fatalf("missing ids: %v", payload)
	}
	if payload["trace_id"] != sc.TraceID().String() {
		t.Fatalf("trace_id = %v, want %s", payload["trace_id"], sc.TraceID())
	}
	if payload["span_id"] != sc.SpanID().String() {
		t.Fatalf("span_id = %v, want %s", payload["span_id"], sc.SpanID())
	}
}

func TestInitReplacesDefault(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	logger := Init(Config{Writer: &buf, Format: string(FormatText), Level: "debug"})
	if slog.Default() != logger {
		t.Fatal("expected Init to install the logger")
	}
	slog.Debug("via default")
	if !strings.Contains(buf.String(), "via default") {
		t.Fatalf("expected default logger output, got %q", buf.String())
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	middleware := RequestLogger(RequestLoggerConfig{
		Logger: slog.New(slog.NewJSONHandler(&buf, nil)),
		AdditionalFields: func(r *http.Request, status int, _ time.Duration) []any {
			return []any{"quality", r.URL.Query().Get("maxQuality")}
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/videos/abc/master.m3u8?maxQuality=HD_720", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(httptest.NewRecorder(), req)

	payload := decodeLine(t, &buf)
	if payload["status"] != float64(http.StatusAccepted) {
		t.Fatalf("status = %v", payload["status"])
	}
	if payload["path"] != "/v1/videos/abc/master.m3u8" {
		t.Fatalf("path = %v", payload["path"])
	}
	if payload["remote_addr"] != "10.0.0.1:5555" {
		t.Fatalf("remote_addr = %v", payload["remote_addr"])
	}
	if payload["quality"] != "HD_720" {
		t.Fatalf("expected additional field, got %v", payload["quality"])
	}
	if payload["level"] != "INFO" {
		t.Fatalf("level = %v", payload["level"])
	}
}

func TestRequestLoggerSkipPaths(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestLogger(RequestLoggerConfig{
		Logger:    slog.New(slog.NewJSONHandler(&buf, nil)),
		SkipPaths: []string{"/healthz"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Fatalf("expected no output for skipped path, got %q", buf.String())
	}
}

func TestRequestLoggerWarnsOnServerErrors(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestLogger(RequestLoggerConfig{
		Logger:            slog.New(slog.NewJSONHandler(&buf, nil)),
		DisableRemoteAddr: true,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/videos/x", nil))

	payload := decodeLine(t, &buf)
	if payload["level"] != "WARN" {
		t.Fatalf("level = %v", payload["level"])
	}
	if _, ok := payload["remote_addr"]; ok {
		t.Fatal("expected remote_addr to be omitted")
	}
}
