package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"bitriver-vod/internal/observability/metrics"
)

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Config selects the handler, threshold and destination of the process logger.
type Config struct {
	Level  string
	Format string
	Writer io.Writer
	// Service is attached to every record when set.
	Service   string
	AddSource bool
}

// Init builds a logger from cfg and installs it as slog's default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger from cfg. Unknown formats fall back to JSON and unknown
// levels to info; a nil Writer means stdout.
func New(cfg Config) *slog.Logger {
	out := cfg.Writer
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	var handler slog.Handler
	if LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) == FormatText {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	if service := strings.TrimSpace(cfg.Service); service != "" {
		logger = logger.With("service", service)
	}
	return logger
}

func parseLevel(level string) slog.Leveler {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "warning" {
		normalized = "warn"
	}
	var lv slog.LevelVar
	if err := lv.UnmarshalText([]byte(normalized)); err != nil {
		lv.Set(slog.LevelInfo)
	}
	return &lv
}

// WithComponent tags logger with the subsystem that owns it.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type (
	requestIDKey struct{}
	videoIDKey   struct{}
	loggerKey    struct{}
)

func withTrimmed(ctx context.Context, key any, value string) context.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key any) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, _ := ctx.Value(key).(string)
	return value, value != ""
}

// ContextWithRequestID stores id on ctx. Blank ids are ignored.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withTrimmed(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, requestIDKey{})
}

// ContextWithVideoID stores the video a request or job is working on.
func ContextWithVideoID(ctx context.Context, id string) context.Context {
	return withTrimmed(ctx, videoIDKey{}, id)
}

func VideoIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, videoIDKey{})
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the logger stored by ContextWithLogger, or nil.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey{}).(*slog.Logger)
	return logger
}

// WithContext annotates logger with the request id, video id and active trace
// found on ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil || ctx == nil {
		return logger
	}
	var attrs []any
	if id, ok := RequestIDFromContext(ctx); ok {
		attrs = append(attrs, "request_id", id)
	}
	if id, ok := VideoIDFromContext(ctx); ok {
		attrs = append(attrs, "video_id", id)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// RequestLoggerConfig configures RequestLogger.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	// SkipPaths are served without a log line, e.g. probes and scrapes.
	SkipPaths        []string
	AdditionalFields func(*http.Request, int, time.Duration) []any
}

// RequestLogger emits one record per request once the handler returns.
// Responses with a 5xx status are logged at warn.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skip[path] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)
			elapsed := time.Since(start)
			status := recorder.Status()

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", elapsed.Milliseconds(),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, status, elapsed)...)
			}

			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			WithContext(r.Context(), base).Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
