package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bitriver-vod/internal/api"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/serverutil"
)

const (
	healthPath         = "/healthz"
	metricsPath        = "/metrics"
	progressPath       = "/v1/progress"
	progressStreamPath = "/v1/progress/ws"

	defaultWriteTimeout = 60 * time.Second
)

type Config struct {
	Addr      string
	TLS       serverutil.TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
	// ProgressStream serves websocket progress subscriptions when set.
	ProgressStream http.Handler
	// Tracing wraps the handler chain with OpenTelemetry spans.
	Tracing bool
	// WriteTimeout bounds segment responses to slow clients.
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// OnShutdown runs when graceful shutdown begins.
	OnShutdown []func()
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	rateLimiter     *rateLimiter
	tls             serverutil.TLSConfig
	shutdownTimeout time.Duration
	onShutdown      []func()
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc(healthPath, handler.Health)
	mux.Handle(metricsPath, metrics.Handler(cfg.Gatherer))
	mux.HandleFunc("/v1/videos", handler.Videos)
	mux.HandleFunc("/v1/videos/", handler.VideoByID)
	mux.HandleFunc(progressPath, handler.Progress)
	mux.HandleFunc("/v1/users/", handler.Users)
	if cfg.ProgressStream != nil {
		mux.Handle(progressStreamPath, cfg.ProgressStream)
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("cors: %w", err)
	}

	rl := newRateLimiter(cfg.RateLimit)
	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, logger, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:    logger,
		SkipPaths: []string{healthPath, metricsPath},
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", extractClientIP(r)}
		},
		DisableRemoteAddr: true,
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)
	if cfg.Tracing {
		handlerChain = otelhttp.NewHandler(handlerChain, "http.server",
			otelhttp.WithFilter(traceable),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + spanRoute(r.URL.Path)
			}),
		)
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:      httpServer,
		logger:          logger,
		rateLimiter:     rl,
		tls:             serverutil.TLSConfig{CertFile: strings.TrimSpace(cfg.TLS.CertFile), KeyFile: strings.TrimSpace(cfg.TLS.KeyFile)},
		shutdownTimeout: cfg.ShutdownTimeout,
		onShutdown:      cfg.OnShutdown,
	}
	if srv.tls.CertFile != "" && srv.tls.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler returns the fully wrapped handler chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled and then shuts down gracefully. ready is
// closed once the listener is bound.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           ready,
		OnListen: func(addr net.Addr) {
			s.logger.Info("http server listening", "addr", addr.String(), "tls", s.tls.CertFile != "")
		},
		OnShutdown: s.onShutdown,
	})
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == healthPath || r.URL.Path == metricsPath {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.AllowRequest() {
			setRetryAfter(w, time.Second)
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == progressPath {
			key := strings.TrimSpace(r.Header.Get("X-User-ID"))
			if key == "" {
				key = extractClientIP(r)
			}
			allowed, retryAfter, err := rl.AllowProgress(r.Context(), key)
			if err != nil {
				if reqLogger := loggingWithRequest(logger, r); reqLogger != nil {
					reqLogger.Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				setRetryAfter(w, retryAfter)
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many progress updates")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// traceable excludes probes, scrapes and long-lived streams from tracing.
func traceable(r *http.Request) bool {
	switch r.URL.Path {
	case healthPath, metricsPath, progressStreamPath:
		return false
	}
	return true
}

// spanRoute collapses identifiers so span names stay low-cardinality.
func spanRoute(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/videos/"):
		parts := strings.Split(strings.Trim(path, "/"), "/")
		switch len(parts) {
		case 3:
			return "/v1/videos/{id}"
		case 4:
			return "/v1/videos/{id}/" + parts[3]
		default:
			return "/v1/videos/{id}/{quality}/{file}"
		}
	case strings.HasPrefix(path, "/v1/users/"):
		return "/v1/users/{id}/continue-watching"
	default:
		return path
	}
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
