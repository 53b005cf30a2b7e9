// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vod"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5},
	}, []string{"method", "route"})

	TranscodeSessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcode_sessions_total",
		Help:      "Transcode sessions by terminal outcome.",
	}, []string{"outcome"})

	EncodeJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "encode_jobs_total",
		Help:      "Encoder invocations by quality profile and outcome.",
	}, []string{"profile", "outcome"})

	EncodeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "encode_duration_seconds",
		Help:      "Wall-clock duration of encoder invocations in seconds.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
	}, []string{"profile"})

	ActiveEncodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_encodes",
		Help:      "Number of encoder processes currently running.",
	})

	ProgressDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "progress_dropped_total",
		Help:      "Progress events dropped because the consumer fell behind.",
	})

	CacheInvalidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_invalidations_total",
		Help:      "Cache invalidations by outcome.",
	}, []string{"outcome"})
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TranscodeSessionsTotal,
		EncodeJobsTotal,
		EncodeDuration,
		ActiveEncodes,
		ProgressDroppedTotal,
		CacheInvalidationsTotal,
	)
}

// Handler serves the collectors registered on gatherer, or the default
// registry when gatherer is nil.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request under its normalised route.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	route := normalizePath(path)
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Encode outcomes used as the outcome label of EncodeJobsTotal.
const (
	EncodeSucceeded = "succeeded"
	EncodeFailed    = "failed"
	// EncodeCancelled marks jobs stopped by the caller, such as a shutdown.
	EncodeCancelled = "cancelled"
)

// ObserveEncode records the outcome of one encoder invocation.
func ObserveEncode(profile, outcome string, duration time.Duration) {
	EncodeJobsTotal.WithLabelValues(profile, outcome).Inc()
	EncodeDuration.WithLabelValues(profile).Observe(duration.Seconds())
}

// normalizePath collapses identifiers and media file names so route labels
// stay low-cardinality.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		switch {
		case strings.HasSuffix(part, ".ts"):
			parts[i] = ":segment"
		case looksLikeIdentifier(part):
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if strings.Contains(segment, ".") {
		return false
	}
	digits := 0
	hasLower, hasUpper := false, false
	for _, r := range segment {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		}
	}
	// Ladder tier names such as HD_720 are routes, not identifiers.
	if hasUpper && !hasLower {
		return false
	}
	return digits >= 3 || (len(segment) >= 8 && digits > 0)
}
