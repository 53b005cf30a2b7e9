// Package telemetry installs the process-wide OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	EndpointEnv   = "OTEL_EXPORTER_OTLP_ENDPOINT"
	SampleRateEnv = "OTEL_TRACE_SAMPLE_RATE"

	defaultSampleRate = 0.1
)

// ShutdownFunc flushes pending spans and stops the exporter.
type ShutdownFunc func(context.Context) error

// Config selects the OTLP collector and sampling ratio.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	SampleRate     float64
	Logger         *slog.Logger
}

// ConfigFromEnv reads the standard OTLP endpoint variable and the sample rate.
func ConfigFromEnv(serviceName string) Config {
	return Config{
		ServiceName: serviceName,
		Endpoint:    strings.TrimSpace(os.Getenv(EndpointEnv)),
		SampleRate:  ParseSampleRate(os.Getenv(SampleRateEnv)),
	}
}

// Init configures the global tracer provider. Tracing stays disabled, and a
// no-op shutdown is returned, when no endpoint is configured or the exporter
// cannot be created.
func Init(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	endpoint, insecure := normalizeEndpoint(cfg.Endpoint)
	if endpoint == "" {
		logger.Debug("tracing disabled", "reason", "no OTLP endpoint")
		return noop, nil
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(3 * time.Second),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{Enabled: false}),
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(initCtx, opts...)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		return noop, nil
	}

	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(cfg.ServiceName))}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.ServiceVersion)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate < 0 || rate > 1 {
		rate = defaultSampleRate
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled", "endpoint", endpoint, "sample_rate", rate)
	return tp.Shutdown, nil
}

// ParseSampleRate parses a ratio in [0,1], falling back to 0.1.
func ParseSampleRate(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultSampleRate
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil || rate < 0 || rate > 1 {
		return defaultSampleRate
	}
	return rate
}

// normalizeEndpoint strips the scheme the exporter does not accept and reports
// whether plain HTTP should be used. Bare host:port values are treated as
// insecure, matching the collector's default listener.
func normalizeEndpoint(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, "://") {
		return strings.TrimSuffix(raw, "/"), true
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", false
	}
	return parsed.Host, parsed.Scheme != "https"
}
