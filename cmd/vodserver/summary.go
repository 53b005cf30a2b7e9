package main

import (
	"log/slog"
	"time"
)

type startupSummaryInput struct {
	Addr            string
	TLS             bool
	StorageDriver   string
	PostgresDSN     string
	ProgressDriver  string
	MongoURI        string
	MongoDatabase   string
	RedisAddr       string
	MediaRoot       string
	FFmpegPath      string
	FFprobePath     string
	MaxEncodes      int
	Workers         int
	QueueSize       int
	TimeoutFactor   float64
	MinTimeout      time.Duration
	Bucket          string
	Region          string
	PublicEndpoint  string
	Tracing         bool
	ProgressLimit   int
	ProgressWindow  time.Duration
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type startupSummary struct {
	groups []slog.Attr
}

func newStartupSummary(in startupSummaryInput) startupSummary {
	datastore := []any{"driver", in.StorageDriver}
	if in.StorageDriver == "postgres" {
		datastore = append(datastore, "dsn", redactURL(in.PostgresDSN))
	}

	progressStore := []any{"driver", in.ProgressDriver}
	if in.ProgressDriver == "mongo" {
		progressStore = append(progressStore, "uri", redactURL(in.MongoURI), "database", in.MongoDatabase)
	}

	cacheGroup := []any{"driver", "memory"}
	rateGroup := []any{"driver", "memory", "progress_limit", in.ProgressLimit, "progress_window", in.ProgressWindow.String()}
	if in.RedisAddr != "" {
		cacheGroup = []any{"driver", "redis", "addr", in.RedisAddr}
		rateGroup[1] = "redis"
	}

	publishing := []any{"enabled", in.Bucket != ""}
	if in.Bucket != "" {
		publishing = append(publishing, "bucket", in.Bucket, "region", in.Region, "public_endpoint", in.PublicEndpoint)
	}

	return startupSummary{groups: []slog.Attr{
		slog.Group("http", "addr", in.Addr, "tls", in.TLS, "cors_origins", in.AllowedOrigins, "shutdown_timeout", in.ShutdownTimeout.String()),
		slog.Group("datastore", datastore...),
		slog.Group("progress_store", progressStore...),
		slog.Group("cache", cacheGroup...),
		slog.Group("rate_limit", rateGroup...),
		slog.Group("transcode",
			"media_root", in.MediaRoot,
			"ffmpeg", in.FFmpegPath,
			"ffprobe", in.FFprobePath,
			"max_encodes", in.MaxEncodes,
			"workers", in.Workers,
			"queue_size", in.QueueSize,
			"timeout_factor", in.TimeoutFactor,
			"min_timeout", in.MinTimeout.String(),
		),
		slog.Group("object_store", publishing...),
		slog.Bool("tracing", in.Tracing),
	}}
}

// LogArgs returns the summary as slog arguments for a single log line.
func (s startupSummary) LogArgs() []any {
	args := make([]any, 0, len(s.groups))
	for _, group := range s.groups {
		args = append(args, group)
	}
	return args
}
