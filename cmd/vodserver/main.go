// Command vodserver runs the BitRiver VOD service: catalog API, background
// HLS transcoding and playback endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bitriver-vod/internal/api"
	"bitriver-vod/internal/cache"
	"bitriver-vod/internal/encode"
	"bitriver-vod/internal/manifest"
	"bitriver-vod/internal/objectstore"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/observability/telemetry"
	"bitriver-vod/internal/playback"
	"bitriver-vod/internal/probe"
	"bitriver-vod/internal/progress"
	"bitriver-vod/internal/server"
	"bitriver-vod/internal/serverutil"
	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/transcode"
)

const serviceName = "bitriver-vod"

// version is overridden at build time with -ldflags.
var version = "dev"

type options struct {
	Addr            string
	TLS             serverutil.TLSConfig
	ShutdownTimeout time.Duration

	StorageDriver       string
	PostgresDSN         string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresMaxLifetime time.Duration
	PostgresMaxIdle     time.Duration
	RunMigrations       bool

	ProgressDriver string
	MongoURI       string
	MongoDatabase  string

	Redis cache.RedisConfig

	MediaRoot      string
	FFmpegPath     string
	FFprobePath    string
	VideoCodec     string
	Preset         string
	MaxEncodes     int
	Workers        int
	QueueSize      int
	TimeoutFactor  float64
	MinTimeout     time.Duration
	ProbeTimeout   time.Duration
	ProgressBuffer int

	BaseURL       string
	ManifestTTL   time.Duration
	StreamInfoTTL time.Duration
	ContinueTTL   time.Duration

	ObjectStore objectstore.Config

	RateLimit server.RateLimitConfig
	CORS      server.CORSConfig
}

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown timeout")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	storageDriver := flag.String("storage-driver", "", "catalog datastore driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	migrate := flag.Bool("migrate", false, "apply embedded Postgres migrations on startup")
	progressDriver := flag.String("progress-driver", "", "watch progress store (catalog or mongo)")
	mongoURI := flag.String("mongo-uri", "", "MongoDB connection URI for watch progress")
	mongoDatabase := flag.String("mongo-database", "", "MongoDB database for watch progress")
	redisAddr := flag.String("redis-addr", "", "Redis address for the response cache and shared rate limits")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses (cluster or sentinel)")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisDB := flag.Int("redis-db", 0, "Redis database index")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name")
	redisPrefix := flag.String("redis-prefix", "", "key prefix for cached responses")
	mediaRoot := flag.String("media-root", "", "directory receiving transcoded renditions")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	videoCodec := flag.String("video-codec", "", "ffmpeg video encoder (default libx264)")
	preset := flag.String("preset", "", "ffmpeg encoder preset")
	maxEncodes := flag.Int("max-encodes", 0, "maximum concurrent encoder processes")
	workers := flag.Int("transcode-workers", 0, "concurrent transcode sessions")
	queueSize := flag.Int("transcode-queue", 0, "pending transcode requests before new ones are rejected")
	timeoutFactor := flag.Float64("encode-timeout-factor", 0, "encode timeout as a multiple of the source duration")
	minTimeout := flag.Duration("encode-min-timeout", 0, "minimum encode timeout")
	probeTimeout := flag.Duration("probe-timeout", 0, "ffprobe timeout")
	progressBuffer := flag.Int("progress-buffer", 0, "buffered progress events before new ones are dropped")
	baseURL := flag.String("public-base-url", "", "absolute URL prefix for manifest links in stream info")
	manifestTTL := flag.Duration("manifest-cache-ttl", 0, "cache lifetime of rendered master manifests")
	streamInfoTTL := flag.Duration("stream-info-cache-ttl", 0, "cache lifetime of stream info responses")
	continueTTL := flag.Duration("continue-watching-cache-ttl", 0, "cache lifetime of continue watching lists")
	objectEndpoint := flag.String("object-endpoint", "", "S3-compatible endpoint (e.g. http://127.0.0.1:9000)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "bucket receiving published renditions")
	objectPrefix := flag.String("object-prefix", "", "key prefix for published renditions")
	objectPathStyle := flag.Bool("object-path-style", false, "use path-style bucket addressing")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "CDN URL serving published renditions")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	progressLimit := flag.Int("rate-progress-limit", 0, "progress updates allowed per viewer and window")
	progressWindow := flag.Duration("rate-progress-window", 0, "window for counting progress updates")
	corsOrigins := flag.String("cors-origins", "", "comma separated player origins allowed cross-origin access")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:   firstNonEmpty(*logLevel, env("LOG_LEVEL"), "info"),
		Format:  firstNonEmpty(*logFormat, env("LOG_FORMAT")),
		Service: "bitriver-vod",
	})

	dsn := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, env("STORAGE_DRIVER"), dsn)
	if err != nil {
		logger.Error("invalid datastore configuration", "error", err)
		os.Exit(1)
	}
	mongo := firstNonEmpty(*mongoURI, env("MONGO_URI"))
	progressStoreDriver, err := resolveProgressDriver(*progressDriver, env("PROGRESS_DRIVER"), mongo)
	if err != nil {
		logger.Error("invalid progress store configuration", "error", err)
		os.Exit(1)
	}
	root, err := resolveMediaRoot(*mediaRoot, env("MEDIA_ROOT"))
	if err != nil {
		logger.Error("invalid media root", "error", err)
		os.Exit(1)
	}
	publicBase, err := resolveBaseURL(*baseURL, env("PUBLIC_BASE_URL"))
	if err != nil {
		logger.Error("invalid public base url", "error", err)
		os.Exit(1)
	}

	opts := options{
		Addr: firstNonEmpty(*addr, env("ADDR"), ":8080"),
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, env("TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, env("TLS_KEY")),
		},
		ShutdownTimeout: resolveDuration(*shutdownTimeout, envPrefix+"SHUTDOWN_TIMEOUT", 30*time.Second),

		StorageDriver:       driver,
		PostgresDSN:         dsn,
		PostgresMaxConns:    resolveInt(*postgresMaxConns, envPrefix+"POSTGRES_MAX_CONNS"),
		PostgresMinConns:    resolveInt(*postgresMinConns, envPrefix+"POSTGRES_MIN_CONNS"),
		PostgresMaxLifetime: resolveDuration(*postgresMaxLifetime, envPrefix+"POSTGRES_MAX_CONN_LIFETIME", 0),
		PostgresMaxIdle:     resolveDuration(*postgresMaxIdle, envPrefix+"POSTGRES_MAX_CONN_IDLE", 0),
		RunMigrations:       resolveBool(*migrate, envPrefix+"MIGRATE"),

		ProgressDriver: progressStoreDriver,
		MongoURI:       mongo,
		MongoDatabase:  firstNonEmpty(*mongoDatabase, env("MONGO_DATABASE"), "bitriver_vod"),

		Redis: cache.RedisConfig{
			Addr:       firstNonEmpty(*redisAddr, env("REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, env("REDIS_ADDRS"))),
			Password:   firstNonEmpty(*redisPassword, env("REDIS_PASSWORD")),
			DB:         resolveInt(*redisDB, envPrefix+"REDIS_DB"),
			MasterName: firstNonEmpty(*redisMasterName, env("REDIS_MASTER_NAME")),
			Prefix:     firstNonEmpty(*redisPrefix, env("REDIS_PREFIX")),
		},

		MediaRoot:      root,
		FFmpegPath:     firstNonEmpty(*ffmpegPath, env("FFMPEG"), "ffmpeg"),
		FFprobePath:    firstNonEmpty(*ffprobePath, env("FFPROBE"), "ffprobe"),
		VideoCodec:     firstNonEmpty(*videoCodec, env("VIDEO_CODEC")),
		Preset:         firstNonEmpty(*preset, env("PRESET")),
		MaxEncodes:     resolveInt(*maxEncodes, envPrefix+"MAX_ENCODES"),
		Workers:        resolveInt(*workers, envPrefix+"TRANSCODE_WORKERS"),
		QueueSize:      resolveInt(*queueSize, envPrefix+"TRANSCODE_QUEUE"),
		TimeoutFactor:  resolveFloat(*timeoutFactor, envPrefix+"ENCODE_TIMEOUT_FACTOR"),
		MinTimeout:     resolveDuration(*minTimeout, envPrefix+"ENCODE_MIN_TIMEOUT", 0),
		ProbeTimeout:   resolveDuration(*probeTimeout, envPrefix+"PROBE_TIMEOUT", 0),
		ProgressBuffer: resolveInt(*progressBuffer, envPrefix+"PROGRESS_BUFFER"),

		BaseURL:       publicBase,
		ManifestTTL:   resolveDuration(*manifestTTL, envPrefix+"MANIFEST_CACHE_TTL", 0),
		StreamInfoTTL: resolveDuration(*streamInfoTTL, envPrefix+"STREAM_INFO_CACHE_TTL", 0),
		ContinueTTL:   resolveDuration(*continueTTL, envPrefix+"CONTINUE_WATCHING_CACHE_TTL", 0),

		ObjectStore: objectstore.Config{
			Endpoint:       firstNonEmpty(*objectEndpoint, env("OBJECT_ENDPOINT")),
			Region:         firstNonEmpty(*objectRegion, env("OBJECT_REGION")),
			AccessKey:      firstNonEmpty(*objectAccessKey, env("OBJECT_ACCESS_KEY")),
			SecretKey:      firstNonEmpty(*objectSecretKey, env("OBJECT_SECRET_KEY")),
			Bucket:         firstNonEmpty(*objectBucket, env("OBJECT_BUCKET")),
			Prefix:         firstNonEmpty(*objectPrefix, env("OBJECT_PREFIX")),
			UsePathStyle:   resolveBool(*objectPathStyle, envPrefix+"OBJECT_PATH_STYLE"),
			PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, env("OBJECT_PUBLIC_ENDPOINT")),
		},

		RateLimit: server.RateLimitConfig{
			GlobalRPS:      resolveFloat(*globalRPS, envPrefix+"RATE_GLOBAL_RPS"),
			GlobalBurst:    resolveInt(*globalBurst, envPrefix+"RATE_GLOBAL_BURST"),
			ProgressLimit:  resolveInt(*progressLimit, envPrefix+"RATE_PROGRESS_LIMIT"),
			ProgressWindow: resolveDuration(*progressWindow, envPrefix+"RATE_PROGRESS_WINDOW", time.Minute),
		},
		CORS: server.CORSConfig{AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, env("CORS_ORIGINS")))},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("vodserver stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("vodserver stopped")
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	telemetryCfg := telemetry.ConfigFromEnv(serviceName)
	telemetryCfg.ServiceVersion = version
	telemetryCfg.Logger = logger
	shutdownTracing, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	tracing := strings.TrimSpace(telemetryCfg.Endpoint) != ""

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	store, progressPinger, err := openStore(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}()

	responseCache, err := openCache(opts.Redis)
	if err != nil {
		return err
	}
	defer responseCache.Close()

	publisher, err := objectstore.New(ctx, opts.ObjectStore, logging.WithComponent(logger, "objectstore"))
	if err != nil {
		return fmt.Errorf("init object storage: %w", err)
	}

	limiter := encode.NewLimiter(opts.MaxEncodes)
	runner := encode.NewRunner(encode.Config{
		FFmpegPath: opts.FFmpegPath,
		VideoCodec: opts.VideoCodec,
		Preset:     opts.Preset,
		Limiter:    limiter,
		Logger:     logging.WithComponent(logger, "encode"),
	})
	prober := probe.NewProber(probe.Config{
		FFprobePath: opts.FFprobePath,
		Timeout:     opts.ProbeTimeout,
		Logger:      logging.WithComponent(logger, "probe"),
	})
	orchestrator, err := transcode.NewOrchestrator(transcode.Config{
		Catalog:       store,
		Prober:        prober,
		Encoder:       runner,
		Cache:         responseCache,
		Publisher:     publisher,
		MediaRoot:     opts.MediaRoot,
		TimeoutFactor: opts.TimeoutFactor,
		MinTimeout:    opts.MinTimeout,
		Logger:        logging.WithComponent(logger, "transcode"),
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	checkOrigin, err := server.OriginChecker(opts.CORS)
	if err != nil {
		return fmt.Errorf("cors: %w", err)
	}
	hub := progress.NewHub(logging.WithComponent(logger, "progress"), checkOrigin)
	go hub.Run()
	defer hub.Close()
	events := progress.NewQueue(opts.ProgressBuffer, hub, metrics.ProgressDroppedTotal.Inc)
	events.Start()
	defer events.Close()

	dispatcher := transcode.NewDispatcher(transcode.DispatcherConfig{
		Transcoder: orchestrator,
		Store:      store,
		Sink:       events,
		Workers:    opts.Workers,
		QueueSize:  opts.QueueSize,
		Logger:     logging.WithComponent(logger, "dispatcher"),
	})
	dispatcher.Start(ctx)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		if err := dispatcher.Shutdown(drainCtx); err != nil {
			logger.Warn("transcode dispatcher did not drain", "error", err)
		}
	}()

	handler := &api.Handler{
		Catalog:    store,
		Transcodes: dispatcher,
		Manifests: manifest.NewService(manifest.Config{
			Catalog:       store,
			Progress:      store,
			Cache:         responseCache,
			ManifestTTL:   opts.ManifestTTL,
			StreamInfoTTL: opts.StreamInfoTTL,
			BaseURL:       opts.BaseURL,
			Logger:        logging.WithComponent(logger, "manifest"),
		}),
		Tracker: playback.NewTracker(playback.Config{
			Store:       store,
			Catalog:     store,
			Cache:       responseCache,
			ContinueTTL: opts.ContinueTTL,
			Logger:      logging.WithComponent(logger, "playback"),
		}),
		Publisher:     publisher,
		Cache:         responseCache,
		ProgressStore: progressPinger,
		Logger:        logger,
	}

	rateCfg := opts.RateLimit
	if redisCache, ok := responseCache.(*cache.RedisCache); ok {
		rateCfg.Redis = redisCache.Client()
	}
	srv, err := server.New(handler, server.Config{
		Addr:            opts.Addr,
		TLS:             opts.TLS,
		RateLimit:       rateCfg,
		CORS:            opts.CORS,
		Logger:          logger,
		Gatherer:        registry,
		ProgressStream:  hub,
		Tracing:         tracing,
		ShutdownTimeout: opts.ShutdownTimeout,
		OnShutdown:      []func(){hub.Close},
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	logger.Info("starting "+serviceName, append(newStartupSummary(startupSummaryInput{
		Addr:            opts.Addr,
		TLS:             opts.TLS.CertFile != "",
		StorageDriver:   opts.StorageDriver,
		PostgresDSN:     opts.PostgresDSN,
		ProgressDriver:  opts.ProgressDriver,
		MongoURI:        opts.MongoURI,
		MongoDatabase:   opts.MongoDatabase,
		RedisAddr:       firstNonEmpty(opts.Redis.Addr, strings.Join(opts.Redis.Addrs, ",")),
		MediaRoot:       opts.MediaRoot,
		FFmpegPath:      opts.FFmpegPath,
		FFprobePath:     opts.FFprobePath,
		MaxEncodes:      limiter.Size(),
		Workers:         opts.Workers,
		QueueSize:       opts.QueueSize,
		TimeoutFactor:   opts.TimeoutFactor,
		MinTimeout:      opts.MinTimeout,
		Bucket:          opts.ObjectStore.Bucket,
		Region:          opts.ObjectStore.Region,
		PublicEndpoint:  opts.ObjectStore.PublicEndpoint,
		Tracing:         tracing,
		ProgressLimit:   rateCfg.ProgressLimit,
		ProgressWindow:  rateCfg.ProgressWindow,
		AllowedOrigins:  opts.CORS.AllowedOrigins,
		ShutdownTimeout: opts.ShutdownTimeout,
	}).LogArgs(), "version", version)...)

	runErr := srv.Run(ctx, nil)

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn("failed to flush traces", "error", err)
	}
	return runErr
}

// openStore builds the catalog store and, when configured, moves watch
// progress to MongoDB. The returned pinger is non-nil only for a separate
// progress backend.
func openStore(ctx context.Context, opts options, logger *slog.Logger) (storage.Store, api.Pinger, error) {
	var catalog storage.Store
	switch opts.StorageDriver {
	case "postgres":
		pg, err := storage.NewPostgresStore(ctx, opts.PostgresDSN,
			storage.WithPostgresPool(int32(opts.PostgresMaxConns), int32(opts.PostgresMinConns), opts.PostgresMaxLifetime, opts.PostgresMaxIdle),
			storage.WithPostgresApplicationName(serviceName),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if opts.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close(context.Background())
				return nil, nil, fmt.Errorf("migrate postgres: %w", err)
			}
			logger.Info("postgres migrations applied")
		}
		catalog = pg
	default:
		logger.Warn("using in-memory catalog; data is lost on restart")
		catalog = storage.NewMemoryStore()
	}

	if opts.ProgressDriver != "mongo" {
		return catalog, nil, nil
	}
	client, err := storage.ConnectMongo(ctx, opts.MongoURI)
	if err != nil {
		_ = catalog.Close(context.Background())
		return nil, nil, err
	}
	progressStore := storage.NewMongoProgressStore(client, opts.MongoDatabase)
	if err := progressStore.EnsureIndexes(ctx); err != nil {
		logger.Warn("failed to ensure mongo indexes", "error", err)
	}
	return storage.NewSplitStore(catalog, progressStore), progressStore, nil
}

func openCache(cfg cache.RedisConfig) (cache.Cache, error) {
	if cfg.Addr == "" && len(cfg.Addrs) == 0 {
		return cache.NewMemoryCache(), nil
	}
	redisCache, err := cache.NewRedisCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("init redis cache: %w", err)
	}
	return redisCache, nil
}
