// Package objectstore mirrors finished HLS output into S3-compatible object
// storage so segments can be served from a CDN.
package objectstore

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultRequestTimeout = 30 * time.Second

// Config describes the target bucket. Publishing is disabled when Bucket is
// empty.
type Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UsePathStyle   bool
	Prefix         string
	PublicEndpoint string
	RequestTimeout time.Duration
}

// Enabled reports whether a bucket is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

// Publisher uploads a rendered session directory.
type Publisher interface {
	Enabled() bool
	// PublishDir uploads every file below dir under keyPrefix and returns the
	// number of objects written. Master playlists are uploaded last.
	PublishDir(ctx context.Context, dir, keyPrefix string) (int, error)
	// PublicURL returns the CDN URL for key, or "" when no public endpoint is set.
	PublicURL(key string) string
}

// Putter is the subset of the S3 client used for uploads.
type Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type noopPublisher struct{}

func (noopPublisher) Enabled() bool { return false }

func (noopPublisher) PublishDir(context.Context, string, string) (int, error) { return 0, nil }

func (noopPublisher) PublicURL(string) string { return "" }

// Noop returns a publisher that never uploads.
func Noop() Publisher { return noopPublisher{} }

// S3Publisher uploads through the AWS SDK.
type S3Publisher struct {
	client Putter
	cfg    Config
	logger *slog.Logger
}

// New builds an S3 publisher from cfg, or a no-op publisher when cfg has no
// bucket.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Publisher, error) {
	if !cfg.Enabled() {
		return Noop(), nil
	}
	loadOpts := []func(*config.LoadOptions) error{}
	if region := strings.TrimSpace(cfg.Region); region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3Publisher(client, cfg, logger), nil
}

func NewS3Publisher(client Putter, cfg Config, logger *slog.Logger) *S3Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	return &S3Publisher{client: client, cfg: cfg, logger: logger}
}

func (p *S3Publisher) Enabled() bool { return true }

func (p *S3Publisher) PublishDir(ctx context.Context, dir, keyPrefix string) (int, error) {
	files, err := collectFiles(dir)
	if err != nil {
		return 0, err
	}
	uploaded := 0
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return uploaded, err
		}
		key := p.applyPrefix(path.Join(keyPrefix, filepath.ToSlash(rel)))
		if err := p.upload(ctx, filepath.Join(dir, rel), key); err != nil {
			return uploaded, err
		}
		uploaded++
	}
	p.logger.Info("published hls output", "dir", dir, "bucket", p.cfg.Bucket, "prefix", keyPrefix, "objects", uploaded)
	return uploaded, nil
}

func (p *S3Publisher) upload(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer file.Close()

	uploadCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	_, err = p.client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:       aws.String(p.cfg.Bucket),
		Key:          aws.String(key),
		Body:         file,
		ContentType:  aws.String(ContentType(localPath)),
		CacheControl: aws.String(cacheControl(localPath)),
	})
	if err != nil {
		return fmt.Errorf("upload object %s: %w", key, err)
	}
	return nil
}

func (p *S3Publisher) PublicURL(key string) string {
	base := strings.TrimSpace(p.cfg.PublicEndpoint)
	if base == "" {
		return ""
	}
	trimmedBase := strings.TrimRight(base, "/")
	trimmedKey := strings.TrimLeft(p.applyPrefix(key), "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}

func (p *S3Publisher) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(p.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

// collectFiles lists regular files below dir relative to it, with top-level
// playlists moved to the end.
func collectFiles(dir string) ([]string, error) {
	var media, masters []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if !strings.ContainsRune(rel, filepath.Separator) && strings.HasSuffix(rel, ".m3u8") {
			masters = append(masters, rel)
			return nil
		}
		media = append(media, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(media)
	sort.Strings(masters)
	return append(media, masters...), nil
}

// ContentType returns the MIME type served for an HLS artifact.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".vtt":
		return "text/vtt"
	default:
		return "application/octet-stream"
	}
}

func cacheControl(name string) string {
	if strings.HasSuffix(name, ".m3u8") {
		return "public, max-age=60"
	}
	return "public, max-age=31536000, immutable"
}
