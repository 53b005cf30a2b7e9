// Package probe inspects uploaded media with ffprobe.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"bitriver-vod/internal/models"
)

// Runner executes an external command and returns its standard output.
// Standard error is returned separately so it never corrupts the JSON report.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout []byte, stderr []byte, err error)
}

// CommandRunner runs commands with os/exec.
type CommandRunner struct{}

func (CommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// ProbeError reports that a source could not be inspected.
type ProbeError struct {
	Path   string
	Stderr string
	Err    error
}

func (e *ProbeError) Error() string {
	msg := fmt.Sprintf("probe %s: %v", e.Path, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Is lets callers match any probe failure against models.ErrProbeFailed.
func (e *ProbeError) Is(target error) bool { return target == models.ErrProbeFailed }

type Config struct {
	FFprobePath string
	Timeout     time.Duration
	Runner      Runner
	Logger      *slog.Logger
}

type Prober struct {
	path    string
	timeout time.Duration
	runner  Runner
	logger  *slog.Logger
}

func NewProber(cfg Config) *Prober {
	path := strings.TrimSpace(cfg.FFprobePath)
	if path == "" {
		path = "ffprobe"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runner := cfg.Runner
	if runner == nil {
		runner = CommandRunner{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{path: path, timeout: timeout, runner: runner, logger: logger}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width,omitempty"`
		Height    int    `json:"height,omitempty"`
		BitRate   string `json:"bit_rate,omitempty"`
		Duration  string `json:"duration,omitempty"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
}

// Probe inspects the file at sourcePath. Any failure is returned as a
// *ProbeError; the file itself is never modified.
func (p *Prober) Probe(ctx context.Context, sourcePath string) (models.SourceMedia, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		sourcePath,
	}
	stdout, stderr, err := p.runner.Run(ctx, p.path, args...)
	if err != nil {
		return models.SourceMedia{}, &ProbeError{Path: sourcePath, Stderr: strings.TrimSpace(string(stderr)), Err: err}
	}
	media, err := parse(stdout)
	if err != nil {
		return models.SourceMedia{}, &ProbeError{Path: sourcePath, Err: err}
	}
	media.Path = sourcePath
	p.logger.Debug("probed source",
		"path", sourcePath,
		"width", media.Width,
		"height", media.Height,
		"duration", media.Duration,
		"video_codec", media.VideoCodec)
	return media, nil
}

func parse(raw []byte) (models.SourceMedia, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.SourceMedia{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	media := models.SourceMedia{Container: out.Format.FormatName}
	media.Duration = parseFloat(out.Format.Duration)
	media.BitrateKbps = parseInt(out.Format.BitRate) / 1000

	for _, stream := range out.Streams {
		switch stream.CodecType {
		case "video":
			if media.VideoCodec != "" {
				continue
			}
			media.VideoCodec = stream.CodecName
			media.Width = stream.Width
			media.Height = stream.Height
			if media.Duration <= 0 {
				media.Duration = parseFloat(stream.Duration)
			}
			if media.BitrateKbps <= 0 {
				media.BitrateKbps = parseInt(stream.BitRate) / 1000
			}
		case "audio":
			if media.AudioCodec == "" {
				media.AudioCodec = stream.CodecName
			}
		}
	}

	if media.VideoCodec == "" {
		return models.SourceMedia{}, errors.New("no video stream found")
	}
	if media.Width <= 0 || media.Height <= 0 {
		return models.SourceMedia{}, fmt.Errorf("invalid video dimensions %dx%d", media.Width, media.Height)
	}
	return media, nil
}

func parseFloat(value string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}

func parseInt(value string) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
