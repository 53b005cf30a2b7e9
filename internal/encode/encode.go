// Package encode runs one ffmpeg HLS encode per quality profile.
//
// A Runner owns nothing beyond the lifetime of a single Run call: the output
// directory, process, and progress state all belong to the invocation. A
// shared Limiter caps the number of encoder processes across every video.
package encode

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"bitriver-vod/internal/models"
)

const (
	PlaylistName   = "playlist.m3u8"
	segmentPattern = "segment_%05d.ts"
)

// Job describes a single profile encode.
type Job struct {
	VideoID   string
	SessionID string
	Source    models.SourceMedia
	Profile   models.QualityProfile
	// OutputDir is created before the encoder starts and receives the variant
	// playlist and its segments.
	OutputDir string
	// Timeout bounds the encoder's wall-clock time once it holds a slot. Zero
	// disables the ceiling.
	Timeout time.Duration
}

// Result is the inventory of a successful encode.
type Result struct {
	Profile      models.QualityProfile
	OutputDir    string
	PlaylistPath string
	SizeBytes    int64
	SegmentCount int
	Elapsed      time.Duration
}

// Variant converts the result into a persisted quality record. relPath is the
// playlist path relative to the master manifest.
func (r Result) Variant(relPath string) models.QualityVariant {
	return models.QualityVariant{
		Profile:      r.Profile.Name,
		Width:        r.Profile.Width,
		Height:       r.Profile.Height,
		BitrateKbps:  r.Profile.VideoBitrateKbps,
		Path:         filepath.ToSlash(relPath),
		SizeBytes:    r.SizeBytes,
		SegmentCount: r.SegmentCount,
	}
}

// EncodeError tags a failed encode with its profile.
type EncodeError struct {
	Profile  string
	TimedOut bool
	Stderr   string
	Err      error
}

func (e *EncodeError) Error() string {
	msg := fmt.Sprintf("encode %s failed: %v", e.Profile, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Is matches models.ErrEncodeFailed.
func (e *EncodeError) Is(target error) bool { return target == models.ErrEncodeFailed }

// ErrTimeout is wrapped by EncodeError when the per-job ceiling expires.
var ErrTimeout = errors.New("encode timed out")
