package models

import "time"

// CompletionThreshold is the fraction of a video that must be watched for it
// to count as completed.
const CompletionThreshold = 0.9

// WatchProgress is the resume point of one user on one video.
type WatchProgress struct {
	UserID    string    `json:"userId"`
	VideoID   string    `json:"videoId"`
	Position  float64   `json:"position"`
	Duration  float64   `json:"duration"`
	Completed bool      `json:"completed"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsCompleted derives the completed flag from a position and duration.
func IsCompleted(position, duration float64) bool {
	return duration > 0 && position >= CompletionThreshold*duration
}

// ContinueWatchingEntry joins an in-progress resume point with catalog metadata.
type ContinueWatchingEntry struct {
	WatchProgress
	Title       string `json:"title"`
	PosterURL   string `json:"posterUrl,omitempty"`
	BackdropURL string `json:"backdropUrl,omitempty"`
}

// ProgressSnapshot is the caller's resume point embedded in StreamInfo.
type ProgressSnapshot struct {
	Position  float64 `json:"position"`
	Completed bool    `json:"completed"`
}

// StreamInfo bundles everything a player needs to start playback.
type StreamInfo struct {
	VideoID     string            `json:"videoId"`
	Title       string            `json:"title"`
	ManifestURL string            `json:"manifestUrl"`
	PosterURL   string            `json:"posterUrl,omitempty"`
	BackdropURL string            `json:"backdropUrl,omitempty"`
	Duration    float64           `json:"duration"`
	Subtitles   []SubtitleTrack   `json:"subtitles"`
	Qualities   []QualityVariant  `json:"qualities"`
	Progress    *ProgressSnapshot `json:"progress,omitempty"`
}
