package models

import "time"

// VideoStatus is the lifecycle state of a video's transcode.
type VideoStatus string

const (
	VideoStatusPending    VideoStatus = "pending"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusReady      VideoStatus = "ready"
	VideoStatusFailed     VideoStatus = "failed"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s VideoStatus) Valid() bool {
	switch s {
	case VideoStatusPending, VideoStatusProcessing, VideoStatusReady, VideoStatusFailed:
		return true
	default:
		return false
	}
}

// SourceMedia describes an uploaded source file as reported by the prober.
// It is produced once per transcode session and never mutated.
type SourceMedia struct {
	Path        string  `json:"path"`
	Container   string  `json:"container"`
	VideoCodec  string  `json:"videoCodec"`
	AudioCodec  string  `json:"audioCodec,omitempty"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Duration    float64 `json:"duration"`
	BitrateKbps int     `json:"bitrateKbps"`
}

// QualityProfile is one rung of the fixed encoding ladder.
type QualityProfile struct {
	Name             string `json:"name"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	VideoBitrateKbps int    `json:"videoBitrateKbps"`
	AudioBitrateKbps int    `json:"audioBitrateKbps"`
}

// QualityVariant is a successfully encoded rendition of a video.
type QualityVariant struct {
	Profile      string    `json:"profile"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	BitrateKbps  int       `json:"bitrateKbps"`
	Path         string    `json:"path"`
	SizeBytes    int64     `json:"sizeBytes"`
	SegmentCount int       `json:"segmentCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SubtitleTrack references a subtitle file published alongside a video.
type SubtitleTrack struct {
	Language string `json:"language"`
	Label    string `json:"label"`
	URL      string `json:"url"`
}

// Video is the catalog record that carries the transcode state of an upload.
// Variants and ManifestPath always belong to the published SessionID.
type Video struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	SourcePath   string           `json:"sourcePath,omitempty"`
	Status       VideoStatus      `json:"status"`
	Duration     float64          `json:"duration"`
	ManifestPath string           `json:"manifestPath,omitempty"`
	SessionID    string           `json:"sessionId,omitempty"`
	PosterURL    string           `json:"posterUrl,omitempty"`
	BackdropURL  string           `json:"backdropUrl,omitempty"`
	Subtitles    []SubtitleTrack  `json:"subtitles,omitempty"`
	Variants     []QualityVariant `json:"variants,omitempty"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	ReadyAt      *time.Time       `json:"readyAt,omitempty"`
}

// VideoUpdate lists the optional fields written alongside a status change.
// Nil pointers leave the stored value untouched.
type VideoUpdate struct {
	Duration     *float64
	ManifestPath *string
	SessionID    *string
	Error        *string
}
