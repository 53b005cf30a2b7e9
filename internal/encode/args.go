package encode

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// keyframeInterval is the GOP length in seconds. It divides the HLS segment
// duration so every segment starts on a keyframe.
const (
	keyframeInterval = 2
	segmentSeconds   = 4
)

type argsConfig struct {
	VideoCodec string
	Preset     string
}

func buildArgs(cfg argsConfig, job Job) []string {
	p := job.Profile
	filter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1",
		p.Width, p.Height, p.Width, p.Height,
	)
	videoRate := p.VideoBitrateKbps
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-loglevel", "error",
		"-nostats",
		"-progress", "pipe:1",
		"-i", job.Source.Path,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-vf", filter,
		"-c:v", cfg.VideoCodec,
		"-preset", cfg.Preset,
		"-pix_fmt", "yuv420p",
		"-b:v", kbps(videoRate),
		"-maxrate", kbps(videoRate * 107 / 100),
		"-bufsize", kbps(videoRate * 3 / 2),
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", keyframeInterval),
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", kbps(p.AudioBitrateKbps),
		"-ac", "2",
		"-ar", "48000",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_type", "mpegts",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(job.OutputDir, segmentPattern),
		filepath.Join(job.OutputDir, PlaylistName),
	}
}

func kbps(value int) string {
	return strconv.Itoa(value) + "k"
}
