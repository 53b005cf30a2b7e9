// Package manifest renders entitlement-filtered HLS master playlists and the
// stream info players use to start playback.
package manifest

import (
	"strconv"
	"strings"

	"bitriver-vod/internal/ladder"
	"bitriver-vod/internal/models"
)

// ContentType is the media type of every playlist served by this package.
const ContentType = "application/vnd.apple.mpegurl"

// MasterName is the file name of the committed master playlist inside a
// session directory.
const MasterName = "master.m3u8"

// Render builds a master playlist with one stream entry per variant in
// ascending bitrate order. An empty list renders the header only.
func Render(variants []models.QualityVariant) string {
	ordered := append([]models.QualityVariant(nil), variants...)
	ladder.SortByBitrate(ordered)

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, v := range ordered {
		b.WriteString("#EXT-X-STREAM-INF:BANDWIDTH=")
		b.WriteString(strconv.Itoa(v.BitrateKbps * 1000))
		b.WriteString(",RESOLUTION=")
		b.WriteString(strconv.Itoa(v.Width))
		b.WriteByte('x')
		b.WriteString(strconv.Itoa(v.Height))
		b.WriteString(",NAME=\"")
		b.WriteString(v.Profile)
		b.WriteString("\"\n")
		b.WriteString(variantPath(v))
		b.WriteByte('\n')
	}
	return b.String()
}

// RenderFiltered drops variants above maxTier before rendering.
func RenderFiltered(variants []models.QualityVariant, maxTier string) string {
	return Render(ladder.Filter(variants, maxTier))
}

func variantPath(v models.QualityVariant) string {
	if v.Path != "" {
		return v.Path
	}
	return v.Profile + "/playlist.m3u8"
}
