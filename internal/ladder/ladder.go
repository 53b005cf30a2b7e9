// Package ladder holds the fixed HLS quality ladder and the pure functions that
// plan renditions for a source and filter them by entitlement.
package ladder

import (
	"fmt"
	"sort"
	"strings"

	"bitriver-vod/internal/models"
)

const (
	UHD4K   = "UHD_4K"
	FHD1080 = "FHD_1080"
	HD720   = "HD_720"
	SD480   = "SD_480"
	SD360   = "SD_360"
)

// profiles is ordered from the lowest tier to the highest. A profile's index is
// its entitlement rank.
var profiles = []models.QualityProfile{
	{Name: SD360, Width: 640, Height: 360, VideoBitrateKbps: 800, AudioBitrateKbps: 96},
	{Name: SD480, Width: 854, Height: 480, VideoBitrateKbps: 1200, AudioBitrateKbps: 96},
	{Name: HD720, Width: 1280, Height: 720, VideoBitrateKbps: 2500, AudioBitrateKbps: 128},
	{Name: FHD1080, Width: 1920, Height: 1080, VideoBitrateKbps: 5000, AudioBitrateKbps: 192},
	{Name: UHD4K, Width: 3840, Height: 2160, VideoBitrateKbps: 15000, AudioBitrateKbps: 192},
}

// fallback is produced when no rung fits the source.
const fallback = SD480

// Profiles returns a copy of the ladder ordered from lowest to highest tier.
func Profiles() []models.QualityProfile {
	out := make([]models.QualityProfile, len(profiles))
	copy(out, profiles)
	return out
}

// Lookup returns the ladder profile with the given name.
func Lookup(name string) (models.QualityProfile, bool) {
	for _, p := range profiles {
		if p.Name == name {
			return p, true
		}
	}
	return models.QualityProfile{}, false
}

// Rank returns the ordinal position of a tier on the ladder, or -1 when the
// name is not a ladder tier.
func Rank(name string) int {
	for i, p := range profiles {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Highest is the tier that grants every rendition.
func Highest() string {
	return profiles[len(profiles)-1].Name
}

// ParseTier normalises a caller supplied tier name. Matching ignores case and
// surrounding whitespace; an empty value grants the highest tier.
func ParseTier(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Highest(), nil
	}
	normalised := strings.ToUpper(strings.ReplaceAll(trimmed, "-", "_"))
	if Rank(normalised) < 0 {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidQuality, raw)
	}
	return normalised, nil
}

// Plan selects the ladder rungs to encode for a source of the given size. A
// rung is kept when its width or its height does not exceed the source's, so
// the result never upscales in both dimensions. The result is never empty.
func Plan(sourceWidth, sourceHeight int) []models.QualityProfile {
	planned := make([]models.QualityProfile, 0, len(profiles))
	for _, p := range profiles {
		if p.Width <= sourceWidth || p.Height <= sourceHeight {
			planned = append(planned, p)
		}
	}
	if len(planned) == 0 {
		p, _ := Lookup(fallback)
		planned = append(planned, p)
	}
	return planned
}

// Filter keeps the variants whose tier ranks at or below maxTier. Variants with
// unknown profile names are dropped.
func Filter(variants []models.QualityVariant, maxTier string) []models.QualityVariant {
	limit := Rank(maxTier)
	out := make([]models.QualityVariant, 0, len(variants))
	if limit < 0 {
		return out
	}
	for _, v := range variants {
		rank := Rank(v.Profile)
		if rank >= 0 && rank <= limit {
			out = append(out, v)
		}
	}
	return out
}

// Allowed reports whether the profile may be served to a caller entitled to maxTier.
func Allowed(profile, maxTier string) bool {
	rank := Rank(profile)
	limit := Rank(maxTier)
	return rank >= 0 && limit >= 0 && rank <= limit
}

// SortByBitrate orders variants ascending by bitrate in place. Ties fall back
// to ladder rank so output is deterministic.
func SortByBitrate(variants []models.QualityVariant) {
	sort.SliceStable(variants, func(i, j int) bool {
		if variants[i].BitrateKbps != variants[j].BitrateKbps {
			return variants[i].BitrateKbps < variants[j].BitrateKbps
		}
		return Rank(variants[i].Profile) < Rank(variants[j].Profile)
	})
}
