package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"

	"bitriver-vod/internal/encode"
	"bitriver-vod/internal/ladder"
	"bitriver-vod/internal/manifest"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/objectstore"
)

const manifestContentType = manifest.ContentType

var segmentName = regexp.MustCompile(`^segment_[0-9]{5,}\.ts$`)

// openRenditionFile is swapped out by tests.
var openRenditionFile = os.Open

// renditionFile serves a variant playlist or segment of the video's published
// session. Entitlement is enforced per request: a client that learned a
// higher tier's URL still cannot fetch it.
func (h *Handler) renditionFile(w http.ResponseWriter, r *http.Request, videoID, profile, name string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, http.MethodGet, http.MethodHead)
		return
	}
	if _, ok := ladder.Lookup(profile); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown quality %q", profile))
		return
	}
	if name != encode.PlaylistName && !segmentName.MatchString(name) {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown rendition file %q", name))
		return
	}
	tier, err := ladder.ParseTier(maxQuality(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if !ladder.Allowed(profile, tier) {
		writeError(w, http.StatusForbidden, fmt.Errorf("quality %s exceeds entitlement %s", profile, tier))
		return
	}

	video, err := h.Catalog.GetVideo(r.Context(), videoID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	// Segments stay servable while a re-transcode runs because the published
	// session only changes when the new one commits.
	if video.SessionID == "" || video.ManifestPath == "" {
		h.writeNotReady(w, r, videoID, fmt.Errorf("video %s has no published renditions: %w", videoID, models.ErrNotReady))
		return
	}
	if !hasVariant(video, profile) {
		writeError(w, http.StatusNotFound, fmt.Errorf("quality %s not available for video %s", profile, videoID))
		return
	}

	if h.Publisher != nil && h.Publisher.Enabled() {
		key := path.Join(video.ID, video.SessionID, profile, name)
		if target := h.Publisher.PublicURL(key); target != "" {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
	}

	fullPath := filepath.Join(filepath.Dir(video.ManifestPath), profile, name)
	file, err := openRenditionFile(fullPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			h.logger(r).Warn("rendition open failed", "video_id", videoID, "path", fullPath, "error", err)
		}
		writeError(w, http.StatusNotFound, errors.New("rendition unavailable"))
		return
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		h.logger(r).Warn("rendition stat failed", "video_id", videoID, "path", fullPath, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("rendition unavailable"))
		return
	}
	w.Header().Set("Content-Type", objectstore.ContentType(name))
	if name == encode.PlaylistName {
		w.Header().Set("Cache-Control", "private, max-age=60")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	}
	http.ServeContent(w, r, name, stat.ModTime(), file)
}

func hasVariant(video models.Video, profile string) bool {
	for _, variant := range video.Variants {
		if variant.Profile == profile {
			return true
		}
	}
	return false
}
