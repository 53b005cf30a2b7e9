package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"bitriver-vod/internal/models"
	"bitriver-vod/internal/storage"
)

const videosPrefix = "/v1/videos/"

type createVideoRequest struct {
	ID          string                 `json:"id"`
	Title       string                 `json:"title"`
	SourcePath  string                 `json:"sourcePath"`
	PosterURL   string                 `json:"posterUrl"`
	BackdropURL string                 `json:"backdropUrl"`
	Subtitles   []models.SubtitleTrack `json:"subtitles"`
}

type transcodeRequest struct {
	SourcePath string `json:"sourcePath"`
}

type videoResponse struct {
	ID        string                  `json:"id"`
	Title     string                  `json:"title"`
	Status    string                  `json:"status"`
	Duration  float64                 `json:"duration"`
	SessionID string                  `json:"sessionId,omitempty"`
	PosterURL string                  `json:"posterUrl,omitempty"`
	Backdrop  string                  `json:"backdropUrl,omitempty"`
	Subtitles []models.SubtitleTrack  `json:"subtitles"`
	Variants  []videoVariantResponse  `json:"variants"`
	Error     string                  `json:"error,omitempty"`
	CreatedAt string                  `json:"createdAt"`
	UpdatedAt string                  `json:"updatedAt"`
	ReadyAt   *string                 `json:"readyAt,omitempty"`
	Transcode *transcodeStateResponse `json:"transcode,omitempty"`
}

type videoVariantResponse struct {
	Profile      string `json:"profile"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	BitrateKbps  int    `json:"bitrateKbps"`
	PlaylistURL  string `json:"playlistUrl"`
	SizeBytes    int64  `json:"sizeBytes,omitempty"`
	SegmentCount int    `json:"segmentCount,omitempty"`
}

type transcodeStateResponse struct {
	Queued bool   `json:"queued"`
	Error  string `json:"error,omitempty"`
}

func newVideoResponse(video models.Video) videoResponse {
	resp := videoResponse{
		ID:        video.ID,
		Title:     video.Title,
		Status:    string(video.Status),
		Duration:  video.Duration,
		SessionID: video.SessionID,
		PosterURL: video.PosterURL,
		Backdrop:  video.BackdropURL,
		Subtitles: video.Subtitles,
		Error:     video.Error,
		CreatedAt: video.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: video.UpdatedAt.Format(time.RFC3339Nano),
	}
	if resp.Subtitles == nil {
		resp.Subtitles = []models.SubtitleTrack{}
	}
	if video.ReadyAt != nil {
		ready := video.ReadyAt.Format(time.RFC3339Nano)
		resp.ReadyAt = &ready
	}
	resp.Variants = make([]videoVariantResponse, 0, len(video.Variants))
	for _, variant := range video.Variants {
		resp.Variants = append(resp.Variants, videoVariantResponse{
			Profile:      variant.Profile,
			Width:        variant.Width,
			Height:       variant.Height,
			BitrateKbps:  variant.BitrateKbps,
			PlaylistURL:  videosPrefix + video.ID + "/" + variant.Path,
			SizeBytes:    variant.SizeBytes,
			SegmentCount: variant.SegmentCount,
		})
	}
	return resp
}

// Videos handles the collection endpoint: registering uploaded videos and
// listing them by status.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status := models.VideoStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
		if status == "" {
			status = models.VideoStatusReady
		}
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %q", storage.ErrInvalidStatus, status))
			return
		}
		videos, err := h.Catalog.ListVideosByStatus(r.Context(), status)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		response := make([]videoResponse, 0, len(videos))
		for _, video := range videos {
			response = append(response, newVideoResponse(video))
		}
		writeJSON(w, http.StatusOK, response)
	case http.MethodPost:
		h.createVideo(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (h *Handler) createVideo(w http.ResponseWriter, r *http.Request) {
	var req createVideoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	} else if !validPathSegment(id) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: id %q", storage.ErrInvalidVideo, req.ID))
		return
	}
	video, err := h.Catalog.CreateVideo(r.Context(), storage.CreateVideoParams{
		ID:          id,
		Title:       req.Title,
		SourcePath:  req.SourcePath,
		PosterURL:   req.PosterURL,
		BackdropURL: req.BackdropURL,
		Subtitles:   req.Subtitles,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	resp := newVideoResponse(video)
	if video.SourcePath != "" && h.Transcodes != nil {
		state := &transcodeStateResponse{Queued: true}
		if err := h.Transcodes.Enqueue(video.ID, video.SourcePath); err != nil {
			// The video stays pending; recovery or an explicit transcode
			// request picks it up later.
			h.logger(r).Warn("transcode not queued", "video_id", video.ID, "error", err)
			state = &transcodeStateResponse{Queued: false, Error: err.Error()}
		}
		resp.Transcode = state
	}
	writeJSON(w, http.StatusCreated, resp)
}

// VideoByID routes /v1/videos/{id} and its sub-resources.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, videosPrefix), "/")
	if path == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("video id missing"))
		return
	}
	parts := strings.Split(path, "/")
	videoID := strings.TrimSpace(parts[0])
	if !validPathSegment(videoID) {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
		return
	}

	switch {
	case len(parts) == 1:
		h.getVideo(w, r, videoID)
	case len(parts) == 2 && parts[1] == "transcode":
		h.startTranscode(w, r, videoID)
	case len(parts) == 2 && parts[1] == "master.m3u8":
		h.masterManifest(w, r, videoID)
	case len(parts) == 2 && parts[1] == "stream":
		h.streamInfo(w, r, videoID)
	case len(parts) == 3:
		h.renditionFile(w, r, videoID, parts[1], parts[2])
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown resource %s", r.URL.Path))
	}
}

func (h *Handler) getVideo(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	video, err := h.Catalog.GetVideo(r.Context(), videoID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newVideoResponse(video))
}

// startTranscode queues a session. The work runs in the background so the
// response only confirms acceptance; progress arrives over the websocket and
// the outcome through the video status.
func (h *Handler) startTranscode(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if h.Transcodes == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("transcoding is disabled"))
		return
	}
	var req transcodeRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	video, err := h.Catalog.GetVideo(r.Context(), videoID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if video.Status == models.VideoStatusProcessing {
		writeError(w, http.StatusConflict, fmt.Errorf("video %s: %w", videoID, models.ErrAlreadyInProgress))
		return
	}
	source := strings.TrimSpace(req.SourcePath)
	if source == "" && video.SourcePath == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: sourcePath is required", storage.ErrInvalidVideo))
		return
	}
	if err := h.Transcodes.Enqueue(videoID, source); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.logger(r).Info("transcode queued", "video_id", videoID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"videoId": videoID,
		"status":  "queued",
	})
}

func (h *Handler) masterManifest(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, http.MethodGet, http.MethodHead)
		return
	}
	body, err := h.Manifests.GetMasterManifest(r.Context(), videoID, maxQuality(r))
	if err != nil {
		if errors.Is(err, models.ErrNotReady) {
			h.writeNotReady(w, r, videoID, err)
			return
		}
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", manifestContentType)
	w.Header().Set("Cache-Control", "private, max-age=30")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write([]byte(body))
}

func (h *Handler) streamInfo(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	info, err := h.Manifests.GetStreamInfo(r.Context(), videoID, userID(r), maxQuality(r))
	if err != nil {
		if errors.Is(err, models.ErrNotReady) {
			h.writeNotReady(w, r, videoID, err)
			return
		}
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// writeNotReady answers 409 and tells the client where the video stands so it
// can keep polling or give up.
func (h *Handler) writeNotReady(w http.ResponseWriter, r *http.Request, videoID string, cause error) {
	payload := map[string]string{"error": cause.Error()}
	if video, err := h.Catalog.GetVideo(r.Context(), videoID); err == nil {
		payload["status"] = string(video.Status)
		if video.Error != "" {
			payload["reason"] = video.Error
		}
	}
	writeJSON(w, http.StatusConflict, payload)
}

// validPathSegment rejects identifiers that could escape the media tree.
func validPathSegment(s string) bool {
	if s == "" || s == "." || s == ".." || len(s) > 128 {
		return false
	}
	return !strings.ContainsAny(s, "/\\\x00")
}
