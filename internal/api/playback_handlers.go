package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"bitriver-vod/internal/models"
)

const usersPrefix = "/v1/users/"

type progressRequest struct {
	VideoID  string   `json:"videoId"`
	Position *float64 `json:"position"`
	Duration *float64 `json:"duration"`
}

// Progress records the caller's playback position.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("%s header is required", userIDHeader))
		return
	}
	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.VideoID) == "" || req.Position == nil || req.Duration == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: videoId, position and duration are required", models.ErrInvalidProgress))
		return
	}

	snapshot, err := h.Tracker.UpdateProgress(r.Context(), user, req.VideoID, *req.Position, *req.Duration)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// Users routes /v1/users/{id}/continue-watching.
func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, usersPrefix), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || parts[1] != "continue-watching" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown resource %s", r.URL.Path))
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	owner := strings.TrimSpace(parts[0])
	if caller := userID(r); caller != "" && caller != owner {
		writeError(w, http.StatusForbidden, errors.New("cannot read another user's history"))
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	entries, err := h.Tracker.GetContinueWatching(r.Context(), owner, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.ContinueWatchingEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
