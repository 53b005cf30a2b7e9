package models

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrNotReady          = errors.New("video is not ready for playback")
	ErrAlreadyInProgress = errors.New("transcode already in progress")
	ErrProbeFailed       = errors.New("media probe failed")
	ErrAllEncodesFailed  = errors.New("all encodes failed")
	ErrEncodeFailed      = errors.New("encode failed")
	// ErrInterrupted marks a session stopped by its host, e.g. on shutdown.
	// The video is left PENDING so it runs again.
	ErrInterrupted     = errors.New("transcode interrupted")
	ErrInvalidProgress = errors.New("invalid playback progress")
	ErrInvalidQuality  = errors.New("invalid quality tier")
)
