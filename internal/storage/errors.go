package storage

import "errors"

var (
	ErrVideoExists   = errors.New("video already exists")
	ErrInvalidStatus = errors.New("invalid video status")
	ErrInvalidVideo  = errors.New("invalid video")
)
