// Package cache stores rendered playback responses and invalidates them when
// the underlying state changes. Keys use ':' separated segments. Patterns are
// a literal key prefix followed by '*', e.g. "manifest:<videoID>:*", with glob
// metacharacters in the prefix escaped by a backslash.
package cache

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Cache is the caching collaborator used by the playback services. A miss is
// reported as ok == false with a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Invalidate removes key, or every key starting with the prefix of a
	// pattern built by this package.
	Invalidate(ctx context.Context, keyOrPattern string) error
	Ping(ctx context.Context) error
	Close() error
}

// Key joins segments into a cache key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

func ManifestKey(videoID, tier string) string { return Key("manifest", videoID, tier) }

func StreamInfoKey(videoID, userID, tier string) string {
	return Key("stream", videoID, userID, tier)
}

func ContinueWatchingKey(userID string, limit int) string {
	return Key("continue", userID, strconv.Itoa(limit))
}

// VideoPatterns lists every pattern holding playback data for a video.
func VideoPatterns(videoID string) []string {
	return []string{
		Pattern("manifest", videoID),
		Pattern("stream", videoID),
	}
}

// UserStreamPattern matches the cached stream info of one user for one video.
func UserStreamPattern(videoID, userID string) string {
	return Pattern("stream", videoID, userID)
}

// ContinueWatchingPattern matches every cached continue-watching page of a user.
func ContinueWatchingPattern(userID string) string {
	return Pattern("continue", userID)
}

// Pattern matches every key whose leading segments equal parts. Segments are
// escaped so identifiers containing glob characters only match themselves.
func Pattern(parts ...string) string {
	escaped := make([]string, 0, len(parts)+1)
	for _, part := range parts {
		escaped = append(escaped, escapeGlob(part))
	}
	return Key(append(escaped, "*")...)
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(segment string) string {
	return globEscaper.Replace(segment)
}

// patternPrefix reports the literal prefix of a pattern built by Pattern. Keys
// without a trailing unescaped '*' are not patterns.
func patternPrefix(keyOrPattern string) (string, bool) {
	if !strings.HasSuffix(keyOrPattern, "*") {
		return "", false
	}
	body := keyOrPattern[:len(keyOrPattern)-1]
	var prefix strings.Builder
	prefix.Grow(len(body))
	escaped := false
	for i := 0; i < len(body); i++ {
		c := body[i]
		if escaped {
			prefix.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		prefix.WriteByte(c)
	}
	if escaped {
		// The final '*' was escaped, so this is a plain key.
		return "", false
	}
	return prefix.String(), true
}
