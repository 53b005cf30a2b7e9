package server

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// ProgressLimit caps progress writes per viewer within ProgressWindow.
	ProgressLimit  int
	ProgressWindow time.Duration
	// Redis, when set, shares the per-viewer counters between instances.
	Redis       redis.UniversalClient
	RedisPrefix string
}

type rateLimiter struct {
	global         *rate.Limiter
	progressLimit  int
	progressWindow time.Duration
	clientsMu      sync.Mutex
	clients        map[string]*clientLimiter
	store          counterStore
	now            func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// counterStore implements a fixed-window counter shared across processes.
type counterStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		progressLimit:  cfg.ProgressLimit,
		progressWindow: cfg.ProgressWindow,
		clients:        make(map[string]*clientLimiter),
		now:            time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.progressLimit < 0 {
		rl.progressLimit = 0
	}
	if rl.progressWindow <= 0 {
		rl.progressWindow = time.Minute
	}
	if cfg.Redis != nil && rl.progressLimit > 0 {
		rl.store = newRedisStore(cfg.Redis, cfg.RedisPrefix)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowProgress applies the per-viewer budget for progress writes. The
// returned duration is a retry hint for rejected calls.
func (r *rateLimiter) AllowProgress(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.progressLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "progress:"+key, r.progressLimit, r.progressWindow)
	}

	r.clientsMu.Lock()
	now := r.now()
	entry, exists := r.clients[key]
	if !exists {
		every := r.progressWindow / time.Duration(r.progressLimit)
		entry = &clientLimiter{limiter: rate.NewLimiter(rate.Every(every), r.progressLimit)}
		r.clients[key] = entry
	}
	entry.lastSeen = now
	r.cleanupLocked(now)
	r.clientsMu.Unlock()

	if entry.limiter.AllowN(now, 1) {
		return true, 0, nil
	}
	return false, r.progressWindow / time.Duration(r.progressLimit), nil
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	if len(r.clients) == 0 {
		return
	}
	cutoff := now.Add(-2 * r.progressWindow)
	for key, entry := range r.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(r.clients, key)
		}
	}
}
