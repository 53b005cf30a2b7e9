package encode

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter caps concurrently running encoder processes across all videos.
type Limiter struct {
	sem    *semaphore.Weighted
	size   int
	active atomic.Int64
}

// NewLimiter allows up to size encoders at once. Sizes below one are raised to one.
func NewLimiter(size int) *Limiter {
	if size < 1 {
		size = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// function must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	l.active.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			l.active.Add(-1)
			l.sem.Release(1)
		}
	}, nil
}

func (l *Limiter) Size() int { return l.size }

// Active reports how many slots are currently held.
func (l *Limiter) Active() int { return int(l.active.Load()) }
