package stores

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/oarkflow/rbacgate"
)

// DefaultRateLimitKeys bounds the number of windows a MemoryRateLimiter
// tracks; the least recently used key is forgotten first.
const DefaultRateLimitKeys = 10000

type window struct {
	start time.Time
	count int
}

// MemoryRateLimiter is a fixed-window limiter for a single process.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows *lru.Cache[string, *window]
	now     rbacgate.Clock
}

func NewMemoryRateLimiter(maxKeys int, now rbacgate.Clock) (*MemoryRateLimiter, error) {
	if maxKeys <= 0 {
		maxKeys = DefaultRateLimitKeys
	}
	if now == nil {
		now = time.Now
	}
	windows, err := lru.New[string, *window](maxKeys)
	if err != nil {
		return nil, fmt.Errorf("rate limiter windows: %w", err)
	}
	return &MemoryRateLimiter{windows: windows, now: now}, nil
}

func (l *MemoryRateLimiter) CheckLimit(ctx context.Context, key string, limit rbacgate.Limit) error {
	if err := limit.Validate(); err != nil {
		return err
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows.Get(key)
	if !ok || !now.Before(w.start.Add(limit.Duration)) {
		w = &window{start: now}
		l.windows.Add(key, w)
	}
	w.count++
	if w.count > limit.Points {
		return &rbacgate.RateLimitExceeded{ResetIn: w.start.Add(limit.Duration).Sub(now)}
	}
	return nil
}

// Reset forgets the window of key.
func (l *MemoryRateLimiter) Reset(key string) {
	l.mu.Lock()
	l.windows.Remove(key)
	l.mu.Unlock()
}
