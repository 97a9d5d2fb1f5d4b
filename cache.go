package rbacgate

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a resolved decision stays valid.
const DefaultCacheTTL = 5 * time.Minute

// Clock returns the current time. Tests inject a controllable clock.
type Clock func() time.Time

// CacheEntry is a memoized decision.
type CacheEntry struct {
	Value     bool      `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Expired reports whether the entry is older than ttl at now.
func (e CacheEntry) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.Timestamp) > ttl
}

// PermissionCache memoizes decisions. It is never the source of truth:
// clearing it only affects latency.
type PermissionCache interface {
	Get(key string) (bool, bool)
	Set(key string, value bool)
	Delete(key string)
	Clear()
}

// CacheKey serializes (role, action, resource, context) canonically. Team
// members are sorted so logically identical contexts produce the same key, and
// a nil context is distinguishable from an empty one.
func CacheKey(role Role, action Action, resource Resource, rc *ResourceContext) string {
	var b strings.Builder
	b.Grow(64)
	b.WriteString(strconv.Quote(string(role)))
	b.WriteByte('|')
	b.WriteString(strconv.Quote(string(action)))
	b.WriteByte('|')
	b.WriteString(strconv.Quote(string(resource)))
	b.WriteByte('|')
	if rc == nil {
		b.WriteByte('-')
		return b.String()
	}
	b.WriteString("u=")
	b.WriteString(strconv.Quote(rc.UserID))
	b.WriteString(";o=")
	b.WriteString(strconv.Quote(rc.ResourceOwnerID))
	b.WriteString(";p=")
	b.WriteString(strconv.Quote(rc.ProjectID))
	b.WriteString(";t=")
	if rc.TeamMembers == nil {
		b.WriteByte('-')
	} else {
		members := append([]string(nil), rc.TeamMembers...)
		sort.Strings(members)
		b.WriteByte('[')
		for i, m := range members {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(m))
		}
		b.WriteByte(']')
	}
	return b.String()
}

// MemoryCache is a mutex guarded map with lazy expiry and an optional
// periodic sweep.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
	ttl     time.Duration
	now     Clock

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// MemoryCacheOption configures a MemoryCache.
type MemoryCacheOption func(*MemoryCache)

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) MemoryCacheOption {
	return func(c *MemoryCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheClock installs the clock used for timestamps and expiry.
func WithCacheClock(now Clock) MemoryCacheOption {
	return func(c *MemoryCache) {
		if now != nil {
			c.now = now
		}
	}
}

func NewMemoryCache(opts ...MemoryCacheOption) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]CacheEntry),
		ttl:     DefaultCacheTTL,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured time-to-live.
func (c *MemoryCache) TTL() time.Duration { return c.ttl }

func (c *MemoryCache) Get(key string) (bool, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false, false
	}
	if entry.Expired(c.now(), c.ttl) {
		c.mu.Lock()
		// a concurrent writer may have refreshed the entry meanwhile
		if cur, still := c.entries[key]; still && cur.Timestamp.Equal(entry.Timestamp) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return false, false
	}
	return entry.Value, true
}

func (c *MemoryCache) Set(key string, value bool) {
	entry := CacheEntry{Value: value, Timestamp: c.now()}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]CacheEntry)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep evicts every expired entry and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if e.Expired(now, c.ttl) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done or Close is called.
func (c *MemoryCache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Close stops the sweeper, if any, and waits for it to exit.
func (c *MemoryCache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}
