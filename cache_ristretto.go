package rbacgate

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoConfig sizes the ristretto backed cache.
type RistrettoConfig struct {
	NumCounters int64 `json:"num_counters" yaml:"num_counters"`
	MaxCost     int64 `json:"max_cost" yaml:"max_cost"`
	BufferItems int64 `json:"buffer_items" yaml:"buffer_items"`
}

func (c RistrettoConfig) withDefaults() RistrettoConfig {
	if c.NumCounters <= 0 {
		c.NumCounters = 1e5
	}
	if c.MaxCost <= 0 {
		c.MaxCost = 1e4
	}
	if c.BufferItems <= 0 {
		c.BufferItems = 64
	}
	return c
}

// RistrettoCache is a cost bounded PermissionCache. Entries carry their own
// timestamp so expiry follows the injected clock; ristretto's TTL only
// reclaims memory.
type RistrettoCache struct {
	c   *ristretto.Cache
	ttl time.Duration
	now Clock
}

func NewRistrettoCache(cfg RistrettoConfig, ttl time.Duration, now Clock) (*RistrettoCache, error) {
	cfg = cfg.withDefaults()
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto cache: %w", err)
	}
	return &RistrettoCache{c: c, ttl: ttl, now: now}, nil
}

func (r *RistrettoCache) Get(key string) (bool, bool) {
	v, ok := r.c.Get(key)
	if !ok {
		return false, false
	}
	entry, ok := v.(CacheEntry)
	if !ok {
		r.c.Del(key)
		return false, false
	}
	if entry.Expired(r.now(), r.ttl) {
		r.c.Del(key)
		return false, false
	}
	return entry.Value, true
}

func (r *RistrettoCache) Set(key string, value bool) {
	// the extra second keeps ristretto from reclaiming an entry before the
	// clock based check considers it expired
	r.c.SetWithTTL(key, CacheEntry{Value: value, Timestamp: r.now()}, 1, r.ttl+time.Second)
	r.c.Wait()
}

func (r *RistrettoCache) Delete(key string) { r.c.Del(key) }

func (r *RistrettoCache) Clear() { r.c.Clear() }

// Close releases ristretto's background goroutines.
func (r *RistrettoCache) Close() { r.c.Close() }
