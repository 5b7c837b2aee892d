package authz

import (
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// PermissionCache caches per-decision results under
// (userId, resource-string, action) keys with LRU eviction and per-entry
// TTL.
type PermissionCache struct {
	cfg    CacheConfig
	lru    *expirable.LRU[string, Result]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheStats reports cumulative cache behavior.
type CacheStats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	TotalRequests uint64  `json:"totalRequests"`
	HitRate       float64 `json:"hitRate"`
	Size          int     `json:"size"`
}

// NewPermissionCache creates the cache. A zero MaxSize falls back to 10000
// entries.
func NewPermissionCache(cfg CacheConfig) *PermissionCache {
	size := cfg.MaxSize
	if size <= 0 {
		size = 10000
	}
	return &PermissionCache{
		cfg: cfg,
		lru: expirable.NewLRU[string, Result](size, nil, cfg.TTL),
	}
}

func cacheKey(userID, resourceStr, action string) string {
	return fmt.Sprintf("%s|%s|%s", userID, resourceStr, action)
}

// Get returns a cached result, counting the hit or miss.
func (c *PermissionCache) Get(userID, resourceStr, action string) (Result, bool) {
	if !c.cfg.Enabled {
		return Result{}, false
	}
	res, ok := c.lru.Get(cacheKey(userID, resourceStr, action))
	if ok {
		c.hits.Add(1)
		return res, true
	}
	c.misses.Add(1)
	return Result{}, false
}

// Put stores a decision.
func (c *PermissionCache) Put(userID, resourceStr, action string, res Result) {
	if !c.cfg.Enabled {
		return
	}
	// Cached copies never report the original evaluation's transport
	// markers.
	res.CacheHit = false
	c.lru.Add(cacheKey(userID, resourceStr, action), res)
}

// Clear drops every entry.
func (c *PermissionCache) Clear() {
	c.lru.Purge()
}

// InvalidatePattern removes every key matching the regex pattern.
func (c *PermissionCache) InvalidatePattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid invalidation pattern: %w", err)
	}
	removed := 0
	for _, key := range c.lru.Keys() {
		if re.MatchString(key) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed, nil
}

// Stats reports cumulative hit/miss figures and current size.
func (c *PermissionCache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return CacheStats{
		Hits:          hits,
		Misses:        misses,
		TotalRequests: total,
		HitRate:       rate,
		Size:          c.lru.Len(),
	}
}
