package license

import (
	"sync"
	"time"
)

// scoreEntry is one cached trust score computation.
type scoreEntry struct {
	Result   ScoreResult
	CachedAt time.Time
	ExpireAt time.Time
	HitCount int
}

// ScoreCache memoizes trust score computations for a short TTL. Scores are
// derived values over an append-only attempt log, so brief staleness is
// harmless; activation counts are never cached anywhere, only scores.
type ScoreCache struct {
	entries   map[string]scoreEntry
	mutex     sync.Mutex
	ttl       time.Duration
	maxSize   int
	hitCount  int64
	missCount int64
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewScoreCache creates a score cache with the given TTL and size bound.
func NewScoreCache(ttl time.Duration, maxSize int) *ScoreCache {
	cache := &ScoreCache{
		entries:  make(map[string]scoreEntry),
		ttl:      ttl,
		maxSize:  maxSize,
		stopChan: make(chan struct{}),
	}

	go cache.cleanup()

	return cache
}

// Get retrieves a cached score for a license.
func (c *ScoreCache) Get(licenseID string) (ScoreResult, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[licenseID]
	if !exists || time.Now().After(entry.ExpireAt) {
		c.missCount++
		return ScoreResult{}, false
	}

	entry.HitCount++
	c.entries[licenseID] = entry
	c.hitCount++

	return entry.Result, true
}

// Set stores a computed score.
func (c *ScoreCache) Set(licenseID string, result ScoreResult) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.maxSize <= 0 {
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[licenseID] = scoreEntry{
		Result:   result,
		CachedAt: time.Now(),
		ExpireAt: time.Now().Add(c.ttl),
	}
}

// Invalidate drops the cached score for a license. Called after any ledger
// mutation so the next verification recomputes from fresh history.
func (c *ScoreCache) Invalidate(licenseID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, licenseID)
}

// GetStats returns cache statistics
func (c *ScoreCache) GetStats() map[string]interface{} {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	totalRequests := c.hitCount + c.missCount
	hitRatio := float64(0)
	if totalRequests > 0 {
		hitRatio = float64(c.hitCount) / float64(totalRequests)
	}

	return map[string]interface{}{
		"entries":     len(c.entries),
		"max_size":    c.maxSize,
		"hit_count":   c.hitCount,
		"miss_count":  c.missCount,
		"hit_ratio":   hitRatio,
		"ttl_seconds": c.ttl.Seconds(),
	}
}

func (c *ScoreCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CachedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Stop gracefully stops the cache cleanup goroutine
func (c *ScoreCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *ScoreCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mutex.Lock()
			now := time.Now()
			for key, entry := range c.entries {
				if now.After(entry.ExpireAt) {
					delete(c.entries, key)
				}
			}
			c.mutex.Unlock()
		case <-c.stopChan:
			return
		}
	}
}
