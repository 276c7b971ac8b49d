package license

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"entitled/internal/infrastructure"
)

// AttemptLimiter blocks an address after too many failed license operations
// inside a rolling window. Successful operations clear the counter. It
// guards the activation endpoint against key guessing; verification stays
// unthrottled here because it consumes no slot and already reports its
// risk through the trust score. Per-request rate limiting is handled
// separately by middleware.
type AttemptLimiter struct {
	attemptCounts map[string]int
	lastAttempts  map[string]time.Time
	blocked       map[string]time.Time

	mutex           sync.RWMutex
	maxFailures     int
	blockDuration   time.Duration
	windowDuration  time.Duration
	cleanupInterval time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
}

// NewAttemptLimiter creates an attempt limiter.
func NewAttemptLimiter(maxFailures int, blockDuration, windowDuration time.Duration) *AttemptLimiter {
	al := &AttemptLimiter{
		attemptCounts:   make(map[string]int),
		lastAttempts:    make(map[string]time.Time),
		blocked:         make(map[string]time.Time),
		maxFailures:     maxFailures,
		blockDuration:   blockDuration,
		windowDuration:  windowDuration,
		cleanupInterval: 5 * time.Minute,
		stopChan:        make(chan struct{}),
	}

	go al.cleanup()

	return al
}

// IsBlocked checks if an identifier is currently blocked
func (al *AttemptLimiter) IsBlocked(identifier string) bool {
	al.mutex.Lock()
	defer al.mutex.Unlock()

	if blockTime, exists := al.blocked[identifier]; exists {
		if time.Since(blockTime) < al.blockDuration {
			return true
		}
		delete(al.blocked, identifier)
	}
	return false
}

// RecordAttempt records the outcome of a license operation for the
// identifier. It returns false once the failure budget is exhausted and the
// identifier has been blocked.
func (al *AttemptLimiter) RecordAttempt(identifier string, success bool) bool {
	al.mutex.Lock()
	defer al.mutex.Unlock()

	now := time.Now()

	if success {
		delete(al.attemptCounts, identifier)
		delete(al.lastAttempts, identifier)
		return true
	}

	if lastAttempt, exists := al.lastAttempts[identifier]; exists {
		if now.Sub(lastAttempt) > al.windowDuration {
			al.attemptCounts[identifier] = 1
		} else {
			al.attemptCounts[identifier]++
		}
	} else {
		al.attemptCounts[identifier] = 1
	}

	al.lastAttempts[identifier] = now

	if al.attemptCounts[identifier] >= al.maxFailures {
		al.blocked[identifier] = now

		ctx := context.Background()
		logger := infrastructure.LoggerWithContext(ctx)
		logger.WarnContext(ctx, "address blocked after repeated failed license operations",
			slog.String("action", "security_violation"),
			slog.String("ip_address", identifier),
			slog.Int("attempt_count", al.attemptCounts[identifier]),
			slog.Int("max_failures", al.maxFailures),
		)

		return false
	}

	return true
}

// GetStats returns limiter statistics
func (al *AttemptLimiter) GetStats() map[string]interface{} {
	al.mutex.RLock()
	defer al.mutex.RUnlock()

	return map[string]interface{}{
		"active_attempts": len(al.attemptCounts),
		"blocked":         len(al.blocked),
		"max_failures":    al.maxFailures,
		"block_duration":  al.blockDuration.String(),
		"window_duration": al.windowDuration.String(),
	}
}

// Stop gracefully stops the limiter cleanup goroutine
func (al *AttemptLimiter) Stop() {
	al.stopOnce.Do(func() { close(al.stopChan) })
}

// cleanup periodically removes stale entries
func (al *AttemptLimiter) cleanup() {
	ticker := time.NewTicker(al.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			al.mutex.Lock()
			now := time.Now()

			for identifier, lastAttempt := range al.lastAttempts {
				if now.Sub(lastAttempt) > al.windowDuration {
					delete(al.attemptCounts, identifier)
					delete(al.lastAttempts, identifier)
				}
			}

			for identifier, blockTime := range al.blocked {
				if now.Sub(blockTime) > al.blockDuration {
					delete(al.blocked, identifier)
				}
			}

			al.mutex.Unlock()
		case <-al.stopChan:
			return
		}
	}
}
