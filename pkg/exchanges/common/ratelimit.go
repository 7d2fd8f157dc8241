package common

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WeightTracker follows the request weight a venue reports back in response
// headers so callers can back off before the venue bans the key.
type WeightTracker struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewWeightTracker creates a tracker.
// limit: maximum weight allowed (e.g. 2400 for USDT-M futures)
// resetInterval: venue window (e.g. 1 minute)
func NewWeightTracker(limit int, resetInterval time.Duration, logger *zap.Logger) *WeightTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		logger:        logger,
	}
}

// UpdateFromHeader records the used weight from an API response header.
func (wt *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}

	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	wt.mu.Lock()
	defer wt.mu.Unlock()

	if time.Since(wt.lastReset) >= wt.resetInterval {
		wt.usedWeight = 0
		wt.lastReset = time.Now()
	}
	wt.usedWeight = weight

	percentage := float64(wt.usedWeight) / float64(wt.limit) * 100
	if percentage >= 95 {
		wt.logger.Error("request weight critical",
			zap.Int("used", wt.usedWeight), zap.Int("limit", wt.limit), zap.Float64("pct", percentage))
	} else if percentage >= 80 {
		wt.logger.Warn("request weight high",
			zap.Int("used", wt.usedWeight), zap.Int("limit", wt.limit), zap.Float64("pct", percentage))
	}
}

// Usage returns current usage information.
func (wt *WeightTracker) Usage() (used int, limit int, percentage float64) {
	wt.mu.RLock()
	defer wt.mu.RUnlock()

	if time.Since(wt.lastReset) >= wt.resetInterval {
		return 0, wt.limit, 0
	}
	return wt.usedWeight, wt.limit, float64(wt.usedWeight) / float64(wt.limit) * 100
}

// ShouldDelay returns true once 90% of the window is used.
func (wt *WeightTracker) ShouldDelay() bool {
	_, _, pct := wt.Usage()
	return pct >= 90
}
