package common

import (
	"strconv"
	"sync"
	"time"
)

// WeightTracker tracks request-weight usage reported by venue response
// headers (Binance and MEXC expose X-MBX-USED-WEIGHT style headers).
type WeightTracker struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewWeightTracker creates a tracker for the given weight budget per window,
// e.g. 1200 per minute for Binance spot.
func NewWeightTracker(limit int, resetInterval time.Duration) *WeightTracker {
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
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
}

// Usage returns current usage within the window.
func (wt *WeightTracker) Usage() (used int, limit int, percentage float64) {
	wt.mu.RLock()
	defer wt.mu.RUnlock()
	if time.Since(wt.lastReset) >= wt.resetInterval {
		return 0, wt.limit, 0
	}
	return wt.usedWeight, wt.limit, float64(wt.usedWeight) / float64(wt.limit) * 100
}

// NearLimit reports whether the next request risks a venue ban.
func (wt *WeightTracker) NearLimit() bool {
	_, _, pct := wt.Usage()
	return pct >= 90
}
