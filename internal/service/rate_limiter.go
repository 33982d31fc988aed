package service

import (
	"context"
	"sync"
	"time"
)

// RateLimiter caps how many dead letters each tenant may reprocess per window
type RateLimiter struct {
	mu sync.Mutex

	maxPerWindow int
	window       time.Duration
	windows      map[string]*reprocessWindow
}

type reprocessWindow struct {
	count     int
	windowEnd time.Time
}

// NewRateLimiter creates a per-minute reprocess limiter
func NewRateLimiter(maxPerMinute int) *RateLimiter {
	return &RateLimiter{
		maxPerWindow: maxPerMinute,
		window:       time.Minute,
		windows:      make(map[string]*reprocessWindow),
	}
}

// CheckReprocessRate records one reprocess for tenantID, or returns
// ErrRateLimitExceeded when the tenant's window is full
func (rl *RateLimiter) CheckReprocessRate(ctx context.Context, tenantID string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, exists := rl.windows[tenantID]

	if !exists || now.After(w.windowEnd) {
		rl.windows[tenantID] = &reprocessWindow{
			count:     1,
			windowEnd: now.Add(rl.window),
		}
		return nil
	}

	if w.count >= rl.maxPerWindow {
		return ErrRateLimitExceeded
	}

	w.count++
	return nil
}
