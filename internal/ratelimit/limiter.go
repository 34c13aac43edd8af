// Package ratelimit throttles login attempts per client key.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the login throttle.
type Config struct {
	PerMinute       int           // Attempts allowed per minute, also the burst
	CleanupInterval time.Duration // How often idle limiters are dropped
}

// DefaultConfig matches the server's default login limit.
var DefaultConfig = Config{
	PerMinute:       10,
	CleanupInterval: time.Hour,
}

type limiterEntry struct {
	limiter   *rate.Limiter
	lastUsed  time.Time
	perMinute int
}

// RateLimiter keeps one token bucket per key.
type RateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	config   Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRateLimiter starts a limiter and its cleanup goroutine.
func NewRateLimiter(config Config) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig.CleanupInterval
	}
	rl := &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		config:   config,
		stopCh:   make(chan struct{}),
	}
	rl.wg.Add(1)
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether key may make another attempt at the configured rate.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.GetLimiter(key, rl.config.PerMinute).Allow()
}

// GetLimiter returns the limiter for key. A changed perMinute replaces the
// bucket, so settings updates apply without a restart. perMinute <= 0
// disables limiting.
func (rl *RateLimiter) GetLimiter(key string, perMinute int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if entry, ok := rl.limiters[key]; ok && entry.perMinute == perMinute {
		entry.lastUsed = time.Now()
		return entry.limiter
	}

	limit := rate.Inf
	burst := 0
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
		burst = perMinute
	}
	limiter := rate.NewLimiter(limit, burst)
	rl.limiters[key] = &limiterEntry{limiter: limiter, lastUsed: time.Now(), perMinute: perMinute}
	return limiter
}

// Cleanup drops limiters idle for longer than the cleanup interval.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.config.CleanupInterval)
	for key, entry := range rl.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

func (rl *RateLimiter) cleanupLoop() {
	defer rl.wg.Done()

	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop ends the cleanup goroutine and waits for it.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
	rl.wg.Wait()
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
