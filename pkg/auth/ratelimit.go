package auth

import (
	"sync"
	"time"

	"github.com/jamesprial/mcp-memory-cloud/pkg/accounts"
)

// Limiter enforces the per-tool rate limits from tenant configuration
// with fixed windows keyed by (tenant, tool). Limits are passed per
// call because each tenant configures its own.
type Limiter struct {
	mu              sync.Mutex
	counters        map[string]*windowCounter
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

type windowCounter struct {
	mu          sync.Mutex
	minuteCount int
	hourCount   int
	dayCount    int
	minuteReset time.Time
	hourReset   time.Time
	dayReset    time.Time
}

func NewLimiter() *Limiter {
	l := &Limiter{
		counters:        make(map[string]*windowCounter),
		cleanupInterval: 10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether one more call fits in every configured
// window, and if so counts it against all of them. A zero limit means
// that window is unlimited; all-zero limits never touch the counter
// map.
func (l *Limiter) Allow(tenantID, toolName string, limits accounts.RateLimits) bool {
	if limits.PerMinute <= 0 && limits.PerHour <= 0 && limits.PerDay <= 0 {
		return true
	}

	key := tenantID + "/" + toolName

	l.mu.Lock()
	counter, exists := l.counters[key]
	if !exists {
		now := time.Now()
		counter = &windowCounter{
			minuteReset: now.Add(time.Minute),
			hourReset:   now.Add(time.Hour),
			dayReset:    now.Add(24 * time.Hour),
		}
		l.counters[key] = counter
	}
	l.mu.Unlock()

	counter.mu.Lock()
	defer counter.mu.Unlock()

	now := time.Now()
	if now.After(counter.minuteReset) {
		counter.minuteCount = 0
		counter.minuteReset = now.Add(time.Minute)
	}
	if now.After(counter.hourReset) {
		counter.hourCount = 0
		counter.hourReset = now.Add(time.Hour)
	}
	if now.After(counter.dayReset) {
		counter.dayCount = 0
		counter.dayReset = now.Add(24 * time.Hour)
	}

	if limits.PerMinute > 0 && counter.minuteCount >= limits.PerMinute {
		return false
	}
	if limits.PerHour > 0 && counter.hourCount >= limits.PerHour {
		return false
	}
	if limits.PerDay > 0 && counter.dayCount >= limits.PerDay {
		return false
	}

	counter.minuteCount++
	counter.hourCount++
	counter.dayCount++
	return true
}

// cleanupLoop removes counters idle past their longest window.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, counter := range l.counters {
		counter.mu.Lock()
		if now.After(counter.dayReset) {
			delete(l.counters, key)
		}
		counter.mu.Unlock()
	}
}

// Stop halts the cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stopCleanup)
}
