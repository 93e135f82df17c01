package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jamesprial/mcp-memory-cloud/pkg/accounts"
)

func TestLimiterZeroLimitsUnlimited(t *testing.T) {
	limiter := NewLimiter()
	defer limiter.Stop()

	for i := 0; i < 100; i++ {
		assert.True(t, limiter.Allow("t1", "read_graph", accounts.RateLimits{}))
	}
	// All-zero limits never allocate a counter.
	assert.Empty(t, limiter.counters)
}

func TestLimiterPerMinute(t *testing.T) {
	limiter := NewLimiter()
	defer limiter.Stop()

	limits := accounts.RateLimits{PerMinute: 3}
	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("t1", "search_nodes", limits))
	}
	assert.False(t, limiter.Allow("t1", "search_nodes", limits))
}

func TestLimiterPerHourIndependent(t *testing.T) {
	limiter := NewLimiter()
	defer limiter.Stop()

	limits := accounts.RateLimits{PerHour: 2}
	assert.True(t, limiter.Allow("t1", "create_entities", limits))
	assert.True(t, limiter.Allow("t1", "create_entities", limits))
	assert.False(t, limiter.Allow("t1", "create_entities", limits))
}

func TestLimiterPerDay(t *testing.T) {
	limiter := NewLimiter()
	defer limiter.Stop()

	limits := accounts.RateLimits{PerDay: 1}
	assert.True(t, limiter.Allow("t1", "delete_entities", limits))
	assert.False(t, limiter.Allow("t1", "delete_entities", limits))
}

func TestLimiterKeyedByTenantAndTool(t *testing.T) {
	limiter := NewLimiter()
	defer limiter.Stop()

	limits := accounts.RateLimits{PerMinute: 1}
	assert.True(t, limiter.Allow("t1", "search_nodes", limits))
	assert.False(t, limiter.Allow("t1", "search_nodes", limits))

	// Another tenant and another tool each get their own window.
	assert.True(t, limiter.Allow("t2", "search_nodes", limits))
	assert.True(t, limiter.Allow("t1", "read_graph", limits))
}

func TestLimiterWindowReset(t *testing.T) {
	limiter := NewLimiter()
	defer limiter.Stop()

	limits := accounts.RateLimits{PerMinute: 1}
	assert.True(t, limiter.Allow("t1", "search_nodes", limits))
	assert.False(t, limiter.Allow("t1", "search_nodes", limits))

	// Force the minute boundary into the past instead of sleeping.
	limiter.mu.Lock()
	counter := limiter.counters["t1/search_nodes"]
	limiter.mu.Unlock()
	counter.mu.Lock()
	counter.minuteReset = time.Now().Add(-time.Second)
	counter.mu.Unlock()

	assert.True(t, limiter.Allow("t1", "search_nodes", limits))
}

func TestLimiterCleanup(t *testing.T) {
	limiter := NewLimiter()
	defer limiter.Stop()

	limits := accounts.RateLimits{PerMinute: 1}
	assert.True(t, limiter.Allow("t1", "search_nodes", limits))
	assert.Len(t, limiter.counters, 1)

	limiter.mu.Lock()
	counter := limiter.counters["t1/search_nodes"]
	limiter.mu.Unlock()
	counter.mu.Lock()
	counter.dayReset = time.Now().Add(-time.Second)
	counter.mu.Unlock()

	limiter.cleanup()
	assert.Empty(t, limiter.counters)
}
