package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimits holds the per-client request budgets for the note routes.
// A zero limit disables the corresponding check.
type RateLimits struct {
	CreateLimit  int
	CreateWindow time.Duration
	FetchLimit   int
	FetchWindow  time.Duration
}

type limiterEntry struct {
	count    int
	windowAt time.Time
}

// RateLimiter is a fixed-window in-memory limiter keyed by arbitrary strings.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	clock   func() time.Time
}

func NewRateLimiter(clock func() time.Time) *RateLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		entries: make(map[string]*limiterEntry),
		clock:   clock,
	}
}

// Allow reports whether key is still within limit for the current window.
// When it is not, the time until the window resets is returned.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock()
	e, ok := rl.entries[key]
	if !ok || !now.Before(e.windowAt) {
		rl.entries[key] = &limiterEntry{count: 1, windowAt: now.Add(window)}
		return true, 0
	}
	e.count++
	if e.count <= limit {
		return true, 0
	}
	return false, e.windowAt.Sub(now)
}

// Cleanup removes entries whose window has elapsed.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock()
	for key, e := range rl.entries {
		if !now.Before(e.windowAt) {
			delete(rl.entries, key)
		}
	}
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// rateLimit rejects requests from a client that exceeded limit within window.
// Clients are identified by gin's ClientIP, which only honours forwarding
// headers sent by trusted proxies.
func rateLimit(limiter *RateLimiter, scope string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || limit <= 0 || window <= 0 {
			c.Next()
			return
		}
		allowed, retryAfter := limiter.Allow(scope+":"+c.ClientIP(), limit, window)
		if !allowed {
			seconds := int(retryAfter.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}
