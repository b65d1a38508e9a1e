package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tullo/streamly/internal/cache"
	"github.com/tullo/streamly/internal/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles API calls per operator (or client IP before login).
// With Redis the budget is shared by every API process; without it, or when
// Redis errors, a local token bucket is used.
type RateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	redis    *cache.RedisClient
}

func NewRateLimiter(rps int, redis *cache.RedisClient) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(rps),
		burst:    rps * 2,
		redis:    redis,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Allow reports whether key may make another request now.
func (rl *RateLimiter) Allow(c *gin.Context, key string) bool {
	if rl.redis != nil {
		ok, err := rl.redis.AllowAction(c.Request.Context(), key, "api", int(rl.rate), rl.burst)
		if err == nil {
			return ok
		}
		log.Warn("redis rate limiter unavailable, using local bucket", zap.Error(err))
	}
	return rl.getLimiter(key).Allow()
}

// Prune drops limiters idle for longer than idle.
func (rl *RateLimiter) Prune(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	n := 0
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			n++
		}
	}
	return n
}

// Cleanup prunes idle limiters every five minutes until stop is closed
func (rl *RateLimiter) Cleanup(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				rl.Prune(10 * time.Minute)
			}
		}
	}()
}

// RateLimitMiddleware limits requests per operator
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if operator, ok := c.Get(OperatorKey); ok {
			if name, ok := operator.(string); ok {
				key = name
			}
		}

		if !rl.Allow(c, key) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}
