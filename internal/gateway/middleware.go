package gateway

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/journeykit-dev/journeykit/pkg/observability"
)

// RateLimiter provides global plus per-client token buckets.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	clientLimiters map[string]*rate.Limiter
	mu             sync.RWMutex

	requestsPerSecond float64
	burst             int
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(requestsPerSecond*10), burst*10),
		clientLimiters:    make(map[string]*rate.Limiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.globalLimiter.Allow() {
		return false
	}
	return rl.getClientLimiter(clientID).Allow()
}

// getClientLimiter gets or creates a rate limiter for a specific client
func (rl *RateLimiter) getClientLimiter(clientID string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.clientLimiters[clientID]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.clientLimiters[clientID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)
	rl.clientLimiters[clientID] = limiter
	return limiter
}

// rateLimitMiddleware rejects clients that exceed their token bucket.
func rateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			observability.CountError("rate_limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// metricsMiddleware records request counts and latency per route.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		observability.RecordHTTPRequest(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start),
		)
	}
}
