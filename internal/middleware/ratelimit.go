// Package middleware provides the HTTP-facing concerns shared by the
// Gateway: CORS, request correlation, structured request logging, panic
// recovery, and rate limiting.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/ruvnet/crdtsync/internal/config"
	apierrors "github.com/ruvnet/crdtsync/internal/errors"
)

// RateLimiter holds rate limiting configuration and per-key state.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	config   config.RateLimitConfig
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		config:   cfg,
	}
}

// getLimiter gets or creates a rate limiter for a client.
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter := rate.NewLimiter(
		rate.Limit(rl.config.RequestsPerMinute)/60,
		rl.config.Burst,
	)
	rl.limiters[key] = limiter

	go func() {
		time.Sleep(10 * time.Minute)
		rl.mu.Lock()
		delete(rl.limiters, key)
		rl.mu.Unlock()
	}()

	return limiter
}

// RateLimit middleware applies rate limiting per IP address.
func RateLimit(cfg config.RateLimitConfig) gin.HandlerFunc {
	rl := NewRateLimiter(cfg)

	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		limiter := rl.getLimiter(clientIP)

		if !limiter.Allow() {
			retryAfter := time.Second

			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			c.Header("X-Rate-Limit-Limit", strconv.Itoa(cfg.RequestsPerMinute))
			c.Header("X-Rate-Limit-Remaining", "0")
			c.Header("X-Rate-Limit-Reset", strconv.FormatInt(time.Now().Add(retryAfter).Unix(), 10))

			c.AbortWithStatusJSON(http.StatusTooManyRequests, response{
				Success: false,
				Error:   apierrors.NewRateLimitError("rate limit exceeded, try again later"),
			})
			return
		}

		c.Header("X-Rate-Limit-Limit", strconv.Itoa(cfg.RequestsPerMinute))
		c.Header("X-Rate-Limit-Remaining", strconv.Itoa(cfg.Burst-1))
		c.Header("X-Rate-Limit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))

		c.Next()
	}
}
