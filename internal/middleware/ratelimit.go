// ratelimit.go provides two complementary limiters: a per-process token
// bucket applied to every request, and a Redis-backed budget for failed
// authentication attempts that is shared across replicas so a credential
// stuffer cannot shard its attempts over the fleet.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/auth-gateway/auth-gateway/internal/config"
)

// RateLimitConfig holds configuration for the in-process token bucket.
type RateLimitConfig struct {
	// RequestsPerMinute is the maximum number of requests allowed per minute
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// CleanupInterval is how often to clean up expired entries
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns defaults suitable for authenticated API
// traffic.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 200,
		BurstSize:         50,
		CleanupInterval:   5 * time.Minute,
	}
}

// AdminRateLimitConfig returns stricter limits for credential-management
// endpoints.
func AdminRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 30,
		BurstSize:         10,
		CleanupInterval:   5 * time.Minute,
	}
}

// rateLimitEntry tracks request counts for a single client
type rateLimitEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter implements a token bucket rate limiter
type RateLimiter struct {
	config  RateLimitConfig
	entries map[string]*rateLimitEntry
	mu      sync.RWMutex
	stopCh  chan struct{}
}

// NewRateLimiter creates a new rate limiter with the given config
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		entries: make(map[string]*rateLimitEntry),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// cleanup periodically removes expired entries
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, entry := range rl.entries {
				// Remove entries that haven't been accessed in 10 minutes
				if now.Sub(entry.lastUpdate) > 10*time.Minute {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// Allow checks if a request from the given key should be allowed
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, exists := rl.entries[key]

	if !exists {
		// New client, give them full burst
		rl.entries[key] = &rateLimitEntry{
			tokens:     float64(rl.config.BurstSize) - 1,
			lastUpdate: now,
		}
		return true
	}

	// Calculate tokens to add based on time elapsed
	elapsed := now.Sub(entry.lastUpdate)
	tokensPerSecond := float64(rl.config.RequestsPerMinute) / 60.0
	tokensToAdd := elapsed.Seconds() * tokensPerSecond

	// Update tokens (capped at burst size)
	entry.tokens = min(float64(rl.config.BurstSize), entry.tokens+tokensToAdd)
	entry.lastUpdate = now

	if entry.tokens >= 1 {
		entry.tokens--
		return true
	}

	return false
}

// RemainingTokens returns how many tokens are left for a key
func (rl *RateLimiter) RemainingTokens(key string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, exists := rl.entries[key]
	if !exists {
		return rl.config.BurstSize
	}

	now := time.Now()
	elapsed := now.Sub(entry.lastUpdate)
	tokensPerSecond := float64(rl.config.RequestsPerMinute) / 60.0
	tokensToAdd := elapsed.Seconds() * tokensPerSecond
	currentTokens := min(float64(rl.config.BurstSize), entry.tokens+tokensToAdd)

	return int(currentTokens)
}

// RateLimitMiddleware creates a Gin middleware that rate limits requests
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := getRateLimitKey(c)

		if !limiter.Allow(key) {
			remaining := limiter.RemainingTokens(key)
			c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": 60,
			})
			return
		}

		remaining := limiter.RemainingTokens(key)
		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.config.RequestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		c.Next()
	}
}

// getRateLimitKey determines the key to use for rate limiting.
// Priority: authenticated principal > IP address.
func getRateLimitKey(c *gin.Context) string {
	if principal := GetPrincipal(c); principal != nil && principal.Identifier != "" {
		return string(principal.Kind) + ":" + principal.Identifier
	}

	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}

// Helper function for min (Go 1.21+ has this built-in, but for compatibility)
func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// FailedAuthLimiter meters failed authentication attempts per source IP
// using a Redis-backed GCRA budget. Successful requests never consume from
// the budget; only 401 responses do, so legitimate high-volume callers are
// unaffected.
type FailedAuthLimiter struct {
	limiter *redis_rate.Limiter
	client  *redis.Client
	limit   redis_rate.Limit
	logger  *slog.Logger
}

// NewFailedAuthLimiter connects to Redis and returns the limiter, or nil
// when rate limiting is disabled in config.
func NewFailedAuthLimiter(cfg config.RateLimitingConfig, logger *slog.Logger) *FailedAuthLimiter {
	if !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	perMin := cfg.FailuresPerMin
	if perMin <= 0 {
		perMin = 20
	}
	burst := cfg.FailuresBurst
	if burst <= 0 {
		burst = perMin
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	return &FailedAuthLimiter{
		limiter: redis_rate.NewLimiter(client),
		client:  client,
		limit: redis_rate.Limit{
			Rate:   perMin,
			Period: time.Minute,
			Burst:  burst,
		},
		logger: logger,
	}
}

// Close releases the Redis connection.
func (l *FailedAuthLimiter) Close() error {
	return l.client.Close()
}

// Middleware blocks sources whose failed-auth budget is exhausted and
// charges the budget whenever the downstream chain answers 401. Redis
// errors fail open: losing the shared limiter must not take down
// authentication itself (the in-process bucket still applies).
func (l *FailedAuthLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "failed_auth:" + c.ClientIP()

		// Peek without consuming: only an actual failure costs budget.
		res, err := l.limiter.AllowN(c.Request.Context(), key, l.limit, 0)
		if err != nil {
			l.logger.Warn("failed-auth limiter unavailable, failing open", "error", err)
			c.Next()
			return
		}
		if res.Remaining <= 0 {
			retry := int(res.RetryAfter.Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many failed authentication attempts",
				"retry_after": retry,
			})
			return
		}

		c.Next()

		if c.Writer.Status() == http.StatusUnauthorized {
			if _, err := l.limiter.Allow(c.Request.Context(), key, l.limit); err != nil {
				l.logger.Warn("failed to charge failed-auth budget", "error", err)
			}
		}
	}
}
