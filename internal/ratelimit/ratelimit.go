// Package ratelimit implements per-client token-bucket rate limiting.
//
// All API traffic arrives through the marketplace gateway under one service
// key, so limiting by key would throttle the whole marketplace as a single
// client. Buckets are keyed by the acting user (X-User-ID) when present and
// by client IP otherwise.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quaymarket/quay/internal/metrics"
)

// Config tunes the limiter.
type Config struct {
	// RequestsPerMinute is the sustained refill rate per client.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig allows a sustained 1 req/s per client with bursts of 10.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

type bucket struct {
	tokens   float64
	refillAt time.Time
}

// Limiter holds one token bucket per client key.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

// New creates a limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Stop terminates the cleanup loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow consumes one token from the client's bucket, reporting whether the
// request may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize) - 1, refillAt: now}
		return true
	}

	b.tokens += now.Sub(b.refillAt).Seconds() * float64(l.cfg.RequestsPerMinute) / 60.0
	if max := float64(l.cfg.BurstSize); b.tokens > max {
		b.tokens = max
	}
	b.refillAt = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware rejects over-limit requests with 429.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if userID := c.GetHeader("X-User-ID"); userID != "" {
			key = "user:" + userID
		}

		if !l.Allow(key) {
			metrics.RateLimitedTotal.Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

// cleanupLoop drops buckets idle long enough to have fully refilled.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := l.now().Add(-2 * l.cfg.CleanupInterval)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.refillAt.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
