package httpmiddleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces a per-IP requests-per-minute cap. With redis it uses
// a fixed window shared across instances; without redis (or when redis
// errors) it degrades to an in-process token bucket.
type RateLimiter struct {
	client    *redis.Client
	perMinute int
	fallback  *tokenBuckets
}

// NewRateLimiter creates a limiter. client may be nil for memory-only mode.
func NewRateLimiter(client *redis.Client, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{
		client:    client,
		perMinute: perMinute,
		fallback:  newTokenBuckets(perMinute),
	}
}

// GinMiddleware returns a gin handler enforcing the limit per client IP.
func (l *RateLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.allow(c, ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

func (l *RateLimiter) allow(c *gin.Context, key string) bool {
	if l.client == nil {
		return l.fallback.allow(key)
	}

	window := time.Now().Unix() / 60
	redisKey := fmt.Sprintf("rollcall:rl:%s:%d", key, window)
	n, err := l.client.Incr(c.Request.Context(), redisKey).Result()
	if err != nil {
		return l.fallback.allow(key)
	}
	if n == 1 {
		l.client.Expire(c.Request.Context(), redisKey, 2*time.Minute)
	}
	return n <= int64(l.perMinute)
}

// tokenBuckets is the in-process degradation path.
type tokenBuckets struct {
	capacity int
	rate     int
	mu       sync.Mutex
	state    map[string]*bucket
}

type bucket struct {
	tokens int
	last   time.Time
}

func newTokenBuckets(perMinute int) *tokenBuckets {
	return &tokenBuckets{
		capacity: perMinute,
		rate:     perMinute,
		state:    make(map[string]*bucket),
	}
}

func (t *tokenBuckets) allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.state[key]
	now := time.Now()
	if !ok {
		t.state[key] = &bucket{tokens: t.capacity - 1, last: now}
		return true
	}
	refill := int(now.Sub(b.last).Minutes() * float64(t.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > t.capacity {
			b.tokens = t.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
