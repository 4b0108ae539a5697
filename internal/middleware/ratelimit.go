package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"controlhub/internal/config"
	appmetrics "controlhub/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterTTL is how long a key keeps its limiter before it is rebuilt.
const limiterTTL = 10 * time.Minute

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// keyedLimiter holds one token bucket per caller (or client IP).
type keyedLimiter struct {
	name     string
	prefix   string
	limit    rate.Limit
	burst    int
	limiters sync.Map
	now      func() time.Time
}

func newKeyedLimiter(name, prefix string, rpm, burst int) *keyedLimiter {
	if burst <= 0 {
		burst = rpm
	}
	return &keyedLimiter{
		name:   name,
		prefix: prefix,
		limit:  rate.Limit(float64(rpm) / 60.0),
		burst:  burst,
		now:    time.Now,
	}
}

func (l *keyedLimiter) allow(key string) bool {
	now := l.now()
	if v, ok := l.limiters.Load(key); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter.AllowN(now, 1)
		}
	}
	cached := &cachedLimiter{limiter: rate.NewLimiter(l.limit, l.burst), expiresAt: now.Add(limiterTTL)}
	l.limiters.Store(key, cached)
	return cached.limiter.AllowN(now, 1)
}

func (l *keyedLimiter) matches(path string) bool {
	return l.prefix != "" && strings.HasPrefix(path, l.prefix)
}

// RateLimitMiddleware applies per-path limits first (first matching prefix wins)
// and falls back to the global limit. Keys are the authenticated caller when
// known, otherwise the client IP.
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var paths []*keyedLimiter
	for _, p := range rl.Paths {
		if !p.Enabled || p.RequestsPerMinute <= 0 || p.Prefix == "" {
			continue
		}
		paths = append(paths, newKeyedLimiter(p.Prefix, p.Prefix, p.RequestsPerMinute, p.Burst))
	}
	var global *keyedLimiter
	if rl.RequestsPerMinute > 0 {
		global = newKeyedLimiter("global", "", rl.RequestsPerMinute, rl.Burst)
	}

	return func(c *gin.Context) {
		key := CallerID(c)
		if key == "" {
			key = c.ClientIP()
		}
		if key == "" {
			key = "unknown"
		}
		path := c.Request.URL.Path

		l := global
		for _, pl := range paths {
			if pl.matches(path) {
				l = pl
				break
			}
		}
		if l == nil || l.allow(key) {
			c.Next()
			return
		}
		appmetrics.IncRateLimitDrop(l.name)
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"error":   "Too many requests",
		})
	}
}
