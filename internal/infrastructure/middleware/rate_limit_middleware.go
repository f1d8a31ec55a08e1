package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"callengine/pkg/cache"
	"callengine/pkg/config"
	"callengine/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long a client's limiter survives without requests.
const limiterIdleTTL = 10 * time.Minute

// rateLimiterStore hands out one token bucket per client key. Buckets of
// idle clients expire from the cache.
type rateLimiterStore struct {
	mu       sync.Mutex
	limiters *cache.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters: cache.New[string, *rate.Limiter](limiterIdleTTL),
		rate:     r,
		burst:    burst,
	}
}

func (s *rateLimiterStore) allow(key string) bool {
	s.mu.Lock()
	limiter, ok := s.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(s.rate, s.burst)
	}
	s.limiters.Set(key, limiter)
	s.mu.Unlock()
	return limiter.Allow()
}

// clientIP prefers the left-most X-Forwarded-For entry and falls back to
// the connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func passThrough(c *gin.Context) { c.Next() }

// NewHTTPRateLimitMiddleware limits API requests per client IP and caps
// concurrently served requests.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var inFlight chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				abortWithError(c, errors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		if !store.allow(clientIP(c.Request)) {
			c.Header("Retry-After", "1")
			abortWithError(c, errors.NewRateLimitError())
			return
		}
		c.Next()
	}
}

// NewWebSocketRateLimitMiddleware limits signaling connection attempts per IP
// and the number of concurrently open connections.
func NewWebSocketRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	perMinute := cfg.RateLimiting.WebSocket.ConnectionsPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	store := newRateLimiterStore(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)

	var open chan struct{}
	if cfg.RateLimiting.WebSocket.MaxConcurrent > 0 {
		open = make(chan struct{}, cfg.RateLimiting.WebSocket.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if !store.allow(clientIP(c.Request)) {
			abortWithError(c, errors.NewAppError(errors.ErrCodeRateLimit, "too many connection attempts", http.StatusTooManyRequests))
			return
		}
		if open != nil {
			select {
			case open <- struct{}{}:
				// Held for the lifetime of the upgraded connection.
				defer func() { <-open }()
			default:
				abortWithError(c, errors.NewServiceUnavailableError("too many open connections"))
				return
			}
		}
		c.Next()
	}
}
