package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"callengine/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(router *gin.Engine, remoteAddr, xff string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remoteAddr
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	router.ServeHTTP(w, req)
	return w.Code
}

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newRouter(NewHTTPRateLimitMiddleware(cfg))

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1234", ""))
	}
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := newRouter(NewHTTPRateLimitMiddleware(cfg))

	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1234", ""))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "10.0.0.1:1234", ""))
	// other clients keep their own budget
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.2:1234", ""))
}

func TestHTTPRateLimitMiddleware_UsesFirstForwardedAddress(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := newRouter(NewHTTPRateLimitMiddleware(cfg))

	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.9:1", "203.0.113.5, 10.0.0.9"))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "10.0.0.9:2", "203.0.113.5"))
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.9:3", "203.0.113.6, 10.0.0.9"))
}

func TestWebSocketRateLimitMiddleware_ConnectionsPerMinute(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 2
	router := newRouter(NewWebSocketRateLimitMiddleware(cfg))

	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1", ""))
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:2", ""))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "10.0.0.1:3", ""))
}

func TestHTTPRateLimitMiddleware_RendersAppError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := newRouter(NewHTTPRateLimitMiddleware(cfg))

	serve(router, "10.0.0.1:1234", "")
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
}
