package middleware

import (
	"time"

	"callengine/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AccessLogMiddleware logs every request once it has been served. It must run
// after RequestIDMiddleware so the entry carries the request id.
func AccessLogMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		log.LogRequest(c.Request.Context(), c.Request.Method, path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
