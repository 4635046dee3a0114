// Package httpmw provides shared gin middleware.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentation/agentation/internal/common/logger"
)

// RequestLogger logs HTTP request details after the handler completes.
// Expected failures (4xx) stay at debug so annotation traffic doesn't drown
// the log; 5xx is the only level that escalates.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", latency.Milliseconds()),
			zap.Int("bytes", size),
		}
		if status >= 500 {
			log.Error("http", fields...)
		} else {
			log.Debug("http", fields...)
		}
	}
}
