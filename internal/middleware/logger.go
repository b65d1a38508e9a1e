package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tullo/streamly/internal/log"
	"go.uber.org/zap"
)

// RequestLogger logs every request through the process logger
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			log.Warn("request failed", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}
