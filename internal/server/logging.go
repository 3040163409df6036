package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"matchpay/internal/auth"
	"matchpay/internal/logger"
)

// RequestLoggingMiddleware logs one line per request. Query strings are left
// out since webhook and internal routes carry nothing useful there.
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		kv := []interface{}{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if caller, ok := auth.GetCaller(c); ok {
			kv = append(kv, "caller", caller)
		}

		if c.Writer.Status() >= 500 {
			logger.Warn("http request", kv...)
			return
		}
		logger.Debug("http request", kv...)
	}
}
