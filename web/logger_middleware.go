package web

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/songjiangwork/auto-stock/logger"
)

// GinLoggerMiddleware 请求日志
// logAll=true 时全量输出；否则仅记录错误请求 (状态码 >= 400)
func GinLoggerMiddleware(logAll bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		statusCode := c.Writer.Status()
		if !logAll && statusCode < 400 {
			return
		}

		latency := time.Since(start)
		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			logger.Warn("[GIN] %d | %v | %s | %-7s %s | Error: %s",
				statusCode, latency, c.ClientIP(), c.Request.Method, path, errorMessage)
			return
		}
		if statusCode >= 500 {
			logger.Warn("[GIN] %d | %v | %s | %-7s %s", statusCode, latency, c.ClientIP(), c.Request.Method, path)
			return
		}
		logger.Debug("[GIN] %d | %v | %s | %-7s %s", statusCode, latency, c.ClientIP(), c.Request.Method, path)
	}
}
