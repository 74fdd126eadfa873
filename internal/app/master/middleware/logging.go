/**
 * 中间件:访问日志
 * @description: 请求ID注入与访问日志记录
 */
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"helmsman/internal/pkg/logger"
	"helmsman/internal/pkg/utils"
)

// RequestID 请求ID中间件，透传上游X-Request-ID，缺失则生成
func (m *MiddlewareManager) RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = utils.GenerateUUID()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// AccessLog 访问日志中间件
func (m *MiddlewareManager) AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		logger.LogAccessRequest(c, startTime, c.GetString("request_id"))
	}
}

// Recovery panic恢复中间件，记录错误日志后返回500
func (m *MiddlewareManager) Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.LogBusinessOperation("panic_recovery", "failed", "请求处理发生panic", map[string]interface{}{
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
			"panic":      recovered,
			"request_id": c.GetString("request_id"),
		})
		c.AbortWithStatus(500)
	})
}
