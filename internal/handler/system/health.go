/**
 * 系统处理器层:健康检查
 * @description: 存活与就绪探针，就绪检查覆盖MySQL和Redis依赖
 * @note: Redis不可用时进程仍存活(本地连接可继续服务)，但就绪探针失败，
 *        负载均衡停止向该实例分配新连接
 */
package system

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"helmsman/internal/model"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewHealthHandler 创建健康检查处理器实例
func NewHealthHandler(db *gorm.DB, redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{
		db:          db,
		redisClient: redisClient,
	}
}

// Health 存活探针 [GET /health]
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, model.NewSuccessResponse("OK", gin.H{
		"status": "alive",
		"time":   time.Now().Format(time.RFC3339),
	}))
}

// Ready 就绪探针 [GET /ready]
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if sqlDB, err := h.db.DB(); err != nil {
		checks["mysql"] = "error: " + err.Error()
		healthy = false
	} else if err := sqlDB.PingContext(ctx); err != nil {
		checks["mysql"] = "error: " + err.Error()
		healthy = false
	} else {
		checks["mysql"] = "ok"
	}

	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		checks["redis"] = "error: " + err.Error()
		healthy = false
	} else {
		checks["redis"] = "ok"
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, model.NewErrorResponse(http.StatusServiceUnavailable, "Not ready", "dependency check failed"))
		return
	}

	c.JSON(http.StatusOK, model.NewSuccessResponse("Ready", checks))
}
