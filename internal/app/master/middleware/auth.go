/**
 * 中间件:JWT认证
 * @description: API请求的JWT验证，验证通过后将用户与租户上下文注入gin.Context
 * @note: 下游处理器只信任此处注入的org_id，绝不读取请求体里的租户字段
 */
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"helmsman/internal/model"
	"helmsman/internal/pkg/auth"
)

// JWTAuth JWT认证中间件
func (m *MiddlewareManager) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.ExtractTokenFromHeader(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.NewErrorResponse(http.StatusUnauthorized, "Authorization required", "missing bearer token"))
			return
		}

		claims, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.NewErrorResponse(http.StatusUnauthorized, "Invalid token", err.Error()))
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("org_id", claims.OrgID)
		c.Next()
	}
}

// RequireOrg 要求请求携带组织归属，租户接口的硬性前置
func (m *MiddlewareManager) RequireOrg() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("org_id") == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, model.NewErrorResponse(http.StatusForbidden, "Organization context is required", "missing org claim"))
			return
		}
		c.Next()
	}
}
