package middleware

import (
	"helmsman/internal/config"
	"helmsman/internal/pkg/auth"
)

// MiddlewareManager 中间件管理器
// 负责管理所有Gin框架的中间件，提供统一的中间件接口
type MiddlewareManager struct {
	jwtManager     *auth.JWTManager       // JWT管理器，用于订阅端/API令牌验证
	securityConfig *config.SecurityConfig // 安全配置
}

// NewMiddlewareManager 创建中间件管理器
func NewMiddlewareManager(jwtManager *auth.JWTManager, securityConfig *config.SecurityConfig) *MiddlewareManager {
	return &MiddlewareManager{
		jwtManager:     jwtManager,
		securityConfig: securityConfig,
	}
}
