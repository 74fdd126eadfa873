/**
 * 工具类:JWT工具
 * @description: UI订阅连接的JWT验证，租户上下文(org_id)从已认证的token中派生
 * @func:
 * 	1.创建JWT
 * 	2.验证JWT并提取租户上下文
 */

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5" // 引入jwt包
)

// SubscriberClaims UI订阅端JWT声明结构
// OrgID是广播租户隔离的唯一可信来源，绝不接受客户端自报的值
type SubscriberClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	OrgID    string `json:"org_id"`
	jwt.RegisteredClaims
}

// JWTManager JWT管理器
type JWTManager struct {
	secretKey []byte
	issuer    string
	tokenTTL  time.Duration
}

// NewJWTManager 创建JWT管理器
func NewJWTManager(secretKey, issuer string, tokenTTL time.Duration) *JWTManager {
	if issuer == "" {
		issuer = "helmsman"
	}
	if tokenTTL == 0 {
		tokenTTL = time.Hour
	}
	return &JWTManager{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		tokenTTL:  tokenTTL,
	}
}

// GenerateToken 生成订阅端访问令牌
func (j *JWTManager) GenerateToken(userID, username, orgID string) (string, error) {
	now := time.Now()
	claims := &SubscriberClaims{
		UserID:   userID,
		Username: username,
		OrgID:    orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken 验证令牌并返回声明
func (j *JWTManager) ValidateToken(tokenString string) (*SubscriberClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SubscriberClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*SubscriberClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// ExtractTokenFromHeader 从Authorization头中提取token
// 格式: "Bearer <token>"
func ExtractTokenFromHeader(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
