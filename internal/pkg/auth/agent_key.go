// agent_key.go
// 该文件定义 Agent 专属的接入密钥校验，用于WebSocket升级前的鉴权
// 不同于UI订阅端的JWT逻辑，Agent使用预共享API密钥，配置中仅保存bcrypt哈希
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidAgentKey Agent密钥校验失败
var ErrInvalidAgentKey = errors.New("invalid agent api key")

// AgentKeyVerifier Agent接入密钥校验器
type AgentKeyVerifier struct {
	keyHash []byte // 配置中保存的bcrypt哈希
}

// NewAgentKeyVerifier 创建Agent密钥校验器
// keyHash为空时表示未启用Agent鉴权(开发环境)
func NewAgentKeyVerifier(keyHash string) *AgentKeyVerifier {
	return &AgentKeyVerifier{
		keyHash: []byte(keyHash),
	}
}

// Enabled 是否启用了Agent鉴权
func (v *AgentKeyVerifier) Enabled() bool {
	return len(v.keyHash) > 0
}

// Verify 校验Agent提交的API密钥
func (v *AgentKeyVerifier) Verify(apiKey string) error {
	if !v.Enabled() {
		return nil
	}
	if apiKey == "" {
		return ErrInvalidAgentKey
	}
	if err := bcrypt.CompareHashAndPassword(v.keyHash, []byte(apiKey)); err != nil {
		return ErrInvalidAgentKey
	}
	return nil
}

// HashAgentKey 生成API密钥的bcrypt哈希，供部署时写入配置
func HashAgentKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash agent key: %w", err)
	}
	return string(hash), nil
}
