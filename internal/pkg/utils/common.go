// 通用工具函数
package utils

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GenerateUUID 生成UUID字符串
func GenerateUUID() string {
	return uuid.New().String()
}

// GenerateCommandID 生成命令ID
// 格式: cmd-<uuid>
func GenerateCommandID() string {
	return fmt.Sprintf("cmd-%s", uuid.New().String())
}

// GenerateProcessID 生成进程实例标识
// 优先使用主机名(k8s中即Pod名)，附加短随机后缀避免同机多进程冲突
func GenerateProcessID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("process-%s", uuid.New().String()[:8])
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
}
