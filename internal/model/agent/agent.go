/**
 * 模型:Agent 核心模型
 * @description: Agent 实体定义，注册时落库，心跳和连接状态驱动更新
 * @func: 定义 Agent 实体及其状态管理方法
 */
package agent

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"helmsman/internal/model/basemodel"
)

// ============================================================================
// 基础类型定义
// ============================================================================

// MetadataJSON Agent元数据JSON类型，存储注册时上报的静态信息(版本/OS/标签等)
type MetadataJSON map[string]interface{}

// Scan 实现sql.Scanner接口，用于从数据库读取数据
func (m *MetadataJSON) Scan(value interface{}) error {
	if value == nil {
		*m = MetadataJSON{}
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("无法将 %T 转换为 MetadataJSON", value)
	}

	if str == "" {
		*m = MetadataJSON{}
		return nil
	}

	return json.Unmarshal([]byte(str), m)
}

// Value 实现driver.Valuer接口，用于向数据库写入数据
func (m MetadataJSON) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	return json.Marshal(m)
}

// ============================================================================
// 枚举常量定义
// ============================================================================

// AgentStatus Agent状态枚举
type AgentStatus string

const (
	AgentStatusOnline   AgentStatus = "online"   // 在线
	AgentStatusDegraded AgentStatus = "degraded" // 降级:心跳缺失约2个周期但尚未判定失联
	AgentStatusOffline  AgentStatus = "offline"  // 离线
)

// ============================================================================
// 核心实体：Agent
// ============================================================================

// Agent 核心实体 - Agent基础信息
// 在线状态以连接登记为准，数据库状态是最终一致的投影
type Agent struct {
	// 引用基类 (ID, CreatedAt, UpdatedAt)
	basemodel.BaseModel

	// 基本标识信息
	AgentID  string      `json:"agent_id" gorm:"uniqueIndex;not null;size:100;comment:Agent唯一标识ID"`
	OrgID    string      `json:"org_id" gorm:"index;not null;size:100;comment:所属组织ID"`
	Platform string      `json:"platform" gorm:"size:50;comment:承载平台:kubernetes,docker等"`
	Hostname string      `json:"hostname" gorm:"size:255;comment:主机名"`
	Version  string      `json:"version" gorm:"size:50;comment:Agent版本号"`
	Status   AgentStatus `json:"status" gorm:"default:offline;size:20;comment:Agent状态:online-在线,degraded-降级,offline-离线"`

	// 容量信息
	Capacity    int `json:"capacity" gorm:"default:0;comment:声明的最大并发执行单元数"`
	ActiveUnits int `json:"active_units" gorm:"default:0;comment:心跳上报的当前活跃执行单元数"`

	// 连接归属信息
	ProcessID string `json:"process_id" gorm:"size:150;comment:当前承载连接的进程实例ID"`

	// 扩展元数据
	Metadata MetadataJSON `json:"metadata" gorm:"type:json;comment:注册时上报的静态元数据"`

	// 时间戳
	LastHeartbeat time.Time  `json:"last_heartbeat" gorm:"comment:最后心跳时间"`
	ConnectedAt   *time.Time `json:"connected_at" gorm:"comment:最近一次连接建立时间"`
}

// TableName 定义表名
func (Agent) TableName() string {
	return "agents"
}

// ============================================================================
// Agent 状态管理方法
// ============================================================================

// IsOnline 判断Agent是否在线（基于状态和心跳时间）
func (a *Agent) IsOnline(staleAfter time.Duration) bool {
	return a.Status == AgentStatusOnline && time.Since(a.LastHeartbeat) < staleAfter
}

// UpdateHeartbeat 更新心跳时间
func (a *Agent) UpdateHeartbeat() {
	a.LastHeartbeat = time.Now()
}

// MarkOnline 标记Agent上线并记录归属进程
func (a *Agent) MarkOnline(processID string) {
	now := time.Now()
	a.Status = AgentStatusOnline
	a.ProcessID = processID
	a.LastHeartbeat = now
	a.ConnectedAt = &now
}

// MarkOffline 标记Agent下线
func (a *Agent) MarkOffline() {
	a.Status = AgentStatusOffline
	a.ProcessID = ""
}
