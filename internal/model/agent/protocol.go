/**
 * 模型:WebSocket 线协议
 * @description: Agent连接与UI订阅连接的消息格式定义
 * @func: 消息信封、注册/心跳/命令/确认/结果消息结构体
 */
package agent

import (
	"encoding/json"
	"time"
)

// ============================================================================
// 消息类型常量
// ============================================================================

const (
	MessageTypeRegister   = "register"   // Agent -> Master 注册
	MessageTypeRegistered = "registered" // Master -> Agent 注册确认
	MessageTypeHeartbeat  = "heartbeat"  // Agent -> Master 心跳
	MessageTypeCommand    = "command"    // Master -> Agent 命令下发
	MessageTypeAck        = "ack"        // Agent -> Master 命令确认
	MessageTypeResult     = "result"     // Agent -> Master 命令执行结果
	MessageTypeSnapshot   = "snapshot"   // Master -> UI 状态快照广播
	MessageTypeError      = "error"      // Master -> 对端 协议错误
)

// Ack状态常量
const (
	AckStatusAccepted = "accepted" // Agent接受命令
	AckStatusRejected = "rejected" // Agent拒绝命令
)

// Result状态常量
const (
	ResultStatusCompleted = "completed" // 执行成功
	ResultStatusFailed    = "failed"    // 执行失败
)

// ============================================================================
// 消息信封
// ============================================================================

// Envelope 消息信封，所有WebSocket消息的统一外层结构
// Data按Type二次解码，未知类型记录日志后丢弃
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"` // Unix毫秒
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope 构造带当前时间戳的消息信封
func NewEnvelope(msgType string, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      raw,
	}, nil
}

// ============================================================================
// Agent 连接消息
// ============================================================================

// RegisterMessage Agent注册消息，连接建立后的第一条消息
type RegisterMessage struct {
	AgentID  string       `json:"agent_id"`
	OrgID    string       `json:"org_id"`
	Platform string       `json:"platform,omitempty"` // kubernetes 或 docker
	Capacity int          `json:"capacity,omitempty"` // 声明的最大并发执行单元数
	Hostname string       `json:"hostname,omitempty"`
	Version  string       `json:"version,omitempty"`
	APIKey   string       `json:"api_key,omitempty"` // 预共享接入密钥
	Metadata MetadataJSON `json:"metadata,omitempty"`
}

// RegisteredMessage 注册确认消息
type RegisteredMessage struct {
	AgentID           string `json:"agent_id"`
	ProcessID         string `json:"process_id"`         // 承载连接的进程实例
	HeartbeatInterval int64  `json:"heartbeat_interval"` // 期望心跳间隔(秒)
}

// HeartbeatMessage 心跳消息，携带当前负载
type HeartbeatMessage struct {
	AgentID     string `json:"agent_id"`
	ActiveUnits int    `json:"active_units"`
	Timestamp   int64  `json:"timestamp,omitempty"` // Unix毫秒
}

// CommandMessage 命令下发消息
type CommandMessage struct {
	CommandID string      `json:"command_id"`
	AgentID   string      `json:"agent_id"`
	SessionID *string     `json:"session_id,omitempty"`
	Type      string      `json:"type"`
	Payload   PayloadJSON `json:"payload,omitempty"`
}

// AckMessage 命令确认消息
type AckMessage struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"` // accepted 或 rejected
	Reason    string `json:"reason,omitempty"`
}

// ResultMessage 命令执行结果消息
type ResultMessage struct {
	CommandID string      `json:"command_id"`
	Status    string      `json:"status"` // completed 或 failed
	Output    PayloadJSON `json:"output,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// ErrorMessage 协议错误消息，发送后通常随即关闭连接
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ============================================================================
// UI 订阅消息
// ============================================================================

// SnapshotMessage 组织维度的状态快照，周期性广播给UI订阅端
type SnapshotMessage struct {
	OrgID        string           `json:"org_id"`
	OnlineAgents int64            `json:"online_agents"`
	CommandStats map[string]int64 `json:"command_stats"` // 状态 -> 数量
	GeneratedAt  int64            `json:"generated_at"`  // Unix毫秒
}
