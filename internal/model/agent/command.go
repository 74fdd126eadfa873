/**
 * 模型:Agent 命令模型
 * @description: 下发给Agent的命令实体，数据库是命令生命周期的权威事实来源
 * @func: 定义 AgentCommand 实体、状态机校验和生命周期方法
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

// PayloadJSON 命令负载JSON类型
type PayloadJSON map[string]interface{}

// Scan 实现sql.Scanner接口
func (p *PayloadJSON) Scan(value interface{}) error {
	if value == nil {
		*p = PayloadJSON{}
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("无法将 %T 转换为 PayloadJSON", value)
	}

	if str == "" {
		*p = PayloadJSON{}
		return nil
	}

	return json.Unmarshal([]byte(str), p)
}

// Value 实现driver.Valuer接口
func (p PayloadJSON) Value() (driver.Value, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	return json.Marshal(p)
}

// ============================================================================
// 枚举常量定义
// ============================================================================

// CommandStatus 命令状态枚举
type CommandStatus string

const (
	CommandStatusPending      CommandStatus = "pending"      // 待下发
	CommandStatusSent         CommandStatus = "sent"         // 已下发
	CommandStatusAcknowledged CommandStatus = "acknowledged" // Agent已确认
	CommandStatusCompleted    CommandStatus = "completed"    // 已完成(终态)
	CommandStatusFailed       CommandStatus = "failed"       // 已失败(终态)
)

// commandTransitions 命令状态机的合法迁移表
// 状态只能单调前进，终态不可再变更
var commandTransitions = map[CommandStatus]map[CommandStatus]bool{
	CommandStatusPending: {
		CommandStatusSent:   true,
		CommandStatusFailed: true,
	},
	CommandStatusSent: {
		CommandStatusAcknowledged: true,
		CommandStatusFailed:       true,
	},
	CommandStatusAcknowledged: {
		CommandStatusCompleted: true,
		CommandStatusFailed:    true,
	},
	CommandStatusCompleted: {},
	CommandStatusFailed:    {},
}

// CanTransition 校验命令状态迁移是否合法
func CanTransition(from, to CommandStatus) bool {
	allowed, ok := commandTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// IsTerminal 判断是否为终态
func (s CommandStatus) IsTerminal() bool {
	return s == CommandStatusCompleted || s == CommandStatusFailed
}

// ============================================================================
// 核心实体：AgentCommand
// ============================================================================

// AgentCommand 命令实体 - 一条下发给指定Agent的命令
type AgentCommand struct {
	// 引用基类 (ID, CreatedAt, UpdatedAt)
	basemodel.BaseModel

	// 基本标识信息
	CommandID string `json:"command_id" gorm:"uniqueIndex;not null;size:100;comment:命令唯一标识ID"`
	AgentID   string `json:"agent_id" gorm:"index;not null;size:100;comment:目标Agent ID"`
	OrgID     string `json:"org_id" gorm:"index;not null;size:100;comment:所属组织ID"`

	// SessionID 可选的会话关联，无会话命令为NULL
	SessionID *string `json:"session_id" gorm:"size:100;comment:关联会话ID，可为空"`

	// 命令内容
	Type    string      `json:"type" gorm:"not null;size:50;comment:命令类型"`
	Payload PayloadJSON `json:"payload" gorm:"type:json;comment:命令负载"`

	// 生命周期状态
	Status       CommandStatus `json:"status" gorm:"index;default:pending;size:20;comment:命令状态:pending,sent,acknowledged,completed,failed"`
	ErrorMessage string        `json:"error_message" gorm:"size:1000;comment:失败原因"`

	// 生命周期时间戳
	SentAt      *time.Time `json:"sent_at" gorm:"comment:下发时间"`
	AckedAt     *time.Time `json:"acked_at" gorm:"comment:Agent确认时间"`
	CompletedAt *time.Time `json:"completed_at" gorm:"comment:终态时间"`
}

// TableName 定义表名
func (AgentCommand) TableName() string {
	return "agent_commands"
}

// ============================================================================
// AgentCommand 生命周期方法
// ============================================================================

// Transition 执行状态迁移，非法迁移返回错误
func (c *AgentCommand) Transition(to CommandStatus) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("invalid command status transition: %s -> %s", c.Status, to)
	}

	now := time.Now()
	switch to {
	case CommandStatusSent:
		c.SentAt = &now
	case CommandStatusAcknowledged:
		c.AckedAt = &now
	case CommandStatusCompleted, CommandStatusFailed:
		c.CompletedAt = &now
	}
	c.Status = to
	return nil
}

// Fail 将命令置为失败终态并记录原因
func (c *AgentCommand) Fail(reason string) error {
	if err := c.Transition(CommandStatusFailed); err != nil {
		return err
	}
	c.ErrorMessage = reason
	return nil
}
