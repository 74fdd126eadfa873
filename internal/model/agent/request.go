/**
 * 模型:Agent 请求模型
 * @description: 命令下发与查询HTTP接口的请求结构体
 * @func: 各种Request结构体定义
 */
package agent

// CreateCommandRequest 命令创建请求
type CreateCommandRequest struct {
	AgentID   string      `json:"agent_id" binding:"required"` // 目标Agent
	SessionID *string     `json:"session_id"`                  // 可选会话关联
	Type      string      `json:"type" binding:"required"`     // 命令类型
	Payload   PayloadJSON `json:"payload"`                     // 命令负载
}

// ListCommandsRequest 命令列表查询请求
type ListCommandsRequest struct {
	AgentID  string `form:"agent_id"`  // 按Agent过滤
	Status   string `form:"status"`    // 按状态过滤
	Page     int    `form:"page"`      // 页码，从1开始
	PageSize int    `form:"page_size"` // 每页大小
}
