/**
 * Agent仓库层:命令数据访问
 * @description: 命令数据访问层，数据库是命令生命周期的权威事实来源
 * @func: 单纯数据访问，状态更新带单调性守卫
 */
package agent

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	agentModel "helmsman/internal/model/agent"
	"helmsman/internal/pkg/logger"
)

// ErrStaleTransition 状态更新未命中预期前置状态，说明已被并发更新或迁移非法
var ErrStaleTransition = fmt.Errorf("command status transition rejected: stale or invalid")

// CommandRepository 命令仓库接口定义
type CommandRepository interface {
	// 命令基础数据操作
	Create(cmd *agentModel.AgentCommand) error
	GetByCommandID(commandID string) (*agentModel.AgentCommand, error)

	// 命令状态管理（带compare-and-set守卫，状态只能单调前进）
	TransitionStatus(commandID string, from, to agentModel.CommandStatus, errorMessage string) error

	// 命令查询操作
	GetList(req *agentModel.ListCommandsRequest, orgID string) ([]*agentModel.AgentCommand, int64, error)
	ListPendingByAgent(agentID string) ([]*agentModel.AgentCommand, error)
	ListPendingAgentIDs() ([]string, error)
	CountByStatusForOrg(orgID string) (map[string]int64, error)
}

// commandRepository 命令仓库实现
type commandRepository struct {
	db *gorm.DB // 数据库连接
}

// NewCommandRepository 创建命令仓库实例
func NewCommandRepository(db *gorm.DB) CommandRepository {
	return &commandRepository{
		db: db,
	}
}

// Create 创建命令记录，初始状态为pending
func (r *commandRepository) Create(cmd *agentModel.AgentCommand) error {
	cmd.CreatedAt = time.Now()
	cmd.UpdatedAt = time.Now()
	if cmd.Status == "" {
		cmd.Status = agentModel.CommandStatusPending
	}

	result := r.db.Create(cmd)
	if result.Error != nil {
		logger.LogError(result.Error, "repo.command.Create", map[string]interface{}{
			"operation":  "create_command",
			"command_id": cmd.CommandID,
			"agent_id":   cmd.AgentID,
		})
		return result.Error
	}

	return nil
}

// GetByCommandID 根据CommandID获取命令
// 返回nil表示未找到，不是错误
func (r *commandRepository) GetByCommandID(commandID string) (*agentModel.AgentCommand, error) {
	var cmd agentModel.AgentCommand

	result := r.db.Where("command_id = ?", commandID).First(&cmd)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		logger.LogError(result.Error, "repo.command.GetByCommandID", map[string]interface{}{
			"operation":  "get_command_by_id",
			"command_id": commandID,
		})
		return nil, result.Error
	}

	return &cmd, nil
}

// TransitionStatus 执行命令状态迁移
// WHERE条件携带前置状态，形成compare-and-set:并发更新或乱序回报只有一个生效，
// 其余命中0行并返回ErrStaleTransition
func (r *commandRepository) TransitionStatus(commandID string, from, to agentModel.CommandStatus, errorMessage string) error {
	if !agentModel.CanTransition(from, to) {
		return ErrStaleTransition
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": now,
	}
	switch to {
	case agentModel.CommandStatusSent:
		updates["sent_at"] = now
	case agentModel.CommandStatusAcknowledged:
		updates["acked_at"] = now
	case agentModel.CommandStatusCompleted, agentModel.CommandStatusFailed:
		updates["completed_at"] = now
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}

	result := r.db.Model(&agentModel.AgentCommand{}).
		Where("command_id = ? AND status = ?", commandID, from).
		Updates(updates)
	if result.Error != nil {
		logger.LogError(result.Error, "repo.command.TransitionStatus", map[string]interface{}{
			"operation":  "transition_command_status",
			"command_id": commandID,
			"from":       from,
			"to":         to,
		})
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleTransition
	}

	return nil
}

// GetList 分页查询命令列表，orgID非空时按组织过滤（租户隔离）
func (r *commandRepository) GetList(req *agentModel.ListCommandsRequest, orgID string) ([]*agentModel.AgentCommand, int64, error) {
	var commands []*agentModel.AgentCommand
	var total int64

	query := r.db.Model(&agentModel.AgentCommand{})
	if orgID != "" {
		query = query.Where("org_id = ?", orgID)
	}
	if req.AgentID != "" {
		query = query.Where("agent_id = ?", req.AgentID)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}

	if err := query.Count(&total).Error; err != nil {
		logger.LogError(err, "repo.command.GetList", map[string]interface{}{
			"operation": "count_commands",
		})
		return nil, 0, err
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	offset := (page - 1) * pageSize
	if err := query.Order("id DESC").Offset(offset).Limit(pageSize).Find(&commands).Error; err != nil {
		logger.LogError(err, "repo.command.GetList", map[string]interface{}{
			"operation": "list_commands",
		})
		return nil, 0, err
	}

	return commands, total, nil
}

// ListPendingByAgent 查询指定Agent的pending命令，按创建顺序返回
// 逐行扫描，单行反序列化失败只跳过该行，不中断整个恢复扫描
func (r *commandRepository) ListPendingByAgent(agentID string) ([]*agentModel.AgentCommand, error) {
	rows, err := r.db.Model(&agentModel.AgentCommand{}).
		Where("agent_id = ? AND status = ?", agentID, agentModel.CommandStatusPending).
		Order("id ASC").
		Rows()
	if err != nil {
		logger.LogError(err, "repo.command.ListPendingByAgent", map[string]interface{}{
			"operation": "list_pending_commands",
			"agent_id":  agentID,
		})
		return nil, err
	}
	defer rows.Close()

	var commands []*agentModel.AgentCommand
	for rows.Next() {
		var cmd agentModel.AgentCommand
		if err := r.db.ScanRows(rows, &cmd); err != nil {
			logger.LogError(err, "repo.command.ListPendingByAgent", map[string]interface{}{
				"operation": "scan_pending_command",
				"agent_id":  agentID,
			})
			continue // 坏行跳过，剩余命令继续恢复
		}
		commands = append(commands, &cmd)
	}
	if err := rows.Err(); err != nil {
		return commands, err
	}

	return commands, nil
}

// ListPendingAgentIDs 查询存在pending命令的AgentID去重列表
// 启动恢复扫描用，避免全表拉取命令
func (r *commandRepository) ListPendingAgentIDs() ([]string, error) {
	var agentIDs []string
	result := r.db.Model(&agentModel.AgentCommand{}).
		Where("status = ?", agentModel.CommandStatusPending).
		Distinct("agent_id").
		Pluck("agent_id", &agentIDs)
	if result.Error != nil {
		logger.LogError(result.Error, "repo.command.ListPendingAgentIDs", map[string]interface{}{
			"operation": "list_pending_agent_ids",
		})
		return nil, result.Error
	}

	return agentIDs, nil
}

// CountByStatusForOrg 统计组织内各状态的命令数量
func (r *commandRepository) CountByStatusForOrg(orgID string) (map[string]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}

	var counts []statusCount
	result := r.db.Model(&agentModel.AgentCommand{}).
		Select("status, COUNT(*) as count").
		Where("org_id = ?", orgID).
		Group("status").
		Scan(&counts)
	if result.Error != nil {
		logger.LogError(result.Error, "repo.command.CountByStatusForOrg", map[string]interface{}{
			"operation": "count_commands_by_status",
			"org_id":    orgID,
		})
		return nil, result.Error
	}

	stats := make(map[string]int64, len(counts))
	for _, c := range counts {
		stats[c.Status] = c.Count
	}

	return stats, nil
}
