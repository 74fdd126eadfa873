/**
 * Agent仓库层:Agent数据访问
 * @description: Agent数据访问层，专注于数据操作，不包含业务逻辑
 * @func: 单纯数据访问
 */
package agent

import (
	"time"

	"gorm.io/gorm"

	agentModel "helmsman/internal/model/agent"
	"helmsman/internal/pkg/logger"
)

// AgentRepository Agent仓库接口定义 [定义接口层供上层调用，然后底下实现这些接口]
type AgentRepository interface {
	// Agent基础数据操作
	Create(agentData *agentModel.Agent) error
	GetByAgentID(agentID string) (*agentModel.Agent, error)
	Update(agentData *agentModel.Agent) error

	// Agent状态管理
	MarkOffline(agentID, processID string) error
	MarkOfflineByProcess(processID string) (int64, error)
	UpdateLastHeartbeat(agentID string, activeUnits int) error
	MarkStaleDegraded(staleBefore time.Time) (int64, error)
	MarkStaleOffline(staleBefore time.Time) (int64, error)

	// Agent查询操作
	GetList(page, pageSize int, status *agentModel.AgentStatus, orgID string) ([]*agentModel.Agent, int64, error)
	CountOnlineByOrg(orgID string) (int64, error)
}

// agentRepository Agent仓库实现
type agentRepository struct {
	db *gorm.DB // 数据库连接
}

// NewAgentRepository 创建Agent仓库实例
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &agentRepository{
		db: db,
	}
}

// Create 创建Agent记录（纯数据访问）
func (r *agentRepository) Create(agentData *agentModel.Agent) error {
	agentData.CreatedAt = time.Now()
	agentData.UpdatedAt = time.Now()

	result := r.db.Create(agentData)
	if result.Error != nil {
		logger.LogError(result.Error, "repo.agent.Create", map[string]interface{}{
			"operation": "create_agent",
			"agent_id":  agentData.AgentID,
			"org_id":    agentData.OrgID,
		})
		return result.Error
	}

	return nil
}

// GetByAgentID 根据AgentID获取Agent
// 返回nil表示未找到，不是错误
func (r *agentRepository) GetByAgentID(agentID string) (*agentModel.Agent, error) {
	var agentData agentModel.Agent

	result := r.db.Where("agent_id = ?", agentID).First(&agentData)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		logger.LogError(result.Error, "repo.agent.GetByAgentID", map[string]interface{}{
			"operation": "get_agent_by_id",
			"agent_id":  agentID,
		})
		return nil, result.Error
	}

	return &agentData, nil
}

// Update 更新Agent记录
func (r *agentRepository) Update(agentData *agentModel.Agent) error {
	agentData.UpdatedAt = time.Now()

	result := r.db.Save(agentData)
	if result.Error != nil {
		logger.LogError(result.Error, "repo.agent.Update", map[string]interface{}{
			"operation": "update_agent",
			"agent_id":  agentData.AgentID,
		})
		return result.Error
	}

	return nil
}

// MarkOffline 标记Agent离线并清空归属进程
// process_id条件保证只有当前归属进程能执行离线标记，
// Agent在他进程重连后，旧进程迟到的清理不会命中任何行
func (r *agentRepository) MarkOffline(agentID, processID string) error {
	result := r.db.Model(&agentModel.Agent{}).
		Where("agent_id = ? AND process_id = ?", agentID, processID).
		Updates(map[string]interface{}{
			"status":     agentModel.AgentStatusOffline,
			"process_id": "",
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		logger.LogError(result.Error, "repo.agent.MarkOffline", map[string]interface{}{
			"operation": "mark_agent_offline",
			"agent_id":  agentID,
		})
		return result.Error
	}

	return nil
}

// MarkOfflineByProcess 批量标记指定进程承载的Agent离线
// 进程实例崩溃后由领导者清理残留的在线状态
func (r *agentRepository) MarkOfflineByProcess(processID string) (int64, error) {
	result := r.db.Model(&agentModel.Agent{}).
		Where("process_id = ? AND status IN ?", processID, []agentModel.AgentStatus{agentModel.AgentStatusOnline, agentModel.AgentStatusDegraded}).
		Updates(map[string]interface{}{
			"status":     agentModel.AgentStatusOffline,
			"process_id": "",
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		logger.LogError(result.Error, "repo.agent.MarkOfflineByProcess", map[string]interface{}{
			"operation":  "mark_agents_offline_by_process",
			"process_id": processID,
		})
		return 0, result.Error
	}

	return result.RowsAffected, nil
}

// UpdateLastHeartbeat 更新Agent最后心跳时间和当前负载
// 收到心跳即证明存活，降级状态随之恢复为在线
func (r *agentRepository) UpdateLastHeartbeat(agentID string, activeUnits int) error {
	result := r.db.Model(&agentModel.Agent{}).
		Where("agent_id = ?", agentID).
		Updates(map[string]interface{}{
			"status":         agentModel.AgentStatusOnline,
			"active_units":   activeUnits,
			"last_heartbeat": time.Now(),
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		logger.LogError(result.Error, "repo.agent.UpdateLastHeartbeat", map[string]interface{}{
			"operation": "update_last_heartbeat",
			"agent_id":  agentID,
		})
		return result.Error
	}

	return nil
}

// MarkStaleDegraded 批量将心跳缺失的在线Agent标记为降级
// 降级是失联判定前的中间状态，下一次心跳到达即恢复在线
func (r *agentRepository) MarkStaleDegraded(staleBefore time.Time) (int64, error) {
	result := r.db.Model(&agentModel.Agent{}).
		Where("status = ? AND last_heartbeat < ?", agentModel.AgentStatusOnline, staleBefore).
		Updates(map[string]interface{}{
			"status":     agentModel.AgentStatusDegraded,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		logger.LogError(result.Error, "repo.agent.MarkStaleDegraded", map[string]interface{}{
			"operation": "mark_stale_agents_degraded",
		})
		return 0, result.Error
	}

	return result.RowsAffected, nil
}

// MarkStaleOffline 批量标记心跳过期的Agent离线
// 领导者周期性执行，清理异常断连后残留的在线状态
func (r *agentRepository) MarkStaleOffline(staleBefore time.Time) (int64, error) {
	result := r.db.Model(&agentModel.Agent{}).
		Where("status IN ? AND last_heartbeat < ?", []agentModel.AgentStatus{agentModel.AgentStatusOnline, agentModel.AgentStatusDegraded}, staleBefore).
		Updates(map[string]interface{}{
			"status":     agentModel.AgentStatusOffline,
			"process_id": "",
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		logger.LogError(result.Error, "repo.agent.MarkStaleOffline", map[string]interface{}{
			"operation": "mark_stale_agents_offline",
		})
		return 0, result.Error
	}

	return result.RowsAffected, nil
}

// GetList 分页查询Agent列表
func (r *agentRepository) GetList(page, pageSize int, status *agentModel.AgentStatus, orgID string) ([]*agentModel.Agent, int64, error) {
	var agents []*agentModel.Agent
	var total int64

	query := r.db.Model(&agentModel.Agent{})
	if status != nil {
		query = query.Where("status = ?", *status)
	}
	if orgID != "" {
		query = query.Where("org_id = ?", orgID)
	}

	if err := query.Count(&total).Error; err != nil {
		logger.LogError(err, "repo.agent.GetList", map[string]interface{}{
			"operation": "count_agents",
		})
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	if err := query.Order("id DESC").Offset(offset).Limit(pageSize).Find(&agents).Error; err != nil {
		logger.LogError(err, "repo.agent.GetList", map[string]interface{}{
			"operation": "list_agents",
		})
		return nil, 0, err
	}

	return agents, total, nil
}

// CountOnlineByOrg 统计组织内在线Agent数量
func (r *agentRepository) CountOnlineByOrg(orgID string) (int64, error) {
	var count int64
	result := r.db.Model(&agentModel.Agent{}).
		Where("org_id = ? AND status = ?", orgID, agentModel.AgentStatusOnline).
		Count(&count)
	if result.Error != nil {
		logger.LogError(result.Error, "repo.agent.CountOnlineByOrg", map[string]interface{}{
			"operation": "count_online_agents",
			"org_id":    orgID,
		})
		return 0, result.Error
	}

	return count, nil
}
