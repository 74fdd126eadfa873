/**
 * 分发服务层:命令生命周期管理
 * @description: 命令创建/查询/回报处理的业务逻辑，状态机单调性在此与仓库层共同保证
 * @func:
 * 	1.命令创建并入队分发
 * 	2.Agent确认(ack)与执行结果(result)回报处理
 * 	3.命令查询(租户过滤)
 */
package dispatch

import (
	"errors"
	"fmt"

	agentModel "helmsman/internal/model/agent"
	"helmsman/internal/pkg/logger"
	"helmsman/internal/pkg/utils"
	mysqlAgent "helmsman/internal/repo/mysql/agent"
)

// ErrCommandNotFound 命令不存在
var ErrCommandNotFound = errors.New("command not found")

// CommandService 命令生命周期服务
type CommandService struct {
	commandRepo mysqlAgent.CommandRepository
	dispatcher  *Dispatcher
}

// NewCommandService 创建命令服务
func NewCommandService(commandRepo mysqlAgent.CommandRepository, dispatcher *Dispatcher) *CommandService {
	return &CommandService{
		commandRepo: commandRepo,
		dispatcher:  dispatcher,
	}
}

// CreateCommand 创建命令并入队分发
// 先落库(pending)再入队:数据库是权威事实，入队失败命令仍可被恢复扫描捞起
func (s *CommandService) CreateCommand(req *agentModel.CreateCommandRequest, orgID string) (*agentModel.AgentCommand, error) {
	cmd := &agentModel.AgentCommand{
		CommandID: utils.GenerateCommandID(),
		AgentID:   req.AgentID,
		OrgID:     orgID,
		SessionID: req.SessionID,
		Type:      req.Type,
		Payload:   req.Payload,
		Status:    agentModel.CommandStatusPending,
	}

	if err := s.commandRepo.Create(cmd); err != nil {
		return nil, fmt.Errorf("failed to persist command: %w", err)
	}

	msg := &agentModel.CommandMessage{
		CommandID: cmd.CommandID,
		AgentID:   cmd.AgentID,
		SessionID: cmd.SessionID,
		Type:      cmd.Type,
		Payload:   cmd.Payload,
	}
	if err := s.dispatcher.Enqueue(msg); err != nil {
		// 入队失败不算创建失败，命令保持pending等待恢复
		logger.LogBusinessOperation("command_create", "degraded", "命令已落库但入队失败", map[string]interface{}{
			"command_id": cmd.CommandID,
			"agent_id":   cmd.AgentID,
			"reason":     err.Error(),
		})
		return cmd, nil
	}

	logger.LogBusinessOperation("command_create", "success", "命令已创建并入队", map[string]interface{}{
		"command_id": cmd.CommandID,
		"agent_id":   cmd.AgentID,
		"org_id":     orgID,
		"type":       cmd.Type,
	})

	return cmd, nil
}

// GetCommand 查询单条命令，orgID非空时校验归属
func (s *CommandService) GetCommand(commandID, orgID string) (*agentModel.AgentCommand, error) {
	cmd, err := s.commandRepo.GetByCommandID(commandID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, ErrCommandNotFound
	}
	// 跨组织查询按不存在处理，不泄露他租户命令的存在性
	if orgID != "" && cmd.OrgID != orgID {
		return nil, ErrCommandNotFound
	}

	return cmd, nil
}

// ListCommands 分页查询命令列表
func (s *CommandService) ListCommands(req *agentModel.ListCommandsRequest, orgID string) ([]*agentModel.AgentCommand, int64, error) {
	return s.commandRepo.GetList(req, orgID)
}

// HandleAck 处理Agent的命令确认回报
// accepted: sent -> acknowledged;rejected: sent -> failed
// 乱序或重复回报被前置状态守卫拒绝，只记录日志
func (s *CommandService) HandleAck(agentID string, msg *agentModel.AckMessage) {
	var err error
	switch msg.Status {
	case agentModel.AckStatusAccepted:
		err = s.commandRepo.TransitionStatus(msg.CommandID, agentModel.CommandStatusSent, agentModel.CommandStatusAcknowledged, "")
	case agentModel.AckStatusRejected:
		reason := msg.Reason
		if reason == "" {
			reason = "rejected by agent"
		}
		err = s.commandRepo.TransitionStatus(msg.CommandID, agentModel.CommandStatusSent, agentModel.CommandStatusFailed, reason)
	default:
		logger.LogBusinessOperation("command_ack", "failed", "未知的ack状态", map[string]interface{}{
			"command_id": msg.CommandID,
			"agent_id":   agentID,
			"status":     msg.Status,
		})
		return
	}

	if err != nil {
		if err == mysqlAgent.ErrStaleTransition {
			logger.LogBusinessOperation("command_ack", "ignored", "ack回报未命中预期状态，忽略", map[string]interface{}{
				"command_id": msg.CommandID,
				"agent_id":   agentID,
				"status":     msg.Status,
			})
			return
		}
		logger.LogError(err, "dispatch.HandleAck", map[string]interface{}{
			"operation":  "handle_ack",
			"command_id": msg.CommandID,
			"agent_id":   agentID,
		})
		return
	}

	logger.LogBusinessOperation("command_ack", "success", "命令确认已处理", map[string]interface{}{
		"command_id": msg.CommandID,
		"agent_id":   agentID,
		"status":     msg.Status,
	})
}

// HandleResult 处理Agent的命令执行结果回报
// completed: acknowledged -> completed;failed: acknowledged -> failed
func (s *CommandService) HandleResult(agentID string, msg *agentModel.ResultMessage) {
	var err error
	switch msg.Status {
	case agentModel.ResultStatusCompleted:
		err = s.commandRepo.TransitionStatus(msg.CommandID, agentModel.CommandStatusAcknowledged, agentModel.CommandStatusCompleted, "")
	case agentModel.ResultStatusFailed:
		reason := msg.Error
		if reason == "" {
			reason = "execution failed"
		}
		err = s.commandRepo.TransitionStatus(msg.CommandID, agentModel.CommandStatusAcknowledged, agentModel.CommandStatusFailed, reason)
	default:
		logger.LogBusinessOperation("command_result", "failed", "未知的result状态", map[string]interface{}{
			"command_id": msg.CommandID,
			"agent_id":   agentID,
			"status":     msg.Status,
		})
		return
	}

	if err != nil {
		if err == mysqlAgent.ErrStaleTransition {
			logger.LogBusinessOperation("command_result", "ignored", "result回报未命中预期状态，忽略", map[string]interface{}{
				"command_id": msg.CommandID,
				"agent_id":   agentID,
				"status":     msg.Status,
			})
			return
		}
		logger.LogError(err, "dispatch.HandleResult", map[string]interface{}{
			"operation":  "handle_result",
			"command_id": msg.CommandID,
			"agent_id":   agentID,
		})
		return
	}

	logger.LogBusinessOperation("command_result", "success", "命令结果已处理", map[string]interface{}{
		"command_id": msg.CommandID,
		"agent_id":   agentID,
		"status":     msg.Status,
	})
}
