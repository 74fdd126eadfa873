/**
 * 网关服务层:Agent网关
 * @description: Agent连接生命周期管理 + 基于Redis的跨进程命令路由
 * @func:
 * 	1.Agent注册/心跳/断开
 * 	2.命令路由:本地直投，跨进程走Redis发布订阅
 * 	3.本进程命令频道的订阅消费
 */
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"helmsman/internal/config"
	agentModel "helmsman/internal/model/agent"
	"helmsman/internal/pkg/logger"
	mysqlAgent "helmsman/internal/repo/mysql/agent"
	redisRepo "helmsman/internal/repo/redis"
)

// ErrNoRoute Agent既不在本地也没有路由映射，当前不可达
var ErrNoRoute = errors.New("agent is not connected to any process")

// ErrRouteConflict 路由已归属其他进程，本进程持有的是被顶替的旧连接
var ErrRouteConflict = errors.New("agent route is owned by another process")

// GatewayService Agent网关服务
// 持有进程内注册表与Redis路由层，是命令抵达Agent的唯一通道
type GatewayService struct {
	processID string
	cfg       *config.GatewayConfig

	registry    *ConnectionRegistry
	routeRepo   *redisRepo.RouteRepository
	agentRepo   mysqlAgent.AgentRepository
	commandRepo mysqlAgent.CommandRepository
}

// NewGatewayService 创建网关服务
func NewGatewayService(
	processID string,
	cfg *config.GatewayConfig,
	registry *ConnectionRegistry,
	routeRepo *redisRepo.RouteRepository,
	agentRepo mysqlAgent.AgentRepository,
	commandRepo mysqlAgent.CommandRepository,
) *GatewayService {
	return &GatewayService{
		processID:   processID,
		cfg:         cfg,
		registry:    registry,
		routeRepo:   routeRepo,
		agentRepo:   agentRepo,
		commandRepo: commandRepo,
	}
}

// ProcessID 本进程实例标识
func (s *GatewayService) ProcessID() string {
	return s.processID
}

// Registry 进程内连接注册表
func (s *GatewayService) Registry() *ConnectionRegistry {
	return s.registry
}

// RegisterAgent 处理Agent注册
// 顺序:本地注册表登记(顶替旧连接) -> Redis路由登记 -> 数据库状态落库
// Redis登记失败则回滚本地登记并拒绝注册，避免出现不可路由的"在线"Agent
func (s *GatewayService) RegisterAgent(ctx context.Context, conn *AgentConn, msg *agentModel.RegisterMessage) (*agentModel.RegisteredMessage, error) {
	old := s.registry.Register(conn)
	if old != nil {
		old.Close()
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	if err := s.routeRepo.RegisterRoute(storeCtx, conn.AgentID, s.processID, s.cfg.RouteTTL()); err != nil {
		s.registry.Unregister(conn)
		logger.LogError(err, "gateway.RegisterAgent", map[string]interface{}{
			"operation": "register_route",
			"agent_id":  conn.AgentID,
		})
		return nil, fmt.Errorf("failed to register agent route: %w", err)
	}

	// 数据库是最终一致的投影，落库失败不阻断注册
	if err := s.persistAgentOnline(msg); err != nil {
		logger.LogError(err, "gateway.RegisterAgent", map[string]interface{}{
			"operation": "persist_agent_online",
			"agent_id":  conn.AgentID,
		})
	}

	logger.LogBusinessOperation("agent_register", "success", "Agent注册成功", map[string]interface{}{
		"agent_id":   conn.AgentID,
		"org_id":     conn.OrgID,
		"process_id": s.processID,
	})

	return &agentModel.RegisteredMessage{
		AgentID:           conn.AgentID,
		ProcessID:         s.processID,
		HeartbeatInterval: int64(s.cfg.HeartbeatInterval / time.Second),
	}, nil
}

// persistAgentOnline 将注册信息写入数据库，不存在则创建
func (s *GatewayService) persistAgentOnline(msg *agentModel.RegisterMessage) error {
	existing, err := s.agentRepo.GetByAgentID(msg.AgentID)
	if err != nil {
		return err
	}

	if existing == nil {
		newAgent := &agentModel.Agent{
			AgentID:  msg.AgentID,
			OrgID:    msg.OrgID,
			Platform: msg.Platform,
			Capacity: msg.Capacity,
			Hostname: msg.Hostname,
			Version:  msg.Version,
			Metadata: msg.Metadata,
		}
		newAgent.MarkOnline(s.processID)
		return s.agentRepo.Create(newAgent)
	}

	existing.Platform = msg.Platform
	existing.Capacity = msg.Capacity
	existing.Hostname = msg.Hostname
	existing.Version = msg.Version
	if len(msg.Metadata) > 0 {
		existing.Metadata = msg.Metadata
	}
	existing.MarkOnline(s.processID)
	return s.agentRepo.Update(existing)
}

// Heartbeat 处理Agent心跳:续期路由映射并刷新数据库心跳时间和负载
func (s *GatewayService) Heartbeat(ctx context.Context, agentID string, activeUnits int) error {
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	refreshed, err := s.routeRepo.RefreshRoute(storeCtx, agentID, s.processID, s.cfg.RouteTTL())
	if err != nil {
		logger.LogError(err, "gateway.Heartbeat", map[string]interface{}{
			"operation": "refresh_route",
			"agent_id":  agentID,
		})
		return err
	}

	// 路由已归属他进程:Agent在别处重连，本连接是旧连接，心跳不得抢回路由
	if !refreshed {
		return ErrRouteConflict
	}

	if err := s.agentRepo.UpdateLastHeartbeat(agentID, activeUnits); err != nil {
		return err
	}

	return nil
}

// Disconnect 处理Agent断开:注销本地登记、清理路由、落库离线状态
// 注册表注销失败说明该连接已被新连接顶替，此时路由和数据库归新连接所有，不再清理
func (s *GatewayService) Disconnect(ctx context.Context, conn *AgentConn) {
	if !s.registry.Unregister(conn) {
		return
	}

	storeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()

	if err := s.routeRepo.RemoveRoute(storeCtx, conn.AgentID, s.processID); err != nil {
		logger.LogError(err, "gateway.Disconnect", map[string]interface{}{
			"operation": "remove_route",
			"agent_id":  conn.AgentID,
		})
	}

	// process_id守卫:Agent已在他进程重连时，旧进程的清理不得覆盖新归属
	if err := s.agentRepo.MarkOffline(conn.AgentID, s.processID); err != nil {
		logger.LogError(err, "gateway.Disconnect", map[string]interface{}{
			"operation": "mark_offline",
			"agent_id":  conn.AgentID,
		})
	}

	logger.LogBusinessOperation("agent_disconnect", "success", "Agent连接已断开", map[string]interface{}{
		"agent_id":   conn.AgentID,
		"process_id": s.processID,
	})
}

// DeliverLocal 向本进程内的Agent连接直投命令
func (s *GatewayService) DeliverLocal(cmd *agentModel.CommandMessage) error {
	conn, ok := s.registry.Get(cmd.AgentID)
	if !ok {
		return ErrNoRoute
	}

	envelope, err := agentModel.NewEnvelope(agentModel.MessageTypeCommand, cmd)
	if err != nil {
		return fmt.Errorf("failed to build command envelope: %w", err)
	}

	// 发送缓冲打满说明连接已经不消费数据，按死连接处理:
	// 摘除注册表与路由后关闭，等Agent重连重建状态
	if err := conn.Send(envelope); err != nil {
		logger.LogBusinessOperation("agent_evict", "success", "Agent连接发送缓冲积压，已强制断开", map[string]interface{}{
			"agent_id":   cmd.AgentID,
			"process_id": s.processID,
		})
		s.Disconnect(context.Background(), conn)
		conn.Close()
		return fmt.Errorf("failed to deliver command: %w", err)
	}

	return nil
}

// RouteCommand 路由命令到目标Agent
// 本地连接优先直投;否则查路由映射，命中他进程则发布到其命令频道
func (s *GatewayService) RouteCommand(ctx context.Context, cmd *agentModel.CommandMessage) error {
	// 本地直投，免一次Redis往返
	if _, ok := s.registry.Get(cmd.AgentID); ok {
		return s.DeliverLocal(cmd)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	targetProcess, err := s.routeRepo.LookupRoute(storeCtx, cmd.AgentID)
	if err != nil {
		return fmt.Errorf("failed to lookup agent route: %w", err)
	}
	if targetProcess == "" {
		return ErrNoRoute
	}

	// 路由指向本进程但注册表无连接:连接刚断开而路由未过期，视为不可达
	if targetProcess == s.processID {
		return ErrNoRoute
	}

	if err := s.routeRepo.PublishCommand(storeCtx, targetProcess, cmd); err != nil {
		return fmt.Errorf("failed to forward command to process %s: %w", targetProcess, err)
	}

	return nil
}

// RunSubscriber 订阅本进程命令频道并投递到本地连接
// 阻塞运行直到ctx取消，随主进程生命周期启动
func (s *GatewayService) RunSubscriber(ctx context.Context) {
	pubsub := s.routeRepo.SubscribeCommands(ctx, s.processID)
	defer pubsub.Close()

	logger.LogSystemEvent("gateway", "subscriber_started", "进程命令频道订阅已启动", logrus.InfoLevel, map[string]interface{}{
		"process_id": s.processID,
	})

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			logger.LogSystemEvent("gateway", "subscriber_stopped", "进程命令频道订阅已停止", logrus.InfoLevel, nil)
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleForwardedCommand(msg.Payload)
		}
	}
}

// handleForwardedCommand 处理其他进程转发来的命令
// 投递失败(Agent刚断开)时将命令置为失败终态，避免卡在sent
func (s *GatewayService) handleForwardedCommand(payload string) {
	var cmd agentModel.CommandMessage
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		logger.LogError(err, "gateway.handleForwardedCommand", map[string]interface{}{
			"operation": "unmarshal_forwarded_command",
		})
		return
	}

	if err := s.DeliverLocal(&cmd); err != nil {
		logger.LogError(err, "gateway.handleForwardedCommand", map[string]interface{}{
			"operation":  "deliver_forwarded_command",
			"command_id": cmd.CommandID,
			"agent_id":   cmd.AgentID,
		})
		if terr := s.commandRepo.TransitionStatus(cmd.CommandID, agentModel.CommandStatusSent, agentModel.CommandStatusFailed, "agent not connected on target process"); terr != nil && terr != mysqlAgent.ErrStaleTransition {
			logger.LogError(terr, "gateway.handleForwardedCommand", map[string]interface{}{
				"operation":  "mark_forwarded_command_failed",
				"command_id": cmd.CommandID,
			})
		}
		return
	}

	logger.LogBusinessOperation("command_forwarded", "success", "跨进程命令已投递本地Agent", map[string]interface{}{
		"command_id": cmd.CommandID,
		"agent_id":   cmd.AgentID,
	})
}

// Shutdown 优雅停机:清理全部本地路由并关闭连接
// 数据库侧按process_id批量离线，同时兜底清掉本进程上次崩溃遗留的在线记录
func (s *GatewayService) Shutdown(ctx context.Context) {
	for _, conn := range s.registry.List() {
		storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		if err := s.routeRepo.RemoveRoute(storeCtx, conn.AgentID, s.processID); err != nil {
			logger.LogError(err, "gateway.Shutdown", map[string]interface{}{
				"operation": "remove_route",
				"agent_id":  conn.AgentID,
			})
		}
		cancel()
	}

	if affected, err := s.agentRepo.MarkOfflineByProcess(s.processID); err != nil {
		logger.LogError(err, "gateway.Shutdown", map[string]interface{}{
			"operation": "mark_offline_by_process",
		})
	} else if affected > 0 {
		logger.LogBusinessOperation("agent_offline", "success", "本进程Agent已批量置为离线", map[string]interface{}{
			"process_id": s.processID,
			"affected":   affected,
		})
	}

	s.registry.CloseAll()
	logger.LogSystemEvent("gateway", "shutdown", "Agent网关已关闭", logrus.InfoLevel, map[string]interface{}{
		"process_id": s.processID,
	})
}
