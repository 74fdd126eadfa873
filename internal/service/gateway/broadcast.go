/**
 * 网关服务层:UI订阅广播
 * @description: UI订阅连接集合与组织维度的定向广播，租户隔离在广播入口强制执行
 * @func:
 * 	1.订阅端登记/注销
 * 	2.BroadcastToOrg 组织定向广播，慢消费者剔除
 * 	3.周期性状态快照推送
 */
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	agentModel "helmsman/internal/model/agent"
	"helmsman/internal/pkg/logger"
	mysqlAgent "helmsman/internal/repo/mysql/agent"
)

// SubscriberClient 一条UI订阅连接
// OrgID来自已验证的JWT声明，是广播过滤的唯一依据
type SubscriberClient struct {
	UserID string
	OrgID  string
	Send   chan []byte

	closeOnce sync.Once
}

// NewSubscriberClient 创建订阅端
func NewSubscriberClient(userID, orgID string, bufferSize int) *SubscriberClient {
	return &SubscriberClient{
		UserID: userID,
		OrgID:  orgID,
		Send:   make(chan []byte, bufferSize),
	}
}

// close 关闭发送通道，幂等
func (c *SubscriberClient) close() {
	c.closeOnce.Do(func() {
		close(c.Send)
	})
}

// SubscriberHub UI订阅连接集合
type SubscriberHub struct {
	mu      sync.RWMutex
	clients map[*SubscriberClient]bool
}

// NewSubscriberHub 创建订阅集合
func NewSubscriberHub() *SubscriberHub {
	return &SubscriberHub{
		clients: make(map[*SubscriberClient]bool),
	}
}

// Register 登记订阅端
func (h *SubscriberHub) Register(client *SubscriberClient) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	logger.LogBusinessOperation("subscriber_register", "success", "UI订阅端已接入", map[string]interface{}{
		"user_id": client.UserID,
		"org_id":  client.OrgID,
	})
}

// Unregister 注销订阅端并关闭其发送通道
func (h *SubscriberHub) Unregister(client *SubscriberClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.close()
	}
	h.mu.Unlock()
}

// Count 当前订阅端数量
func (h *SubscriberHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// OrgIDs 当前有订阅端的组织去重列表
func (h *SubscriberHub) OrgIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool)
	var orgs []string
	for client := range h.clients {
		if !seen[client.OrgID] {
			seen[client.OrgID] = true
			orgs = append(orgs, client.OrgID)
		}
	}
	return orgs
}

// BroadcastToOrg 向指定组织的全部订阅端广播
// 读锁下遍历投递，缓冲满的慢消费者收集后在写锁下剔除，
// 广播协程绝不被单个慢连接阻塞
func (h *SubscriberHub) BroadcastToOrg(orgID string, envelope *agentModel.Envelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		logger.LogError(err, "gateway.BroadcastToOrg", map[string]interface{}{
			"operation": "marshal_broadcast",
			"org_id":    orgID,
		})
		return
	}

	var slow []*SubscriberClient

	h.mu.RLock()
	for client := range h.clients {
		if client.OrgID != orgID {
			continue
		}
		select {
		case client.Send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			client.close()
			logger.LogBusinessOperation("subscriber_evict", "success", "慢消费订阅端已剔除", map[string]interface{}{
				"user_id": client.UserID,
				"org_id":  client.OrgID,
			})
		}
	}
	h.mu.Unlock()
}

// CloseAll 关闭全部订阅端，优雅停机用
func (h *SubscriberHub) CloseAll() {
	h.mu.Lock()
	for client := range h.clients {
		delete(h.clients, client)
		client.close()
	}
	h.mu.Unlock()
}

// ============================================================================
// 状态快照广播器
// ============================================================================

// SnapshotBroadcaster 周期性向各组织订阅端推送状态快照
// 快照数据按组织查询，查询层面完成租户过滤
type SnapshotBroadcaster struct {
	hub         *SubscriberHub
	agentRepo   mysqlAgent.AgentRepository
	commandRepo mysqlAgent.CommandRepository
	interval    time.Duration
}

// NewSnapshotBroadcaster 创建快照广播器
func NewSnapshotBroadcaster(hub *SubscriberHub, agentRepo mysqlAgent.AgentRepository, commandRepo mysqlAgent.CommandRepository, interval time.Duration) *SnapshotBroadcaster {
	return &SnapshotBroadcaster{
		hub:         hub,
		agentRepo:   agentRepo,
		commandRepo: commandRepo,
		interval:    interval,
	}
}

// Run 阻塞运行快照推送循环，直到ctx取消
func (b *SnapshotBroadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	logger.LogSystemEvent("broadcast", "snapshot_started", "状态快照广播已启动", logrus.InfoLevel, map[string]interface{}{
		"interval": b.interval.String(),
	})

	for {
		select {
		case <-ctx.Done():
			logger.LogSystemEvent("broadcast", "snapshot_stopped", "状态快照广播已停止", logrus.InfoLevel, nil)
			return
		case <-ticker.C:
			b.broadcastOnce()
		}
	}
}

// broadcastOnce 对每个有订阅端的组织生成并推送一次快照
func (b *SnapshotBroadcaster) broadcastOnce() {
	for _, orgID := range b.hub.OrgIDs() {
		snapshot, err := b.buildSnapshot(orgID)
		if err != nil {
			logger.LogError(err, "broadcast.broadcastOnce", map[string]interface{}{
				"operation": "build_snapshot",
				"org_id":    orgID,
			})
			continue
		}

		envelope, err := agentModel.NewEnvelope(agentModel.MessageTypeSnapshot, snapshot)
		if err != nil {
			logger.LogError(err, "broadcast.broadcastOnce", map[string]interface{}{
				"operation": "build_snapshot_envelope",
				"org_id":    orgID,
			})
			continue
		}

		b.hub.BroadcastToOrg(orgID, envelope)
	}
}

// buildSnapshot 构建组织维度的状态快照
func (b *SnapshotBroadcaster) buildSnapshot(orgID string) (*agentModel.SnapshotMessage, error) {
	onlineAgents, err := b.agentRepo.CountOnlineByOrg(orgID)
	if err != nil {
		return nil, err
	}

	commandStats, err := b.commandRepo.CountByStatusForOrg(orgID)
	if err != nil {
		return nil, err
	}

	return &agentModel.SnapshotMessage{
		OrgID:        orgID,
		OnlineAgents: onlineAgents,
		CommandStats: commandStats,
		GeneratedAt:  time.Now().UnixMilli(),
	}, nil
}
