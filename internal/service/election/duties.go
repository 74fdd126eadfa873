/**
 * 选举服务层:领导者单例职责
 * @description: 仅领导者执行的后台清理任务
 * @func: 心跳过期Agent的离线清理(进程崩溃后数据库残留的在线状态由此收敛)
 */
package election

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"helmsman/internal/pkg/logger"
	mysqlAgent "helmsman/internal/repo/mysql/agent"
)

// StaleSweeper 心跳过期Agent清理器，领导者单例职责
// 缺失约2个心跳周期先降级，满3个周期判定失联离线
type StaleSweeper struct {
	agentRepo     mysqlAgent.AgentRepository
	interval      time.Duration // 扫描周期
	degradedAfter time.Duration // 心跳超过该时长标记降级
	staleAfter    time.Duration // 心跳超过该时长视为失联
}

// NewStaleSweeper 创建清理器
// 失联阈值取3个心跳间隔，与路由TTL留出余量，避免误杀网络抖动中的Agent
func NewStaleSweeper(agentRepo mysqlAgent.AgentRepository, heartbeatInterval time.Duration) *StaleSweeper {
	return &StaleSweeper{
		agentRepo:     agentRepo,
		interval:      heartbeatInterval,
		degradedAfter: 2 * heartbeatInterval,
		staleAfter:    3 * heartbeatInterval,
	}
}

// Run 阻塞运行清理循环，ctx取消(失位或停机)时立即退出
func (s *StaleSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.LogSystemEvent("election", "sweeper_started", "失联Agent清理任务已启动", logrus.InfoLevel, map[string]interface{}{
		"interval":    s.interval.String(),
		"stale_after": s.staleAfter.String(),
	})

	for {
		select {
		case <-ctx.Done():
			logger.LogSystemEvent("election", "sweeper_stopped", "失联Agent清理任务已停止", logrus.InfoLevel, nil)
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

// sweepOnce 执行一次清理:先判定失联离线，再把心跳缺失的在线Agent降级
func (s *StaleSweeper) sweepOnce() {
	now := time.Now()

	offlined, err := s.agentRepo.MarkStaleOffline(now.Add(-s.staleAfter))
	if err != nil {
		logger.LogError(err, "election.sweepOnce", map[string]interface{}{
			"operation": "mark_stale_offline",
		})
		return
	}

	degraded, err := s.agentRepo.MarkStaleDegraded(now.Add(-s.degradedAfter))
	if err != nil {
		logger.LogError(err, "election.sweepOnce", map[string]interface{}{
			"operation": "mark_stale_degraded",
		})
		return
	}

	if offlined > 0 || degraded > 0 {
		logger.LogBusinessOperation("stale_sweep", "success", "心跳过期Agent已处理", map[string]interface{}{
			"offlined": offlined,
			"degraded": degraded,
		})
	}
}
