/**
 * 分发服务层:命令分发器
 * @description: 命令异步分发的工作池，数据库命令状态是权威事实，内存队列只是加速通道
 * @func:
 * 	1.命令入队与工作协程消费
 * 	2.经网关路由投递，成功置sent，不可达置failed
 * 	3.启动恢复扫描:重新入队崩溃前遗留的pending命令
 */
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"helmsman/internal/config"
	agentModel "helmsman/internal/model/agent"
	"helmsman/internal/pkg/logger"
	mysqlAgent "helmsman/internal/repo/mysql/agent"
	"helmsman/internal/service/gateway"
)

// ErrQueueFull 内存队列已满，命令保持pending等待恢复扫描重新入队
var ErrQueueFull = errors.New("dispatch queue is full")

// ErrDispatcherStopped 分发器已停止
var ErrDispatcherStopped = errors.New("dispatcher is stopped")

// Dispatcher 命令分发器
type Dispatcher struct {
	cfg         *config.DispatcherConfig
	gateway     *gateway.GatewayService
	commandRepo mysqlAgent.CommandRepository

	queue chan *agentModel.CommandMessage
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewDispatcher 创建命令分发器
func NewDispatcher(cfg *config.DispatcherConfig, gw *gateway.GatewayService, commandRepo mysqlAgent.CommandRepository) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		gateway:     gw,
		commandRepo: commandRepo,
		queue:       make(chan *agentModel.CommandMessage, cfg.QueueSize),
	}
}

// Start 启动工作协程池
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}

	logger.LogSystemEvent("dispatcher", "started", "命令分发器已启动", logrus.InfoLevel, map[string]interface{}{
		"workers":    d.cfg.Workers,
		"queue_size": d.cfg.QueueSize,
	})
}

// Stop 停止分发器:关闭入队口，等待在途命令处理完成
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	logger.LogSystemEvent("dispatcher", "stopped", "命令分发器已停止", logrus.InfoLevel, nil)
}

// Enqueue 非阻塞入队
// 队列满返回ErrQueueFull，命令留在pending状态由恢复扫描兜底
// 锁需覆盖整个入队动作:Stop在锁内close(queue)，锁外send会撞上已关闭的通道
func (d *Dispatcher) Enqueue(cmd *agentModel.CommandMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrDispatcherStopped
	}

	select {
	case d.queue <- cmd:
		return nil
	default:
		logger.LogBusinessOperation("command_enqueue", "failed", "分发队列已满", map[string]interface{}{
			"command_id": cmd.CommandID,
			"agent_id":   cmd.AgentID,
		})
		return ErrQueueFull
	}
}

// worker 工作协程，串行消费队列
func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for cmd := range d.queue {
		d.dispatch(ctx, cmd)
	}

	logger.LogSystemEvent("dispatcher", "worker_exit", "分发工作协程退出", logrus.DebugLevel, map[string]interface{}{
		"worker_id": id,
	})
}

// dispatch 单条命令的分发尝试
// 先置sent再投递:Agent的ack可能早于任何本地后续写入到达(尤其是跨进程转发)，
// sent必须在消息离开本进程之前落库，否则ack会被状态守卫当作乱序回报拒绝
// 投递失败: sent -> failed;pending -> sent未命中说明命令已被并发处理，静默放弃
func (d *Dispatcher) dispatch(ctx context.Context, cmd *agentModel.CommandMessage) {
	dispatchCtx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
	defer cancel()

	if terr := d.commandRepo.TransitionStatus(cmd.CommandID, agentModel.CommandStatusPending, agentModel.CommandStatusSent, ""); terr != nil {
		if terr != mysqlAgent.ErrStaleTransition {
			logger.LogError(terr, "dispatch.dispatch", map[string]interface{}{
				"operation":  "mark_command_sent",
				"command_id": cmd.CommandID,
			})
		}
		return
	}

	err := d.gateway.RouteCommand(dispatchCtx, cmd)
	if err != nil {
		reason := "dispatch failed: " + err.Error()
		if errors.Is(err, gateway.ErrNoRoute) {
			reason = "agent is not connected"
		}

		if terr := d.commandRepo.TransitionStatus(cmd.CommandID, agentModel.CommandStatusSent, agentModel.CommandStatusFailed, reason); terr != nil {
			if terr != mysqlAgent.ErrStaleTransition {
				logger.LogError(terr, "dispatch.dispatch", map[string]interface{}{
					"operation":  "mark_command_failed",
					"command_id": cmd.CommandID,
				})
			}
			return
		}

		logger.LogBusinessOperation("command_dispatch", "failed", "命令分发失败", map[string]interface{}{
			"command_id": cmd.CommandID,
			"agent_id":   cmd.AgentID,
			"reason":     reason,
		})
		return
	}

	logger.LogBusinessOperation("command_dispatch", "success", "命令已下发", map[string]interface{}{
		"command_id": cmd.CommandID,
		"agent_id":   cmd.AgentID,
	})
}

// RecoverPending 启动恢复扫描
// 进程崩溃会丢失内存队列，重启后把数据库中遗留的pending命令重新入队，
// 按Agent分组、组内保持创建顺序
func (d *Dispatcher) RecoverPending(ctx context.Context) error {
	agentIDs, err := d.commandRepo.ListPendingAgentIDs()
	if err != nil {
		return err
	}

	var recovered, skipped int
	for _, agentID := range agentIDs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		commands, err := d.commandRepo.ListPendingByAgent(agentID)
		if err != nil {
			logger.LogError(err, "dispatch.RecoverPending", map[string]interface{}{
				"operation": "list_pending_commands",
				"agent_id":  agentID,
			})
			continue // 单个Agent查询失败不中断整体恢复
		}

		for _, cmd := range commands {
			msg := &agentModel.CommandMessage{
				CommandID: cmd.CommandID,
				AgentID:   cmd.AgentID,
				SessionID: cmd.SessionID,
				Type:      cmd.Type,
				Payload:   cmd.Payload,
			}
			if err := d.Enqueue(msg); err != nil {
				skipped++
				continue // 队列满，命令保持pending，等待下一轮恢复
			}
			recovered++
		}
	}

	logger.LogSystemEvent("dispatcher", "recovery_completed", "启动恢复扫描完成", logrus.InfoLevel, map[string]interface{}{
		"recovered": recovered,
		"skipped":   skipped,
		"agents":    len(agentIDs),
	})

	return nil
}
