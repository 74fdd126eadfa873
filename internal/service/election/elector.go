/**
 * 选举服务层:领导者选举协调器
 * @description: 基于Redis租约的领导者选举，同一HA组内最多一个进程承担单例职责
 * @func:
 * 	1.租约获取/续期循环
 * 	2.当选/失位回调(失位时立即取消领导者上下文)
 * 	3.优雅停机时主动释放租约
 * @note: 续约周期必须小于租约时长，最坏故障转移时间 = 租约时长 + 轮询周期
 */
package election

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"helmsman/internal/config"
	"helmsman/internal/pkg/logger"
	redisRepo "helmsman/internal/repo/redis"
)

// Callbacks 领导者生命周期回调
type Callbacks struct {
	// OnStartedLeading 当选后在独立协程中调用，ctx在失位或停机时取消
	OnStartedLeading func(ctx context.Context)
	// OnStoppedLeading 失位后调用(可为nil)
	OnStoppedLeading func()
}

// Elector 领导者选举协调器
type Elector struct {
	cfg       *config.ElectionConfig
	holderID  string // 本进程的持有者标识(processID)
	leaseRepo *redisRepo.LeaseRepository
	callbacks Callbacks

	isLeader atomic.Bool
	wg       sync.WaitGroup
}

// NewElector 创建选举协调器
func NewElector(cfg *config.ElectionConfig, holderID string, leaseRepo *redisRepo.LeaseRepository, callbacks Callbacks) *Elector {
	return &Elector{
		cfg:       cfg,
		holderID:  holderID,
		leaseRepo: leaseRepo,
		callbacks: callbacks,
	}
}

// IsLeader 本进程当前是否为领导者
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// FailoverBound 最坏故障转移时间上界(租约时长 + 轮询周期)
// 健康检查和SLA设定应以此为准
func (e *Elector) FailoverBound() time.Duration {
	return e.cfg.LeaseDuration + e.cfg.RetryPeriod
}

// Run 阻塞运行选举循环，直到ctx取消
// 未持有租约时按RetryPeriod轮询尝试获取;持有后按RenewDeadline续期，
// 续期失败立即失位并回到获取循环
func (e *Elector) Run(ctx context.Context) {
	logger.LogSystemEvent("election", "started", "领导者选举已启动", logrus.InfoLevel, map[string]interface{}{
		"group":          e.cfg.Group,
		"holder_id":      e.holderID,
		"failover_bound": e.FailoverBound().String(),
	})

	for {
		select {
		case <-ctx.Done():
			logger.LogSystemEvent("election", "stopped", "领导者选举已停止", logrus.InfoLevel, nil)
			return
		default:
		}

		if !e.tryAcquire(ctx) {
			// 未获取到租约，等待下一轮
			select {
			case <-ctx.Done():
				logger.LogSystemEvent("election", "stopped", "领导者选举已停止", logrus.InfoLevel, nil)
				return
			case <-time.After(e.cfg.RetryPeriod):
			}
			continue
		}

		e.lead(ctx)
	}
}

// tryAcquire 尝试获取租约
func (e *Elector) tryAcquire(ctx context.Context) bool {
	acquireCtx, cancel := context.WithTimeout(ctx, e.cfg.RetryPeriod)
	defer cancel()

	ok, err := e.leaseRepo.Acquire(acquireCtx, e.cfg.Group, e.holderID, e.cfg.LeaseDuration)
	if err != nil {
		logger.LogError(err, "election.tryAcquire", map[string]interface{}{
			"operation": "acquire_lease",
			"group":     e.cfg.Group,
		})
		return false
	}

	return ok
}

// lead 持有租约期间的续期循环，返回即失位
func (e *Elector) lead(ctx context.Context) {
	e.isLeader.Store(true)
	logger.LogSystemEvent("election", "elected", "本进程已当选领导者", logrus.InfoLevel, map[string]interface{}{
		"group":     e.cfg.Group,
		"holder_id": e.holderID,
	})

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	if e.callbacks.OnStartedLeading != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.callbacks.OnStartedLeading(leaderCtx)
		}()
	}

	ticker := time.NewTicker(e.cfg.RenewDeadline)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// 停机路径:主动释放租约，让继任者立即接管
			e.releaseLease()
			e.demote(cancelLeader)
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(ctx, e.cfg.RetryPeriod)
			ok, err := e.leaseRepo.Renew(renewCtx, e.cfg.Group, e.holderID, e.cfg.LeaseDuration)
			cancel()

			if err != nil || !ok {
				// 续期失败即视为失位，单例职责立即停止
				if err != nil {
					logger.LogError(err, "election.lead", map[string]interface{}{
						"operation": "renew_lease",
						"group":     e.cfg.Group,
					})
				}
				logger.LogSystemEvent("election", "lost_leadership", "领导者租约已丢失", logrus.WarnLevel, map[string]interface{}{
					"group":     e.cfg.Group,
					"holder_id": e.holderID,
				})
				e.demote(cancelLeader)
				return
			}
		}
	}
}

// demote 失位处理:取消领导者上下文，等待单例职责退出
func (e *Elector) demote(cancelLeader context.CancelFunc) {
	cancelLeader()
	e.wg.Wait()
	e.isLeader.Store(false)

	if e.callbacks.OnStoppedLeading != nil {
		e.callbacks.OnStoppedLeading()
	}
}

// releaseLease 主动释放租约，仅持有者可释放
func (e *Elector) releaseLease() {
	releaseCtx, cancel := context.WithTimeout(context.Background(), e.cfg.RetryPeriod)
	defer cancel()

	if err := e.leaseRepo.Release(releaseCtx, e.cfg.Group, e.holderID); err != nil {
		logger.LogError(err, "election.releaseLease", map[string]interface{}{
			"operation": "release_lease",
			"group":     e.cfg.Group,
		})
		return
	}

	logger.LogSystemEvent("election", "released", "领导者租约已主动释放", logrus.InfoLevel, map[string]interface{}{
		"group":     e.cfg.Group,
		"holder_id": e.holderID,
	})
}
