/**
 * 租约仓库层:领导者租约数据访问
 * @description: 基于Redis键的领导者租约(SET NX EX获取，Lua脚本保证续期/释放的原子性)
 * @func: 租约获取/续期/释放/查询
 */
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// renewLeaseScript 仅当租约仍归持有者所有时才续期
const renewLeaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// releaseLeaseScript 仅当租约仍归持有者所有时才删除
const releaseLeaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// LeaseRepository Redis租约存储库
type LeaseRepository struct {
	client *redis.Client
}

// NewLeaseRepository 创建租约存储库实例
func NewLeaseRepository(client *redis.Client) *LeaseRepository {
	return &LeaseRepository{
		client: client,
	}
}

// getLeaseKey 生成租约键[KEY:agent:leader:{group}]
func (r *LeaseRepository) getLeaseKey(group string) string {
	return fmt.Sprintf("agent:leader:%s", group)
}

// Acquire 尝试获取租约
// 返回true表示获取成功，false表示租约已被其他持有者占用
func (r *LeaseRepository) Acquire(ctx context.Context, group, holderID string, duration time.Duration) (bool, error) {
	leaseKey := r.getLeaseKey(group)

	ok, err := r.client.SetNX(ctx, leaseKey, holderID, duration).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	return ok, nil
}

// Renew 续期租约
// 返回true表示续期成功，false表示租约已丢失(过期或被他人持有)
func (r *LeaseRepository) Renew(ctx context.Context, group, holderID string, duration time.Duration) (bool, error) {
	leaseKey := r.getLeaseKey(group)

	result, err := r.client.Eval(ctx, renewLeaseScript, []string{leaseKey}, holderID, duration.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}

	return result == 1, nil
}

// Release 主动释放租约，仅持有者可释放
func (r *LeaseRepository) Release(ctx context.Context, group, holderID string) error {
	leaseKey := r.getLeaseKey(group)

	err := r.client.Eval(ctx, releaseLeaseScript, []string{leaseKey}, holderID).Err()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	return nil
}

// GetHolder 查询当前租约持有者
// 无持有者返回空字符串，不是错误
func (r *LeaseRepository) GetHolder(ctx context.Context, group string) (string, error) {
	leaseKey := r.getLeaseKey(group)

	holderID, err := r.client.Get(ctx, leaseKey).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("failed to get lease holder: %w", err)
	}

	return holderID, nil
}
