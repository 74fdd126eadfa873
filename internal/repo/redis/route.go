/**
 * 路由仓库层:Agent连接路由数据访问
 * @description: 分布式路由层(Redis存储,适合多实例部署)
 * @func: 路由登记/查询/清理 + 跨进程命令转发的发布订阅
 * @note: 路由键带TTL，进程崩溃后路由随TTL自动消失，心跳负责续期
 */
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	agentModel "helmsman/internal/model/agent"
)

// removeRouteScript 仅当路由仍指向本进程时才删除
// 避免误删其他进程接管后写入的新路由
const removeRouteScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// refreshRouteScript 仅当路由空缺或仍指向本进程时才续期
// Agent已被他进程接管时，旧进程的心跳续期不得抢回路由
const refreshRouteScript = `
local current = redis.call("GET", KEYS[1])
if current == false or current == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`

// RouteRepository Redis路由存储库
type RouteRepository struct {
	client *redis.Client
}

// NewRouteRepository 创建路由存储库实例
func NewRouteRepository(client *redis.Client) *RouteRepository {
	return &RouteRepository{
		client: client,
	}
}

// getRouteKey 生成路由键[KEY:agent:{agentID}:process]
func (r *RouteRepository) getRouteKey(agentID string) string {
	return fmt.Sprintf("agent:%s:process", agentID)
}

// getCommandChannel 生成进程命令频道[CHANNEL:process:{processID}:commands]
func (r *RouteRepository) getCommandChannel(processID string) string {
	return fmt.Sprintf("process:%s:commands", processID)
}

// RegisterRoute 登记Agent到进程的路由映射
func (r *RouteRepository) RegisterRoute(ctx context.Context, agentID, processID string, ttl time.Duration) error {
	routeKey := r.getRouteKey(agentID)

	err := r.client.Set(ctx, routeKey, processID, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to register route: %w", err)
	}

	return nil
}

// RefreshRoute 续期路由，心跳驱动
// 路由已消失时重写完整映射，保证心跳存活的Agent始终可路由;
// 路由归属他进程时不续期，返回false
func (r *RouteRepository) RefreshRoute(ctx context.Context, agentID, processID string, ttl time.Duration) (bool, error) {
	routeKey := r.getRouteKey(agentID)

	result, err := r.client.Eval(ctx, refreshRouteScript, []string{routeKey}, processID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to refresh route: %w", err)
	}

	return result == 1, nil
}

// RemoveRoute 清理路由，仅当路由仍指向本进程时生效
func (r *RouteRepository) RemoveRoute(ctx context.Context, agentID, processID string) error {
	routeKey := r.getRouteKey(agentID)

	err := r.client.Eval(ctx, removeRouteScript, []string{routeKey}, processID).Err()
	if err != nil {
		return fmt.Errorf("failed to remove route: %w", err)
	}

	return nil
}

// LookupRoute 查询Agent当前归属的进程ID
// 路由不存在返回空字符串，不是错误
func (r *RouteRepository) LookupRoute(ctx context.Context, agentID string) (string, error) {
	routeKey := r.getRouteKey(agentID)

	processID, err := r.client.Get(ctx, routeKey).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("failed to lookup route: %w", err)
	}

	return processID, nil
}

// PublishCommand 向目标进程的命令频道发布命令
func (r *RouteRepository) PublishCommand(ctx context.Context, processID string, cmd *agentModel.CommandMessage) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command message: %w", err)
	}

	channel := r.getCommandChannel(processID)
	err = r.client.Publish(ctx, channel, data).Err()
	if err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}

	return nil
}

// SubscribeCommands 订阅本进程的命令频道
// 调用方负责消费返回的PubSub并在退出时Close
func (r *RouteRepository) SubscribeCommands(ctx context.Context, processID string) *redis.PubSub {
	channel := r.getCommandChannel(processID)
	return r.client.Subscribe(ctx, channel)
}
