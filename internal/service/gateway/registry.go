/**
 * 网关服务层:连接注册表
 * @description: 进程内Agent连接注册表，agentID -> 连接的权威映射(仅限本进程)
 * @note: 同一agentID重复注册时后写者胜出，旧连接被强制断开
 */
package gateway

import (
	"sync"

	"helmsman/internal/pkg/logger"
)

// ConnectionRegistry 进程内连接注册表
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*AgentConn // agentID -> 连接
}

// NewConnectionRegistry 创建连接注册表
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[string]*AgentConn),
	}
}

// Register 登记连接，返回被顶替的旧连接(无则为nil)
// 后写者胜出:同一Agent重连(如网络闪断后)时新连接立即生效
func (r *ConnectionRegistry) Register(conn *AgentConn) *AgentConn {
	r.mu.Lock()
	old := r.conns[conn.AgentID]
	r.conns[conn.AgentID] = conn
	r.mu.Unlock()

	if old != nil {
		logger.LogBusinessOperation("agent_takeover", "success", "同AgentID新连接顶替旧连接", map[string]interface{}{
			"agent_id": conn.AgentID,
		})
	}

	return old
}

// Unregister 注销连接，仅当注册表中仍是该连接时生效
// 旧连接延迟关闭时的注销不能误删新连接的登记
func (r *ConnectionRegistry) Unregister(conn *AgentConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[conn.AgentID]
	if !ok || current != conn {
		return false
	}
	delete(r.conns, conn.AgentID)
	return true
}

// Get 查询Agent的本地连接
func (r *ConnectionRegistry) Get(agentID string) (*AgentConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[agentID]
	return conn, ok
}

// Count 当前本地连接数
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// List 返回当前全部本地连接的快照
func (r *ConnectionRegistry) List() []*AgentConn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*AgentConn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// CloseAll 关闭全部本地连接，优雅停机用
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	conns := make([]*AgentConn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]*AgentConn)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
