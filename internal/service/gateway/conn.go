/**
 * 网关服务层:Agent连接封装
 * @description: 单条Agent WebSocket连接的发送端封装
 * @note: 所有写操作串行化到writePump协程，出站缓冲满即判定慢消费者
 */
package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	agentModel "helmsman/internal/model/agent"
	"helmsman/internal/pkg/logger"
)

// AgentConn 一条已注册的Agent连接
type AgentConn struct {
	AgentID   string
	OrgID     string
	Conn      *websocket.Conn
	send      chan []byte // 出站缓冲区
	closeOnce sync.Once
	done      chan struct{}

	writeTimeout time.Duration
	pingInterval time.Duration
}

// NewAgentConn 创建Agent连接封装
func NewAgentConn(agentID, orgID string, conn *websocket.Conn, bufferSize int, writeTimeout, pingInterval time.Duration) *AgentConn {
	return &AgentConn{
		AgentID:      agentID,
		OrgID:        orgID,
		Conn:         conn,
		send:         make(chan []byte, bufferSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
}

// Send 非阻塞投递消息到出站缓冲区
// 缓冲区已满说明消费过慢或连接已死，返回错误由调用方决定断开
func (c *AgentConn) Send(envelope *agentModel.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	select {
	case <-c.done:
		return fmt.Errorf("connection closed: agent %s", c.AgentID)
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full: agent %s", c.AgentID)
	}
}

// WritePump 连接写协程，串行消费出站缓冲区并维持ping
// 每条连接恰好一个WritePump，在独立goroutine中运行直到连接关闭
func (c *AgentConn) WritePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.LogError(err, "gateway.conn.WritePump", map[string]interface{}{
					"operation": "write_message",
					"agent_id":  c.AgentID,
				})
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close 关闭连接，幂等
func (c *AgentConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.Conn != nil {
			c.Conn.Close()
		}
	})
}

// Done 连接关闭信号
func (c *AgentConn) Done() <-chan struct{} {
	return c.done
}
