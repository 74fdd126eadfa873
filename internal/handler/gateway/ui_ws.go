/**
 * 网关处理器层:UI订阅WebSocket接入
 * @description: UI订阅长连接的升级与广播投递，租户上下文仅来自已验证的JWT
 * @func:
 * 	1.升级前JWT校验，org声明缺失直接拒绝
 * 	2.写循环:消费订阅端发送通道
 * 	3.读循环:仅用于感知连接关闭
 */
package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"helmsman/internal/config"
	"helmsman/internal/pkg/auth"
	"helmsman/internal/pkg/logger"
	gatewayService "helmsman/internal/service/gateway"
)

// UIWSHandler UI订阅WebSocket处理器
type UIWSHandler struct {
	cfg        *config.GatewayConfig
	hub        *gatewayService.SubscriberHub
	jwtManager *auth.JWTManager
	upgrader   websocket.Upgrader
}

// NewUIWSHandler 创建UI订阅WebSocket处理器
func NewUIWSHandler(cfg *config.GatewayConfig, hub *gatewayService.SubscriberHub, jwtManager *auth.JWTManager) *UIWSHandler {
	return &UIWSHandler{
		cfg:        cfg,
		hub:        hub,
		jwtManager: jwtManager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleUIWS 处理UI订阅接入 [GET /ws/ui]
// 浏览器WebSocket无法自定义请求头，token允许从query参数携带
func (h *UIWSHandler) HandleUIWS(c *gin.Context) {
	token := auth.ExtractTokenFromHeader(c.GetHeader("Authorization"))
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	claims, err := h.jwtManager.ValidateToken(token)
	if err != nil {
		logger.LogBusinessOperation("ui_ws_auth", "failed", "UI订阅JWT校验失败", map[string]interface{}{
			"client_ip": c.ClientIP(),
		})
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	// 无组织归属的token不允许订阅，租户过滤无从谈起
	if claims.OrgID == "" {
		logger.LogBusinessOperation("ui_ws_auth", "failed", "JWT缺少org声明，拒绝订阅", map[string]interface{}{
			"user_id":   claims.UserID,
			"client_ip": c.ClientIP(),
		})
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.LogError(err, "handler.gateway.HandleUIWS", map[string]interface{}{
			"operation": "upgrade_websocket",
			"client_ip": c.ClientIP(),
		})
		return
	}

	client := gatewayService.NewSubscriberClient(claims.UserID, claims.OrgID, h.cfg.SendBufferSize)
	h.hub.Register(client)

	go h.writePump(client, conn)
	h.readPump(client, conn)
}

// writePump 消费订阅端发送通道并写入连接
// 通道被hub关闭(注销或慢消费剔除)时发送Close帧并退出
func (h *UIWSHandler) writePump(client *gatewayService.SubscriberClient, conn *websocket.Conn) {
	pingInterval := h.cfg.ReadTimeout * 9 / 10
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.Send:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 订阅端是只读消费者，读循环仅用于感知连接关闭
func (h *UIWSHandler) readPump(client *gatewayService.SubscriberClient, conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		// 订阅端上行消息一律忽略
		conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	}
}
