/**
 * 网关处理器层:Agent WebSocket接入
 * @description: Agent长连接的升级、注册握手与消息读循环
 * @func:
 * 	1.升级前API密钥校验
 * 	2.注册握手(首条消息必须是register，带超时)
 * 	3.读循环:heartbeat/ack/result分发，未知类型丢弃
 */
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"helmsman/internal/config"
	agentModel "helmsman/internal/model/agent"
	"helmsman/internal/pkg/auth"
	"helmsman/internal/pkg/logger"
	dispatchService "helmsman/internal/service/dispatch"
	gatewayService "helmsman/internal/service/gateway"
)

// AgentWSHandler Agent WebSocket处理器
type AgentWSHandler struct {
	cfg            *config.GatewayConfig
	gateway        *gatewayService.GatewayService
	commandService *dispatchService.CommandService
	keyVerifier    *auth.AgentKeyVerifier
	keyHeader      string
	upgrader       websocket.Upgrader
}

// NewAgentWSHandler 创建Agent WebSocket处理器
func NewAgentWSHandler(cfg *config.GatewayConfig, gw *gatewayService.GatewayService, commandService *dispatchService.CommandService, keyVerifier *auth.AgentKeyVerifier, keyHeader string) *AgentWSHandler {
	return &AgentWSHandler{
		cfg:            cfg,
		gateway:        gw,
		commandService: commandService,
		keyVerifier:    keyVerifier,
		keyHeader:      keyHeader,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agent是程序化客户端，不做Origin校验
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleAgentWS 处理Agent WebSocket接入 [GET /ws/agent]
func (h *AgentWSHandler) HandleAgentWS(c *gin.Context) {
	// 升级前校验接入密钥，未通过直接拒绝HTTP请求
	if err := h.keyVerifier.Verify(c.GetHeader(h.keyHeader)); err != nil {
		logger.LogBusinessOperation("agent_ws_auth", "failed", "Agent接入密钥校验失败", map[string]interface{}{
			"client_ip": c.ClientIP(),
		})
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.LogError(err, "handler.gateway.HandleAgentWS", map[string]interface{}{
			"operation": "upgrade_websocket",
			"client_ip": c.ClientIP(),
		})
		return
	}

	h.serve(c.Request.Context(), conn)
}

// serve 注册握手 + 读循环，连接的完整生命周期
func (h *AgentWSHandler) serve(ctx context.Context, wsConn *websocket.Conn) {
	registerMsg, err := h.awaitRegister(wsConn)
	if err != nil {
		logger.LogError(err, "handler.gateway.serve", map[string]interface{}{
			"operation": "await_register",
		})
		h.closeWithPolicyViolation(wsConn, "registration failed: "+err.Error())
		return
	}

	// 租户归属是硬性要求，缺失视为协议违例
	if registerMsg.AgentID == "" || registerMsg.OrgID == "" {
		h.closeWithPolicyViolation(wsConn, "agent_id and org_id are required")
		return
	}

	pingInterval := h.cfg.ReadTimeout * 9 / 10
	agentConn := gatewayService.NewAgentConn(registerMsg.AgentID, registerMsg.OrgID, wsConn, h.cfg.SendBufferSize, h.cfg.WriteTimeout, pingInterval)

	registered, err := h.gateway.RegisterAgent(ctx, agentConn, registerMsg)
	if err != nil {
		h.closeWithPolicyViolation(wsConn, "registration rejected")
		return
	}

	go agentConn.WritePump()

	envelope, err := agentModel.NewEnvelope(agentModel.MessageTypeRegistered, registered)
	if err == nil {
		if serr := agentConn.Send(envelope); serr != nil {
			logger.LogError(serr, "handler.gateway.serve", map[string]interface{}{
				"operation": "send_registered",
				"agent_id":  agentConn.AgentID,
			})
		}
	}

	h.readPump(ctx, agentConn)
}

// awaitRegister 等待首条register消息
func (h *AgentWSHandler) awaitRegister(wsConn *websocket.Conn) (*agentModel.RegisterMessage, error) {
	wsConn.SetReadDeadline(time.Now().Add(h.cfg.RegisterTimeout))

	_, data, err := wsConn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var envelope agentModel.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	if envelope.Type != agentModel.MessageTypeRegister {
		return nil, &protocolError{message: "first message must be register, got " + envelope.Type}
	}

	var registerMsg agentModel.RegisterMessage
	if err := json.Unmarshal(envelope.Data, &registerMsg); err != nil {
		return nil, err
	}

	return &registerMsg, nil
}

// readPump 连接读循环，心跳刷新读超时，ack/result交给命令服务
func (h *AgentWSHandler) readPump(ctx context.Context, conn *gatewayService.AgentConn) {
	defer func() {
		h.gateway.Disconnect(ctx, conn)
		conn.Close()
	}()

	conn.Conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.LogError(err, "handler.gateway.readPump", map[string]interface{}{
					"operation": "read_message",
					"agent_id":  conn.AgentID,
				})
			}
			return
		}

		var envelope agentModel.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			logger.LogError(err, "handler.gateway.readPump", map[string]interface{}{
				"operation": "unmarshal_envelope",
				"agent_id":  conn.AgentID,
			})
			continue
		}

		switch envelope.Type {
		case agentModel.MessageTypeHeartbeat:
			conn.Conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
			var hbMsg agentModel.HeartbeatMessage
			if err := json.Unmarshal(envelope.Data, &hbMsg); err != nil {
				logger.LogError(err, "handler.gateway.readPump", map[string]interface{}{
					"operation": "unmarshal_heartbeat",
					"agent_id":  conn.AgentID,
				})
				continue
			}
			if err := h.gateway.Heartbeat(ctx, conn.AgentID, hbMsg.ActiveUnits); err != nil {
				logger.LogError(err, "handler.gateway.readPump", map[string]interface{}{
					"operation": "handle_heartbeat",
					"agent_id":  conn.AgentID,
				})
				// 路由已归属他进程:本连接是被顶替的旧连接，直接断开
				if errors.Is(err, gatewayService.ErrRouteConflict) {
					return
				}
			}

		case agentModel.MessageTypeAck:
			var ackMsg agentModel.AckMessage
			if err := json.Unmarshal(envelope.Data, &ackMsg); err != nil {
				logger.LogError(err, "handler.gateway.readPump", map[string]interface{}{
					"operation": "unmarshal_ack",
					"agent_id":  conn.AgentID,
				})
				continue
			}
			h.commandService.HandleAck(conn.AgentID, &ackMsg)

		case agentModel.MessageTypeResult:
			var resultMsg agentModel.ResultMessage
			if err := json.Unmarshal(envelope.Data, &resultMsg); err != nil {
				logger.LogError(err, "handler.gateway.readPump", map[string]interface{}{
					"operation": "unmarshal_result",
					"agent_id":  conn.AgentID,
				})
				continue
			}
			h.commandService.HandleResult(conn.AgentID, &resultMsg)

		default:
			// 未知消息类型记录后丢弃，不断开连接
			logger.LogBusinessOperation("agent_message", "ignored", "未知消息类型", map[string]interface{}{
				"agent_id": conn.AgentID,
				"type":     envelope.Type,
			})
		}
	}
}

// closeWithPolicyViolation 发送错误消息并以策略违例关闭连接
func (h *AgentWSHandler) closeWithPolicyViolation(wsConn *websocket.Conn, reason string) {
	errMsg := &agentModel.ErrorMessage{Code: "policy_violation", Message: reason}
	if envelope, err := agentModel.NewEnvelope(agentModel.MessageTypeError, errMsg); err == nil {
		if data, merr := json.Marshal(envelope); merr == nil {
			wsConn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			wsConn.WriteMessage(websocket.TextMessage, data)
		}
	}

	wsConn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	wsConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	wsConn.Close()
}

// protocolError 协议层错误
type protocolError struct {
	message string
}

func (e *protocolError) Error() string {
	return e.message
}
