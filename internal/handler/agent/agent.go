/**
 * Agent处理器层:Agent HTTP请求处理
 * @description: Agent查询接口，租户上下文来自认证中间件
 * @func: HTTP请求处理
 */
package agent

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"helmsman/internal/model"
	agentModel "helmsman/internal/model/agent"
	"helmsman/internal/pkg/logger"
	mysqlAgent "helmsman/internal/repo/mysql/agent"
)

// AgentHandler Agent处理器
type AgentHandler struct {
	agentRepo mysqlAgent.AgentRepository
}

// NewAgentHandler 创建Agent处理器实例
func NewAgentHandler(agentRepo mysqlAgent.AgentRepository) *AgentHandler {
	return &AgentHandler{
		agentRepo: agentRepo,
	}
}

// ListAgents Agent列表接口 [GET /api/v1/agents]
func (h *AgentHandler) ListAgents(c *gin.Context) {
	page := 1
	pageSize := 20
	if v, err := strconv.Atoi(c.Query("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(c.Query("page_size")); err == nil && v > 0 && v <= 200 {
		pageSize = v
	}

	var status *agentModel.AgentStatus
	if s := c.Query("status"); s != "" {
		st := agentModel.AgentStatus(s)
		status = &st
	}

	agents, total, err := h.agentRepo.GetList(page, pageSize, status, c.GetString("org_id"))
	if err != nil {
		logger.LogError(err, "handler.agent.ListAgents", map[string]interface{}{
			"operation": "list_agents",
		})
		c.JSON(http.StatusInternalServerError, model.NewErrorResponse(http.StatusInternalServerError, "Agent query failed", err.Error()))
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	c.JSON(http.StatusOK, model.NewSuccessResponse("OK", &model.PaginationResponse{
		Total:       total,
		Page:        page,
		PageSize:    pageSize,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrevious: page > 1,
		Data:        agents,
	}))
}

// GetAgent Agent详情接口 [GET /api/v1/agents/:agent_id]
func (h *AgentHandler) GetAgent(c *gin.Context) {
	agentID := c.Param("agent_id")

	ag, err := h.agentRepo.GetByAgentID(agentID)
	if err != nil {
		logger.LogError(err, "handler.agent.GetAgent", map[string]interface{}{
			"operation": "get_agent",
			"agent_id":  agentID,
		})
		c.JSON(http.StatusInternalServerError, model.NewErrorResponse(http.StatusInternalServerError, "Agent query failed", err.Error()))
		return
	}
	// 跨组织查询按不存在处理
	if ag == nil || (c.GetString("org_id") != "" && ag.OrgID != c.GetString("org_id")) {
		c.JSON(http.StatusNotFound, model.NewErrorResponse(http.StatusNotFound, "Agent not found", "agent not found"))
		return
	}

	c.JSON(http.StatusOK, model.NewSuccessResponse("OK", ag))
}
