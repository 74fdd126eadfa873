/**
 * 命令处理器层:命令HTTP请求处理
 * @description: 命令下发与查询的RESTful接口，租户上下文来自认证中间件注入的org_id
 * @func: HTTP请求处理，统一的错误处理和响应格式
 */
package command

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"helmsman/internal/model"
	agentModel "helmsman/internal/model/agent"
	"helmsman/internal/pkg/logger"
	dispatchService "helmsman/internal/service/dispatch"
)

// CommandHandler 命令处理器
type CommandHandler struct {
	commandService *dispatchService.CommandService
}

// NewCommandHandler 创建命令处理器实例
func NewCommandHandler(commandService *dispatchService.CommandService) *CommandHandler {
	return &CommandHandler{
		commandService: commandService,
	}
}

// orgFromContext 从认证中间件注入的上下文中取租户归属
func orgFromContext(c *gin.Context) string {
	return c.GetString("org_id")
}

// CreateCommand 命令创建接口 [POST /api/v1/commands]
func (h *CommandHandler) CreateCommand(c *gin.Context) {
	var req agentModel.CreateCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse(http.StatusBadRequest, "Invalid request format", err.Error()))
		return
	}

	orgID := orgFromContext(c)
	if orgID == "" {
		c.JSON(http.StatusForbidden, model.NewErrorResponse(http.StatusForbidden, "Organization context is required", "missing org claim"))
		return
	}

	cmd, err := h.commandService.CreateCommand(&req, orgID)
	if err != nil {
		logger.LogError(err, "handler.command.CreateCommand", map[string]interface{}{
			"operation": "create_command",
			"agent_id":  req.AgentID,
			"org_id":    orgID,
		})
		c.JSON(http.StatusInternalServerError, model.NewErrorResponse(http.StatusInternalServerError, "Command creation failed", err.Error()))
		return
	}

	// 命令创建即受理，分发异步完成，状态通过查询接口跟踪
	c.JSON(http.StatusAccepted, model.NewSuccessResponse("Command accepted", cmd))
}

// GetCommand 命令查询接口 [GET /api/v1/commands/:command_id]
func (h *CommandHandler) GetCommand(c *gin.Context) {
	commandID := c.Param("command_id")
	orgID := orgFromContext(c)

	cmd, err := h.commandService.GetCommand(commandID, orgID)
	if err != nil {
		if err == dispatchService.ErrCommandNotFound {
			c.JSON(http.StatusNotFound, model.NewErrorResponse(http.StatusNotFound, "Command not found", err.Error()))
			return
		}
		logger.LogError(err, "handler.command.GetCommand", map[string]interface{}{
			"operation":  "get_command",
			"command_id": commandID,
		})
		c.JSON(http.StatusInternalServerError, model.NewErrorResponse(http.StatusInternalServerError, "Command query failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, model.NewSuccessResponse("OK", cmd))
}

// ListCommands 命令列表接口 [GET /api/v1/commands]
func (h *CommandHandler) ListCommands(c *gin.Context) {
	var req agentModel.ListCommandsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse(http.StatusBadRequest, "Invalid query parameters", err.Error()))
		return
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = 20
	}

	commands, total, err := h.commandService.ListCommands(&req, orgFromContext(c))
	if err != nil {
		logger.LogError(err, "handler.command.ListCommands", map[string]interface{}{
			"operation": "list_commands",
		})
		c.JSON(http.StatusInternalServerError, model.NewErrorResponse(http.StatusInternalServerError, "Command query failed", err.Error()))
		return
	}

	totalPages := int((total + int64(req.PageSize) - 1) / int64(req.PageSize))
	c.JSON(http.StatusOK, model.NewSuccessResponse("OK", &model.PaginationResponse{
		Total:       total,
		Page:        req.Page,
		PageSize:    req.PageSize,
		TotalPages:  totalPages,
		HasNext:     req.Page < totalPages,
		HasPrevious: req.Page > 1,
		Data:        commands,
	}))
}
