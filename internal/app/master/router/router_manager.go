/**
 * 路由:路由管理器
 * @description: 路由管理器，装配仓库/服务/处理器并注册全部路由
 * @func: Router结构体、NewRouter装配函数和SetupRoutes
 */
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"helmsman/internal/app/master/middleware"
	"helmsman/internal/config"
	agentHandler "helmsman/internal/handler/agent"
	commandHandler "helmsman/internal/handler/command"
	gatewayHandler "helmsman/internal/handler/gateway"
	systemHandler "helmsman/internal/handler/system"
	authPkg "helmsman/internal/pkg/auth"
	mysqlAgent "helmsman/internal/repo/mysql/agent"
	redisRepo "helmsman/internal/repo/redis"
	"helmsman/internal/service/dispatch"
	"helmsman/internal/service/election"
	"helmsman/internal/service/gateway"
)

// Router 路由管理器
type Router struct {
	config            *config.Config
	engine            *gin.Engine
	middlewareManager *middleware.MiddlewareManager

	healthHandler  *systemHandler.HealthHandler
	agentWSHandler *gatewayHandler.AgentWSHandler
	uiWSHandler    *gatewayHandler.UIWSHandler
	commandHandler *commandHandler.CommandHandler
	agentHandler   *agentHandler.AgentHandler

	// 后台服务，由App层启动和停止
	gatewayService *gateway.GatewayService
	subscriberHub  *gateway.SubscriberHub
	dispatcher     *dispatch.Dispatcher
	broadcaster    *gateway.SnapshotBroadcaster
	elector        *election.Elector
}

// NewRouter 创建路由管理器实例
// 装配顺序:仓库 -> 服务 -> 处理器，依赖只向下流动
func NewRouter(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, processID string) *Router {
	// 初始化工具包
	jwtManager := authPkg.NewJWTManager(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, cfg.Security.JWT.AccessTokenExpire)
	keyVerifier := authPkg.NewAgentKeyVerifier(cfg.Security.Agent.APIKeyHash)

	// 初始化仓库层（纯数据访问）
	agentRepo := mysqlAgent.NewAgentRepository(db)
	commandRepo := mysqlAgent.NewCommandRepository(db)
	routeRepo := redisRepo.NewRouteRepository(redisClient)
	leaseRepo := redisRepo.NewLeaseRepository(redisClient)

	// 初始化网关服务（连接注册表 + 跨进程路由）
	registry := gateway.NewConnectionRegistry()
	gatewayService := gateway.NewGatewayService(processID, &cfg.Gateway, registry, routeRepo, agentRepo, commandRepo)

	// 初始化命令分发（工作池 + 生命周期服务）
	dispatcher := dispatch.NewDispatcher(&cfg.Dispatcher, gatewayService, commandRepo)
	commandService := dispatch.NewCommandService(commandRepo, dispatcher)

	// 初始化UI订阅广播
	subscriberHub := gateway.NewSubscriberHub()
	broadcaster := gateway.NewSnapshotBroadcaster(subscriberHub, agentRepo, commandRepo, cfg.Broadcast.SnapshotInterval)

	// 初始化领导者选举，当选后承担失联Agent清理的单例职责
	var elector *election.Elector
	if cfg.Election.Enabled {
		sweeper := election.NewStaleSweeper(agentRepo, cfg.Gateway.HeartbeatInterval)
		elector = election.NewElector(&cfg.Election, processID, leaseRepo, election.Callbacks{
			OnStartedLeading: sweeper.Run,
		})
	}

	// 初始化中间件管理器
	middlewareManager := middleware.NewMiddlewareManager(jwtManager, &cfg.Security)

	// 初始化处理器(控制器是服务集合,先初始化服务,然后服务装填成控制器)
	healthHandler := systemHandler.NewHealthHandler(db, redisClient)
	agentWSHandler := gatewayHandler.NewAgentWSHandler(&cfg.Gateway, gatewayService, commandService, keyVerifier, cfg.Security.Agent.APIKeyHeader)
	uiWSHandler := gatewayHandler.NewUIWSHandler(&cfg.Gateway, subscriberHub, jwtManager)
	cmdHandler := commandHandler.NewCommandHandler(commandService)
	agHandler := agentHandler.NewAgentHandler(agentRepo)

	gin.SetMode(cfg.Server.Mode)
	engine := gin.New()

	return &Router{
		config:            cfg,
		engine:            engine,
		middlewareManager: middlewareManager,
		healthHandler:     healthHandler,
		agentWSHandler:    agentWSHandler,
		uiWSHandler:       uiWSHandler,
		commandHandler:    cmdHandler,
		agentHandler:      agHandler,
		gatewayService:    gatewayService,
		subscriberHub:     subscriberHub,
		dispatcher:        dispatcher,
		broadcaster:       broadcaster,
		elector:           elector,
	}
}

// SetupRoutes 注册全部路由
func (r *Router) SetupRoutes() {
	r.engine.Use(r.middlewareManager.RequestID())
	r.engine.Use(r.middlewareManager.AccessLog())
	r.engine.Use(r.middlewareManager.Recovery())

	// 健康检查(无需认证)
	r.engine.GET("/health", r.healthHandler.Health)
	r.engine.GET("/ready", r.healthHandler.Ready)

	// WebSocket接入(各自在处理器内完成认证)
	ws := r.engine.Group("/ws")
	{
		ws.GET("/agent", r.agentWSHandler.HandleAgentWS)
		ws.GET("/ui", r.uiWSHandler.HandleUIWS)
	}

	// REST API(JWT认证 + 租户上下文强制)
	api := r.engine.Group("/api/v1")
	api.Use(r.middlewareManager.JWTAuth())
	api.Use(r.middlewareManager.RequireOrg())
	{
		api.POST("/commands", r.commandHandler.CreateCommand)
		api.GET("/commands", r.commandHandler.ListCommands)
		api.GET("/commands/:command_id", r.commandHandler.GetCommand)

		api.GET("/agents", r.agentHandler.ListAgents)
		api.GET("/agents/:agent_id", r.agentHandler.GetAgent)
	}
}

// Engine 返回gin引擎实例
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// GatewayService 网关服务，供App层生命周期管理
func (r *Router) GatewayService() *gateway.GatewayService {
	return r.gatewayService
}

// SubscriberHub UI订阅集合
func (r *Router) SubscriberHub() *gateway.SubscriberHub {
	return r.subscriberHub
}

// Dispatcher 命令分发器
func (r *Router) Dispatcher() *dispatch.Dispatcher {
	return r.dispatcher
}

// Broadcaster 状态快照广播器
func (r *Router) Broadcaster() *gateway.SnapshotBroadcaster {
	return r.broadcaster
}

// Elector 领导者选举协调器，未启用选举时为nil
func (r *Router) Elector() *election.Elector {
	return r.elector
}
