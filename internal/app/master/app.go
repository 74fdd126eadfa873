/**
 * 应用层:主应用
 * @description: 进程生命周期管理，依赖初始化、后台服务编排与优雅停机
 * @func:
 * 	1.配置/日志/数据库/Redis初始化
 * 	2.后台服务启动:分发器、恢复扫描、命令频道订阅、选举、快照广播
 * 	3.优雅停机:按依赖反序关停
 */
package master

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"helmsman/internal/app/master/router"
	"helmsman/internal/config"
	"helmsman/internal/pkg/database"
	"helmsman/internal/pkg/logger"
	"helmsman/internal/pkg/utils"
)

// App 应用程序结构体
type App struct {
	cfg         *config.Config
	processID   string
	db          *gorm.DB
	redisClient *redis.Client
	router      *router.Router
	httpServer  *http.Server

	configWatcher *config.ConfigWatcher
	bgCancel      context.CancelFunc
}

// NewApp 创建应用程序实例并完成全部依赖初始化
func NewApp(configPath, env string) (*App, error) {
	cfg, err := config.LoadConfig(configPath, env)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if _, err := logger.InitLogger(&cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	// 进程实例标识:配置优先，缺省为主机名+随机后缀
	processID := cfg.Gateway.ProcessID
	if processID == "" {
		processID = utils.GenerateProcessID()
	}

	db, err := database.NewMySQLConnection(&cfg.Database.MySQL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	redisClient, err := database.NewRedisConnection(&cfg.Database.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r := router.NewRouter(db, redisClient, cfg, processID)
	r.SetupRoutes()

	// 配置热重载:日志配置变更无需重启生效
	watcher, err := config.NewConfigWatcher(configPath, env)
	if err != nil {
		logger.LogError(err, "app.NewApp", map[string]interface{}{
			"operation": "create_config_watcher",
		})
	} else {
		watcher.AddCallback(func(oldCfg, newCfg *config.Config) error {
			if err := logger.LoggerInstance.UpdateConfig(&newCfg.Log); err != nil {
				logger.LogError(err, "app.configReload", map[string]interface{}{
					"operation": "update_log_config",
				})
				return err
			}
			return nil
		})
	}

	return &App{
		cfg:           cfg,
		processID:     processID,
		db:            db,
		redisClient:   redisClient,
		router:        r,
		configWatcher: watcher,
	}, nil
}

// Run 启动应用并阻塞运行，直到ctx取消后完成优雅停机
func (a *App) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel

	// 命令分发工作池
	a.router.Dispatcher().Start(bgCtx)

	// 启动恢复扫描:重新入队崩溃前遗留的pending命令
	if err := a.router.Dispatcher().RecoverPending(bgCtx); err != nil {
		logger.LogError(err, "app.Run", map[string]interface{}{
			"operation": "recover_pending_commands",
		})
		// 恢复失败不阻断启动，命令保持pending可人工或下轮重启恢复
	}

	// 本进程命令频道订阅(跨进程转发的接收端)
	go a.router.GatewayService().RunSubscriber(bgCtx)

	// UI状态快照广播
	go a.router.Broadcaster().Run(bgCtx)

	// 领导者选举
	if elector := a.router.Elector(); elector != nil {
		go elector.Run(bgCtx)
	}

	if a.configWatcher != nil {
		if err := a.configWatcher.Start(); err != nil {
			logger.LogError(err, "app.Run", map[string]interface{}{
				"operation": "start_config_watcher",
			})
		}
	}

	a.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:        a.router.Engine(),
		ReadTimeout:    a.cfg.Server.ReadTimeout,
		WriteTimeout:   a.cfg.Server.WriteTimeout,
		IdleTimeout:    a.cfg.Server.IdleTimeout,
		MaxHeaderBytes: a.cfg.Server.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.LogSystemEvent("app", "started", "服务已启动", logrus.InfoLevel, map[string]interface{}{
			"addr":       a.httpServer.Addr,
			"process_id": a.processID,
		})
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.shutdown()
		return err
	case <-ctx.Done():
		a.shutdown()
		return nil
	}
}

// shutdown 优雅停机，按依赖反序关停
func (a *App) shutdown() {
	logger.LogSystemEvent("app", "stopping", "开始优雅停机", logrus.InfoLevel, map[string]interface{}{
		"process_id": a.processID,
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// 先停HTTP入口，不再接受新连接和新命令
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			logger.LogError(err, "app.shutdown", map[string]interface{}{
				"operation": "http_shutdown",
			})
		}
	}

	// 停分发器:排空在途命令
	a.router.Dispatcher().Stop()

	// 停后台协程:订阅、广播、选举(选举退出时主动释放租约)
	if a.bgCancel != nil {
		a.bgCancel()
	}

	// 清理本进程的路由与连接状态
	a.router.GatewayService().Shutdown(shutdownCtx)
	a.router.SubscriberHub().CloseAll()

	if a.configWatcher != nil {
		a.configWatcher.Stop()
	}

	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
	a.redisClient.Close()

	logger.LogSystemEvent("app", "stopped", "停机完成", logrus.InfoLevel, map[string]interface{}{
		"process_id": a.processID,
	})
}
