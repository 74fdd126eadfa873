/**
 * 入口:master主程序
 * @description: 解析启动参数，创建应用实例，监听退出信号后优雅停机
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"helmsman/internal/app/master"
)

func main() {
	var (
		configPath = flag.String("config", "configs", "配置文件目录")
		env        = flag.String("env", "", "运行环境: development, test, production")
	)
	flag.Parse()

	app, err := master.NewApp(*configPath, *env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	// SIGINT/SIGTERM触发优雅停机
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "application exited with error: %v\n", err)
		os.Exit(1)
	}
}
