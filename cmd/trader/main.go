package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"saxo-trader/internal/app"
	"saxo-trader/internal/config"
	"saxo-trader/internal/log"
	"saxo-trader/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认读取 CONFIG_PATH 或 configs/config.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("配置已加载", zap.String("path", config.Path(configPath)), zap.Int("plans", len(cfg.Plans)))

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	runErr := app.New(cfg, logger, sqliteStore).Run(ctx)
	stop()

	if closeErr := sqliteStore.Close(); closeErr != nil {
		logger.Warn("关闭数据库失败", zap.Error(closeErr))
	}
	if runErr != nil {
		logger.Error("系统运行异常", zap.Error(runErr))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("系统已安全退出")
}
