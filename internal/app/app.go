package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"saxo-trader/internal/config"
	"saxo-trader/internal/server"
	"saxo-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装组件并启动 webhook 服务，直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	orch, err := newOrchestrator(ctx, a.cfg, a.store, a.logger)
	if err != nil {
		return err
	}

	snapshot := orch.session.Snapshot()
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("saxo_base_url", snapshot.BaseURL),
		zap.Bool("has_refresh_token", snapshot.HasRefreshToken),
		zap.Bool("webhook_secret", a.cfg.Security.WebhookSecret != ""),
	)
	if a.cfg.Security.WebhookSecret == "" {
		a.logger.Warn("未配置 webhook 密钥，信号入口对外开放")
	}

	srv := server.New(a.cfg.Server, a.cfg.Security, server.Deps{
		Pipeline:  orch.pipeline,
		Inspector: orch.resolver,
		Events:    orch.monitor,
		Metrics:   orch.metrics.Handler(),
	}, a.logger)

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("HTTP 服务异常退出: %w", err)
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}
