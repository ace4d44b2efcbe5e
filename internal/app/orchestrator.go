package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"saxo-trader/internal/broker"
	"saxo-trader/internal/config"
	"saxo-trader/internal/execution"
	"saxo-trader/internal/instrument"
	"saxo-trader/internal/metrics"
	"saxo-trader/internal/monitor"
	"saxo-trader/internal/pipeline"
	"saxo-trader/internal/strategy"
	"saxo-trader/internal/store"
)

// credentialBackend 既保存刷新后的凭证，也在启动时提供上次保存的凭证。
type credentialBackend interface {
	broker.CredentialStore
	Load(ctx context.Context) (broker.Credentials, bool, error)
}

// orchestrator 持有一次运行所需的全部组件。
type orchestrator struct {
	session  *broker.Session
	client   *broker.Client
	resolver *instrument.Resolver
	pipeline *pipeline.Pipeline
	monitor  *monitor.Service
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func newCredentialBackend(cfg config.TokenStoreConfig, st *store.Store) (credentialBackend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "file":
		return store.NewFileCredentialStore(cfg.Path), nil
	case "", "sqlite":
		repo, err := store.NewCredentialRepository(st)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("不支持的令牌存储 %q", cfg.Backend)
	}
}

// OpenSession 创建 Saxo 会话：上次持久化的凭证优先于配置，刷新后的凭证写回同一后端。
// 若配置中的令牌在保存之后被重新下发，则以配置为准并立即覆盖保存的凭证。
func OpenSession(ctx context.Context, cfg config.SaxoConfig, st *store.Store, logger *zap.Logger, opts ...broker.Option) (*broker.Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	backend, err := newCredentialBackend(cfg.TokenStore, st)
	if err != nil {
		return nil, fmt.Errorf("初始化令牌存储失败: %w", err)
	}

	creds, ok, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取已保存的令牌失败: %w", err)
	}
	reseed := ok && broker.ConfigSupersedes(cfg, creds)
	sessionOpts := []broker.Option{broker.WithCredentialStore(backend)}
	switch {
	case reseed:
		logger.Info("配置中的 Saxo 令牌已重新下发，覆盖已保存的凭证", zap.Time("stored_updated_at", creds.UpdatedAt))
		if cfg.AccountKey == "" {
			sessionOpts = append(sessionOpts, broker.WithCredentials(broker.Credentials{AccountKey: creds.AccountKey}))
		}
	case ok:
		logger.Info("使用已保存的 Saxo 凭证", zap.Time("updated_at", creds.UpdatedAt))
		sessionOpts = append(sessionOpts, broker.WithCredentials(creds))
	}
	sessionOpts = append(sessionOpts, opts...)

	session := broker.NewSession(cfg, logger, sessionOpts...)
	if reseed {
		if err := backend.Save(ctx, session.Credentials()); err != nil {
			return nil, fmt.Errorf("保存重新下发的令牌失败: %w", err)
		}
	}
	return session, nil
}

// BuildPlans 解析计划配置，无法识别的入场条件只告警，这些计划永远不会触发。
func BuildPlans(cfgs []config.PlanConfig, logger *zap.Logger) ([]strategy.OptionPlan, error) {
	plans, unknown, err := strategy.BuildPlans(cfgs)
	if err != nil {
		return nil, err
	}
	for _, cond := range unknown {
		logger.Warn("未知入场条件，对应计划不会触发", zap.String("entry_condition", cond))
	}
	return plans, nil
}

func newOrchestrator(ctx context.Context, cfg *config.Config, st *store.Store, logger *zap.Logger) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}
	m := metrics.New()

	session, err := OpenSession(ctx, cfg.Saxo, st, logger, broker.WithRefreshHook(func(refreshErr error) {
		m.ObserveTokenRefresh(refreshErr)
		monitorSvc.RecordTokenRefresh(context.Background(), refreshErr)
	}))
	if err != nil {
		return nil, err
	}

	client := broker.NewClient(session)
	resolver := instrument.NewResolver(client, cfg.Instrument, logger)
	executor := execution.NewExecutor(resolver, client, execution.OptionsFromConfig(cfg.Risk, cfg.Execution), logger)

	plans, err := BuildPlans(cfg.Plans, logger)
	if err != nil {
		return nil, fmt.Errorf("解析交易计划失败: %w", err)
	}
	logger.Info("交易计划已加载", zap.Int("plans", len(plans)))

	p := pipeline.New(strategy.NewMatcher(plans), session, executor, cfg.Pipeline, logger,
		pipeline.WithJournal(monitorSvc),
		pipeline.WithRecorder(m),
	)

	return &orchestrator{
		session:  session,
		client:   client,
		resolver: resolver,
		pipeline: p,
		monitor:  monitorSvc,
		metrics:  m,
		logger:   logger,
	}, nil
}
