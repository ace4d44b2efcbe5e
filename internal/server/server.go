package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"saxo-trader/internal/config"
	"saxo-trader/internal/instrument"
	"saxo-trader/internal/monitor"
	"saxo-trader/internal/pipeline"
	"saxo-trader/internal/strategy"
)

const requestIDHeader = "X-Request-ID"

// Processor 处理单个信号。
type Processor interface {
	Process(ctx context.Context, sig strategy.Signal) pipeline.Result
	Plans() []strategy.OptionPlan
}

// Inspector 提供调试用的合约检索。
type Inspector interface {
	Inspect(ctx context.Context, symbol string) ([]instrument.RootReport, error)
	OptionSpace(ctx context.Context, symbol, expiry string) (instrument.SpaceReport, error)
	BulkRoots(ctx context.Context, symbols []string) []instrument.BulkReport
}

// EventLister 查询监控事件。
type EventLister interface {
	ListEvents(ctx context.Context, eventType monitor.EventType, limit int) ([]monitor.Event, error)
}

// Deps 描述 HTTP 服务依赖，除 Pipeline 外均可为空。
type Deps struct {
	Pipeline  Processor
	Inspector Inspector
	Events    EventLister
	Metrics   http.Handler
}

// Server 为 webhook 入口及运维接口。
type Server struct {
	cfg    config.ServerConfig
	secret string
	deps   Deps
	logger *zap.Logger
	router *gin.Engine
}

// New 构建 HTTP 服务并注册路由。
func New(cfg config.ServerConfig, security config.SecurityConfig, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg,
		secret: security.WebhookSecret,
		deps:   deps,
		logger: logger.Named("server"),
		router: gin.New(),
	}
	s.router.Use(gin.Recovery(), s.requestID(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/plans", s.handlePlans)
	s.router.POST("/signal", s.handleSignal)
	s.router.POST("/tv", s.handleTradingView)

	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if s.deps.Events != nil {
		s.router.GET("/events", s.requireSecret(), s.handleEvents)
	}
	if s.deps.Inspector != nil {
		debug := s.router.Group("/debug", s.requireSecret())
		debug.GET("/instrument", s.handleDebugInstrument)
		debug.GET("/option_space", s.handleDebugOptionSpace)
		debug.POST("/bulk_roots", s.handleDebugBulkRoots)
	}
}

// Handler 返回路由，供测试与自定义监听使用。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	return s.cfg.Addr
}

// Run 启动 HTTP 服务，直到 ctx 取消或监听失败。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动", zap.String("addr", s.cfg.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("关闭 HTTP 服务失败", zap.Error(err))
		}
		s.logger.Info("HTTP 服务已停止")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDHeader)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP 请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.String("request_id", requestIDFrom(c)),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
