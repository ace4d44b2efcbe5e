package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Saxo       SaxoConfig       `mapstructure:"saxo"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Security   SecurityConfig   `mapstructure:"security"`
	Plans      []PlanConfig     `mapstructure:"plans"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ServerConfig 描述 webhook HTTP 服务。
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SaxoConfig 描述 Saxo OpenAPI 连接与凭证。
type SaxoConfig struct {
	BaseURL         string           `mapstructure:"base_url"`
	TokenURL        string           `mapstructure:"token_url"`
	ClientID        string           `mapstructure:"client_id"`
	ClientSecret    string           `mapstructure:"client_secret"`
	RedirectURI     string           `mapstructure:"redirect_uri"`
	AccessToken     string           `mapstructure:"access_token"`
	RefreshToken    string           `mapstructure:"refresh_token"`
	AccountKey      string           `mapstructure:"account_key"`
	Timeout         time.Duration    `mapstructure:"timeout"`
	RateLimitPerSec float64          `mapstructure:"rate_limit_per_second"`
	RateLimitBurst  int              `mapstructure:"rate_limit_burst"`
	Retry           RetryConfig      `mapstructure:"retry"`
	TokenStore      TokenStoreConfig `mapstructure:"token_store"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TokenStoreConfig 决定刷新后的令牌落盘位置。
type TokenStoreConfig struct {
	Backend string `mapstructure:"backend"` // sqlite | file
	Path    string `mapstructure:"path"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	MaxSpreadPct float64 `mapstructure:"max_spread_pct"` // 百分比，0.5 表示 0.5%
	DefaultQty   int     `mapstructure:"default_qty"`
}

// ExecutionConfig 控制下单行为。
type ExecutionConfig struct {
	ReferencePrice string `mapstructure:"reference_price"` // ask | mid
	PriceDecimals  int32  `mapstructure:"price_decimals"`
	EntryDuration  string `mapstructure:"entry_duration"`
	ExitDuration   string `mapstructure:"exit_duration"`
}

// InstrumentConfig 控制期权合约检索。
type InstrumentConfig struct {
	AssetTypes            string        `mapstructure:"asset_types"`
	CacheTTL              time.Duration `mapstructure:"cache_ttl"`
	MaxStrikeDeviationPct float64       `mapstructure:"max_strike_deviation_pct"`
	MaxExpiryDistanceDays int           `mapstructure:"max_expiry_distance_days"`
}

// PipelineConfig 控制单个信号的处理边界。
type PipelineConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxParallel int           `mapstructure:"max_parallel"`
}

// SecurityConfig 管理 webhook 共享密钥。
type SecurityConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// PlanConfig 描述单个期权交易计划。
type PlanConfig struct {
	Underlying     string  `mapstructure:"underlying"`
	Expiry         string  `mapstructure:"expiry"`
	PutCall        string  `mapstructure:"put_call"`
	Strike         float64 `mapstructure:"strike"`
	EntryCondition string  `mapstructure:"entry_condition"`
	TPPct          float64 `mapstructure:"tp_pct"`
	SLPct          float64 `mapstructure:"sl_pct"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("server.addr 不能为空"))
	}
	if c.Saxo.BaseURL == "" {
		err = multierr.Append(err, errors.New("saxo.base_url 不能为空"))
	}
	if c.Saxo.AccessToken == "" && c.Saxo.RefreshToken == "" {
		err = multierr.Append(err, errors.New("saxo.access_token 与 saxo.refresh_token 至少配置一个"))
	}
	if c.Saxo.RefreshToken != "" {
		if c.Saxo.TokenURL == "" {
			err = multierr.Append(err, errors.New("saxo.token_url 不能为空"))
		}
		if c.Saxo.ClientID == "" || c.Saxo.ClientSecret == "" {
			err = multierr.Append(err, errors.New("刷新令牌需要配置 saxo.client_id 与 saxo.client_secret"))
		}
	}
	if c.Saxo.Timeout <= 0 {
		err = multierr.Append(err, errors.New("saxo.timeout 必须大于0"))
	}
	if c.Saxo.RateLimitPerSec <= 0 {
		err = multierr.Append(err, errors.New("saxo.rate_limit_per_second 必须大于0"))
	}
	if c.Saxo.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("saxo.retry.max_attempts 必须大于0"))
	}
	if c.Saxo.Retry.MinDelay <= 0 || c.Saxo.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("saxo.retry.delay 必须为正"))
	}
	if c.Saxo.Retry.MinDelay > c.Saxo.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("saxo.retry.min_delay 不能大于 max_delay"))
	}
	switch strings.ToLower(c.Saxo.TokenStore.Backend) {
	case "sqlite":
	case "file":
		if c.Saxo.TokenStore.Path == "" {
			err = multierr.Append(err, errors.New("saxo.token_store.path 不能为空"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("saxo.token_store.backend 不支持 %q", c.Saxo.TokenStore.Backend))
	}
	if c.Risk.MaxSpreadPct <= 0 {
		err = multierr.Append(err, errors.New("risk.max_spread_pct 必须大于0"))
	}
	if c.Risk.DefaultQty <= 0 {
		err = multierr.Append(err, errors.New("risk.default_qty 必须大于0"))
	}
	switch strings.ToLower(c.Execution.ReferencePrice) {
	case "ask", "mid":
	default:
		err = multierr.Append(err, fmt.Errorf("execution.reference_price 不支持 %q", c.Execution.ReferencePrice))
	}
	if c.Execution.PriceDecimals < 0 || c.Execution.PriceDecimals > 6 {
		err = multierr.Append(err, errors.New("execution.price_decimals 应位于[0,6]"))
	}
	if c.Instrument.MaxStrikeDeviationPct <= 0 {
		err = multierr.Append(err, errors.New("instrument.max_strike_deviation_pct 必须大于0"))
	}
	if c.Instrument.MaxExpiryDistanceDays < 0 {
		err = multierr.Append(err, errors.New("instrument.max_expiry_distance_days 不能为负"))
	}
	if c.Instrument.CacheTTL < 0 {
		err = multierr.Append(err, errors.New("instrument.cache_ttl 不能为负"))
	}
	if c.Pipeline.Timeout <= 0 {
		err = multierr.Append(err, errors.New("pipeline.timeout 必须大于0"))
	}
	if c.Pipeline.MaxParallel <= 0 {
		err = multierr.Append(err, errors.New("pipeline.max_parallel 必须大于0"))
	}
	for i, plan := range c.Plans {
		err = multierr.Append(err, plan.validate(i))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func (p PlanConfig) validate(idx int) error {
	var err error
	prefix := fmt.Sprintf("plans[%d]", idx)

	if strings.TrimSpace(p.Underlying) == "" {
		err = multierr.Append(err, fmt.Errorf("%s.underlying 不能为空", prefix))
	}
	if _, parseErr := time.Parse(time.DateOnly, p.Expiry); parseErr != nil {
		err = multierr.Append(err, fmt.Errorf("%s.expiry 需为 YYYY-MM-DD: %q", prefix, p.Expiry))
	}
	switch strings.ToLower(p.PutCall) {
	case "call", "put":
	default:
		err = multierr.Append(err, fmt.Errorf("%s.put_call 只能为 Call 或 Put: %q", prefix, p.PutCall))
	}
	if p.Strike <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.strike 必须大于0", prefix))
	}
	if strings.TrimSpace(p.EntryCondition) == "" {
		err = multierr.Append(err, fmt.Errorf("%s.entry_condition 不能为空", prefix))
	}
	if p.TPPct <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.tp_pct 必须大于0", prefix))
	}
	if p.SLPct <= 0 || p.SLPct >= 1 {
		err = multierr.Append(err, fmt.Errorf("%s.sl_pct 必须位于(0,1)", prefix))
	}

	return err
}
