package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	configPathEnv     = "CONFIG_PATH"
)

// 兼容早期部署使用的环境变量名。
var envAliases = map[string][]string{
	"risk.max_spread_pct":     {"MAX_SPREAD_PCT"},
	"risk.default_qty":        {"DEFAULT_QTY"},
	"security.webhook_secret": {"TV_SHARED_SECRET"},
}

// Load 读取配置文件并结合环境变量返回 Config。
// 配置文件缺失时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	for key, aliases := range envAliases {
		input := append([]string{key, strings.ToUpper(replacer.Replace(key))}, aliases...)
		if err := v.BindEnv(input...); err != nil {
			return nil, fmt.Errorf("绑定环境变量失败: %w", err)
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Path 返回 Load 实际使用的配置文件路径。
func Path(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv(configPathEnv); env != "" {
		return env
	}
	return defaultConfigPath
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "sim")

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("saxo.base_url", "https://gateway.saxobank.com/sim/openapi")
	v.SetDefault("saxo.token_url", "https://sim.logonvalidation.net/token")
	v.SetDefault("saxo.client_id", "")
	v.SetDefault("saxo.client_secret", "")
	v.SetDefault("saxo.redirect_uri", "http://localhost/callback")
	v.SetDefault("saxo.access_token", "")
	v.SetDefault("saxo.refresh_token", "")
	v.SetDefault("saxo.account_key", "")
	v.SetDefault("saxo.timeout", "15s")
	v.SetDefault("saxo.rate_limit_per_second", 10)
	v.SetDefault("saxo.rate_limit_burst", 5)
	v.SetDefault("saxo.retry.max_attempts", 3)
	v.SetDefault("saxo.retry.min_delay", "1s")
	v.SetDefault("saxo.retry.max_delay", "5s")
	v.SetDefault("saxo.token_store.backend", "sqlite")
	v.SetDefault("saxo.token_store.path", "")

	v.SetDefault("risk.max_spread_pct", 0.5)
	v.SetDefault("risk.default_qty", 1)

	v.SetDefault("execution.reference_price", "ask")
	v.SetDefault("execution.price_decimals", 2)
	v.SetDefault("execution.entry_duration", "DayOrder")
	v.SetDefault("execution.exit_duration", "GoodTillCancel")

	v.SetDefault("instrument.asset_types", "Stock,Etf")
	v.SetDefault("instrument.cache_ttl", "10m")
	v.SetDefault("instrument.max_strike_deviation_pct", 0.25)
	v.SetDefault("instrument.max_expiry_distance_days", 7)

	v.SetDefault("pipeline.timeout", "30s")
	v.SetDefault("pipeline.max_parallel", 4)

	v.SetDefault("security.webhook_secret", "")

	v.SetDefault("database.path", "data/saxo_trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
