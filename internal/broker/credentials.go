package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"saxo-trader/internal/config"
)

// Credentials 为会话持有的可变凭证。
// Seed 记录这组凭证源自哪一次配置下发的令牌，刷新时原样保留。
type Credentials struct {
	AccessToken  string    `yaml:"access_token"`
	RefreshToken string    `yaml:"refresh_token"`
	AccountKey   string    `yaml:"account_key,omitempty"`
	Seed         string    `yaml:"token_seed,omitempty"`
	UpdatedAt    time.Time `yaml:"-"`
}

// SeedOf 返回配置令牌的指纹，两个令牌都为空时返回空串。
func SeedOf(accessToken, refreshToken string) string {
	if accessToken == "" && refreshToken == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(accessToken + "\x00" + refreshToken))
	return hex.EncodeToString(sum[:8])
}

// ConfigSupersedes 判断配置中的令牌是否在上次保存后被重新下发，此时应以配置为准。
// 未记录来源的旧凭证视为与当前配置同源。
func ConfigSupersedes(cfg config.SaxoConfig, stored Credentials) bool {
	seed := SeedOf(cfg.AccessToken, cfg.RefreshToken)
	return seed != "" && stored.Seed != "" && stored.Seed != seed
}

// CredentialStore 持久化刷新后的凭证，使重启后仍可使用最新令牌。
type CredentialStore interface {
	Save(ctx context.Context, creds Credentials) error
}

// CredentialStoreFunc 适配普通函数。
type CredentialStoreFunc func(ctx context.Context, creds Credentials) error

// Save 实现 CredentialStore。
func (f CredentialStoreFunc) Save(ctx context.Context, creds Credentials) error {
	return f(ctx, creds)
}

type nopStore struct{}

func (nopStore) Save(context.Context, Credentials) error { return nil }

// Snapshot 为会话状态的脱敏副本。
type Snapshot struct {
	BaseURL         string    `json:"base_url"`
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	AccountKey      string    `json:"account_key,omitempty"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	Refreshes       int       `json:"refreshes"`
	LastRefresh     time.Time `json:"last_refresh,omitempty"`
}

func redact(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
