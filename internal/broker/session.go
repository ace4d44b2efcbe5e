package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"saxo-trader/internal/config"
	applog "saxo-trader/internal/log"
)

const requestIDHeader = "x-request-id"

// RefreshHook 在每次实际发起令牌刷新后被调用，err 为 nil 表示成功。
type RefreshHook func(err error)

// Option 调整会话的可选依赖。
type Option func(*Session)

// WithCredentialStore 指定刷新后凭证的持久化位置。
func WithCredentialStore(store CredentialStore) Option {
	return func(s *Session) {
		if store != nil {
			s.store = store
		}
	}
}

// WithRefreshHook 注册令牌刷新回调。
func WithRefreshHook(hook RefreshHook) Option {
	return func(s *Session) { s.onRefresh = hook }
}

// WithCredentials 以持久化的凭证覆盖配置中的令牌。
func WithCredentials(creds Credentials) Option {
	return func(s *Session) {
		if creds.AccessToken != "" {
			s.creds.AccessToken = creds.AccessToken
		}
		if creds.RefreshToken != "" {
			s.creds.RefreshToken = creds.RefreshToken
		}
		if creds.AccountKey != "" {
			s.creds.AccountKey = creds.AccountKey
		}
		if creds.Seed != "" {
			s.creds.Seed = creds.Seed
		}
		s.creds.UpdatedAt = creds.UpdatedAt
	}
}

// Session 持有 Saxo OpenAPI 凭证并负责鉴权调用、令牌刷新与重试。
type Session struct {
	cfg       config.SaxoConfig
	logger    *zap.Logger
	http      *resty.Client
	tokenHTTP *resty.Client
	limiter   *rate.Limiter
	store     CredentialStore
	onRefresh RefreshHook

	// refreshMu 串行化令牌刷新，accountMu 串行化账户解析，mu 保护 creds。
	refreshMu   sync.Mutex
	accountMu   sync.Mutex
	mu          sync.RWMutex
	creds       Credentials
	refreshes   int
	lastRefresh time.Time
}

// NewSession 创建券商会话。
func NewSession(cfg config.SaxoConfig, logger *zap.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Limit(cfg.RateLimitPerSec)
	if cfg.RateLimitPerSec <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	httpClient.SetTimeout(timeout)
	httpClient.SetHeader("Accept", "application/json")

	tokenClient := resty.New()
	tokenClient.SetTimeout(timeout)

	s := &Session{
		cfg:       cfg,
		logger:    logger.Named("broker"),
		http:      httpClient,
		tokenHTTP: tokenClient,
		limiter:   rate.NewLimiter(limit, burst),
		store:     nopStore{},
		creds: Credentials{
			AccessToken:  cfg.AccessToken,
			RefreshToken: cfg.RefreshToken,
			AccountKey:   cfg.AccountKey,
			Seed:         SeedOf(cfg.AccessToken, cfg.RefreshToken),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AccessToken 返回当前访问令牌。
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.AccessToken
}

// Credentials 返回当前凭证副本。
func (s *Session) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Snapshot 返回脱敏后的会话状态。
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		BaseURL:         s.cfg.BaseURL,
		AccessToken:     redact(s.creds.AccessToken),
		RefreshToken:    redact(s.creds.RefreshToken),
		AccountKey:      s.creds.AccountKey,
		HasRefreshToken: s.creds.RefreshToken != "",
		Refreshes:       s.refreshes,
		LastRefresh:     s.lastRefresh,
	}
}

// Call 以当前令牌发起调用。遇到 401 时刷新一次令牌并重试一次，
// 再次 401 返回 ErrUnauthorized。query 与 body 可为空。
func (s *Session) Call(ctx context.Context, method, path string, query map[string]string, body any) ([]byte, error) {
	requestID := uuid.NewString()
	operation := method + " " + path

	token := s.AccessToken()
	if token == "" {
		if err := s.Refresh(ctx, token); err != nil {
			return nil, err
		}
		token = s.AccessToken()
	}

	payload, err := s.send(ctx, operation, method, path, query, body, token, requestID)
	if StatusCode(err) != http.StatusUnauthorized {
		return payload, err
	}

	s.logger.Info("访问令牌失效，尝试刷新",
		zap.String("operation", operation),
		zap.String("request_id", requestID),
	)
	if err := s.Refresh(ctx, token); err != nil {
		return nil, err
	}

	payload, err = s.send(ctx, operation, method, path, query, body, s.AccessToken(), requestID)
	if StatusCode(err) == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, operation)
	}
	return payload, err
}

func (s *Session) send(ctx context.Context, operation, method, path string, query map[string]string, body any, token, requestID string) ([]byte, error) {
	var payload []byte
	err := s.callWithRetry(ctx, operation, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		req := s.http.R().
			SetContext(ctx).
			SetHeader(requestIDHeader, requestID).
			SetAuthToken(token)
		if len(query) > 0 {
			req.SetQueryParams(query)
		}
		if body != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(body)
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			return err
		}
		if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
			return newAPIError(method, path, resp.StatusCode(), resp.Body())
		}
		payload = resp.Body()
		return nil
	})
	return payload, err
}

func (s *Session) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	maxAttempts := s.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	delay := s.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := s.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				s.logger.Info("券商调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if StatusCode(err) == http.StatusUnauthorized {
			return err
		}

		if !IsRetryable(err) || attempt >= maxAttempts {
			s.logger.Warn("券商调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		s.logger.Warn("券商调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Refresh 用刷新令牌换取新的访问令牌。staleToken 为调用方观察到失效的令牌，
// 若当前令牌已与之不同，说明其他调用方刚完成刷新，直接返回。
// 新凭证在释放锁之前完成持久化。
func (s *Session) Refresh(ctx context.Context, staleToken string) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	current := s.Credentials()
	if current.AccessToken != staleToken {
		return nil
	}

	err := s.refreshLocked(ctx, current)
	if s.onRefresh != nil {
		s.onRefresh(err)
	}
	return err
}

func (s *Session) refreshLocked(ctx context.Context, current Credentials) error {
	if current.RefreshToken == "" {
		return fmt.Errorf("%w: 未配置 refresh_token", ErrCredentialRefresh)
	}
	if s.cfg.TokenURL == "" {
		return fmt.Errorf("%w: 未配置 token_url", ErrCredentialRefresh)
	}

	resp, err := s.tokenHTTP.R().
		SetContext(ctx).
		SetBasicAuth(s.cfg.ClientID, s.cfg.ClientSecret).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": current.RefreshToken,
			"redirect_uri":  s.cfg.RedirectURI,
			"client_id":     s.cfg.ClientID,
			"client_secret": s.cfg.ClientSecret,
		}).
		Post(s.cfg.TokenURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialRefresh, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		apiErr := newAPIError(http.MethodPost, "token", resp.StatusCode(), resp.Body())
		return fmt.Errorf("%w: %w", ErrCredentialRefresh, apiErr)
	}

	result := gjson.ParseBytes(resp.Body())
	access := result.Get("access_token").String()
	if access == "" {
		return fmt.Errorf("%w: 响应缺少 access_token", ErrCredentialRefresh)
	}
	refresh := result.Get("refresh_token").String()
	if refresh == "" {
		refresh = current.RefreshToken
	}

	s.mu.Lock()
	s.creds.AccessToken = access
	s.creds.RefreshToken = refresh
	s.creds.UpdatedAt = time.Now().UTC()
	s.refreshes++
	s.lastRefresh = s.creds.UpdatedAt
	updated := s.creds
	s.mu.Unlock()

	s.logger.Info("访问令牌已刷新",
		applog.Token("access_token", access),
		zap.Bool("refresh_token_rotated", refresh != current.RefreshToken),
		zap.Int64("expires_in", result.Get("expires_in").Int()),
	)

	if err := s.store.Save(ctx, updated); err != nil {
		s.logger.Error("持久化刷新后的令牌失败", zap.Error(err))
	}
	return nil
}

// ResolveAccountKey 返回下单账户，首次调用时查询 /port/v1/accounts/me 并缓存。
func (s *Session) ResolveAccountKey(ctx context.Context) (string, error) {
	s.accountMu.Lock()
	defer s.accountMu.Unlock()

	if key := s.Credentials().AccountKey; key != "" {
		return key, nil
	}

	body, err := s.Call(ctx, http.MethodGet, "/port/v1/accounts/me", nil, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAccountUnresolved, err)
	}
	key := gjson.GetBytes(body, "Data.0.AccountKey").String()
	if key == "" {
		return "", fmt.Errorf("%w: 账户列表为空", ErrAccountUnresolved)
	}

	s.mu.Lock()
	s.creds.AccountKey = key
	updated := s.creds
	s.mu.Unlock()

	s.logger.Info("已解析交易账户", zap.String("account_key", key))
	if err := s.store.Save(ctx, updated); err != nil {
		s.logger.Warn("持久化账户信息失败", zap.Error(err))
	}
	return key, nil
}
