// Package saxotest 提供内存中的 Saxo OpenAPI 替身，供各包测试使用。
package saxotest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"saxo-trader/internal/config"
)

const apiPrefix = "/openapi"

// Response 为一次预置响应。
type Response struct {
	Status int
	Body   any
}

// Request 记录一次收到的 API 请求。
type Request struct {
	Method    string
	Path      string
	Query     map[string]string
	Header    http.Header
	Body      []byte
	Token     string
	RequestID string
}

// Server 为 Saxo OpenAPI 替身。访问令牌不匹配时返回 401，
// 刷新端点签发新的访问令牌。
type Server struct {
	srv *httptest.Server

	mu           sync.Mutex
	validToken   string
	refreshToken string
	issued       int
	rotate       bool
	refreshFail  bool
	refreshDelay time.Duration
	refreshes    int
	routes       map[string][]Response
	calls        map[string]int
	requests     []Request
}

// New 启动替身服务，测试结束时自动关闭。
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		validToken:   "access-0",
		refreshToken: "refresh-0",
		routes:       make(map[string][]Response),
		calls:        make(map[string]int),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

// BaseURL 返回 OpenAPI 根地址。
func (s *Server) BaseURL() string { return s.srv.URL + apiPrefix }

// TokenURL 返回令牌端点。
func (s *Server) TokenURL() string { return s.srv.URL + "/token" }

// Config 返回指向替身的会话配置，重试间隔被压缩以加快测试。
func (s *Server) Config() config.SaxoConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return config.SaxoConfig{
		BaseURL:         s.BaseURL(),
		TokenURL:        s.TokenURL(),
		ClientID:        "client",
		ClientSecret:    "secret",
		RedirectURI:     "http://localhost/callback",
		AccessToken:     s.validToken,
		RefreshToken:    s.refreshToken,
		Timeout:         5 * time.Second,
		RateLimitPerSec: 1000,
		RateLimitBurst:  100,
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			MinDelay:    time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
	}
}

// ExpireToken 使当前访问令牌失效，下次刷新后签发的令牌才会被接受。
func (s *Server) ExpireToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validToken = "expired-" + s.validToken
}

// RotateRefreshToken 控制刷新响应是否返回新的刷新令牌。
func (s *Server) RotateRefreshToken(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotate = rotate
}

// FailRefresh 控制刷新端点是否返回 400。
func (s *Server) FailRefresh(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFail = fail
}

// SetRefreshDelay 为刷新端点增加延迟。
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// RejectAllTokens 使任何访问令牌都返回 401，包括刷新后签发的。
func (s *Server) RejectAllTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validToken = "\x00"
}

// ValidToken 返回当前被接受的访问令牌。
func (s *Server) ValidToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validToken
}

// RefreshTokenValue 返回当前有效的刷新令牌。
func (s *Server) RefreshTokenValue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken
}

// Handle 为路由预置响应序列；序列耗尽后重复最后一个。
func (s *Server) Handle(method, path string, responses ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[method+" "+path] = responses
}

// JSON 为路由预置单个 200 响应。
func (s *Server) JSON(method, path string, body any) {
	s.Handle(method, path, Response{Status: http.StatusOK, Body: body})
}

// Calls 返回路由收到的请求数（包括 401）。
func (s *Server) Calls(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+path]
}

// TotalCalls 返回全部 API 请求数，不含令牌端点。
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// Refreshes 返回令牌端点收到的请求数。
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// Requests 返回路由收到的全部请求。
func (s *Server) Requests(method, path string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/token" {
		s.serveToken(w, r)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, apiPrefix)
	key := r.Method + " " + path
	body, _ := io.ReadAll(r.Body)
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		query[k] = strings.Join(v, ",")
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	s.calls[key]++
	s.requests = append(s.requests, Request{
		Method:    r.Method,
		Path:      path,
		Query:     query,
		Header:    r.Header.Clone(),
		Body:      body,
		Token:     token,
		RequestID: r.Header.Get("x-request-id"),
	})
	if token != s.validToken {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"ErrorCode": "Unauthorized"})
		return
	}
	responses, ok := s.routes[key]
	var resp Response
	if ok && len(responses) > 0 {
		resp = responses[0]
		if len(responses) > 1 {
			s.routes[key] = responses[1:]
		}
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"Message": "no route " + key})
		return
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, resp.Body)
}

func (s *Server) serveToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.refreshes++
	delay := s.refreshDelay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	user, pass, ok := r.BasicAuth()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshFail || !ok || user == "" || pass == "" ||
		r.PostForm.Get("grant_type") != "refresh_token" ||
		r.PostForm.Get("refresh_token") != s.refreshToken {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	s.issued++
	resp := map[string]any{"access_token": fmt.Sprintf("access-%d", s.issued), "expires_in": 1200}
	if s.validToken != "\x00" {
		s.validToken = resp["access_token"].(string)
	}
	if s.rotate {
		s.refreshToken = fmt.Sprintf("refresh-%d", s.issued)
		resp["refresh_token"] = s.refreshToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if raw, ok := body.(string); ok {
		_, _ = io.WriteString(w, raw)
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}
