package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrCredentialRefresh 表示刷新令牌失败，需要人工重新授权。
	ErrCredentialRefresh = errors.New("broker: credential refresh failed")
	// ErrUnauthorized 表示刷新后重试仍返回 401。
	ErrUnauthorized = errors.New("broker: unauthorized after refresh")
	// ErrAccountUnresolved 表示无法确定下单账户。
	ErrAccountUnresolved = errors.New("broker: account unresolved")
)

const maxErrorBody = 4 << 10

// APIError 表示券商返回的非 2xx 响应。
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func newAPIError(method, path string, status int, body []byte) *APIError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &APIError{Method: method, Path: path, StatusCode: status, Body: string(body)}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker: %s %s 返回 %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsRetryable 判断错误是否可重试：网络错误、5xx 与 429。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError ||
			apiErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// StatusCode 返回错误中携带的 HTTP 状态码，没有时返回 0。
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
