package monitor

import (
	"encoding/json"
	"time"

	"saxo-trader/internal/risk"
	"saxo-trader/internal/strategy"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventSignal       EventType = "signal"
	EventPlanOutcome  EventType = "plan_outcome"
	EventTokenRefresh EventType = "token_refresh"
	EventError        EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// SignalPayload 记录收到的信号及其整体处理结论。
type SignalPayload struct {
	Signal strategy.Signal `json:"signal"`
	Status string          `json:"status"`
	Reason string          `json:"reason,omitempty"`
}

// PlanOutcomePayload 记录单个计划的处理结果。
type PlanOutcomePayload struct {
	RequestID string              `json:"request_id"`
	Plan      strategy.OptionPlan `json:"plan"`
	State     string              `json:"state"`
	Stage     string              `json:"stage,omitempty"`
	Error     string              `json:"error,omitempty"`
	Uic       int                 `json:"uic,omitempty"`
	Quote     *risk.Quote         `json:"quote,omitempty"`
	SpreadPct *float64            `json:"spread_pct,omitempty"`
	OrderID   string              `json:"order_id,omitempty"`
	Response  json.RawMessage     `json:"order_response,omitempty"`
}

// TokenRefreshPayload 记录令牌刷新结果，不包含令牌本身。
type TokenRefreshPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
