package pipeline

import (
	"saxo-trader/internal/execution"
	"saxo-trader/internal/strategy"
)

// State 为单个计划的处理状态。
type State string

const (
	StateConditionNotMet   State = "condition_not_met"
	StateAccountUnresolved State = "account_unresolved"
	StateResolutionFailed  State = "resolution_failed"
	StateQuoteFailed       State = "quote_failed"
	StateRiskRejected      State = "risk_rejected"
	StatePlacementFailed   State = "placement_failed"
	StateExecuted          State = "executed"
	StateTimedOut          State = "timed_out"
	StateInternalError     State = "internal_error"
)

// Status 为信号的整体结论。
type Status string

const (
	StatusOK      Status = "ok"
	StatusIgnored Status = "ignored"
	StatusError   Status = "error"
)

const (
	ReasonNoStrategy      = "no strategy"
	ReasonNoConditionsMet = "no conditions met"
)

// Outcome 为单个计划的处理结果。
type Outcome struct {
	Plan   strategy.OptionPlan `json:"plan"`
	State  State               `json:"state"`
	Stage  execution.Stage     `json:"stage,omitempty"`
	Error  string              `json:"error,omitempty"`
	Err    error               `json:"-"`
	Result *execution.Result   `json:"result,omitempty"`
}

// Failed 表示计划条件满足但未成功下单。
func (o Outcome) Failed() bool {
	return o.State != StateExecuted && o.State != StateConditionNotMet
}

// Result 为一个信号的处理结果，Outcomes 与配置中的计划顺序一致。
type Result struct {
	RequestID  string    `json:"request_id"`
	Symbol     string    `json:"symbol"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	NoStrategy bool      `json:"-"`
	Outcomes   []Outcome `json:"outcomes,omitempty"`
}

// Executed 返回已成功下单的计划。
func (r Result) Executed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.State == StateExecuted {
			out = append(out, o)
		}
	}
	return out
}

// Failures 返回条件满足但失败的计划。
func (r Result) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			out = append(out, o)
		}
	}
	return out
}
