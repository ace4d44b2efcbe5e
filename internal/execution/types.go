package execution

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"saxo-trader/internal/broker"
	"saxo-trader/internal/config"
	"saxo-trader/internal/instrument"
	"saxo-trader/internal/risk"
	"saxo-trader/internal/strategy"
)

// Stage 标识下单流程中的失败阶段。
type Stage string

const (
	StageResolution Stage = "resolution"
	StageQuote      Stage = "quote"
	StageRisk       Stage = "risk"
	StagePlacement  Stage = "placement"
)

// ErrRiskRejected 表示点差超限或无法计算，订单未提交。
var ErrRiskRejected = errors.New("execution: spread too wide")

// StageError 记录失败阶段与原因。
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("execution: %s 阶段失败: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf 返回错误所属阶段。
func StageOf(err error) (Stage, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return "", false
}

// 下单参考价来源。
const (
	ReferenceAsk = "ask"
	ReferenceMid = "mid"
)

// Options 控制下单参数。
type Options struct {
	Quantity       int
	MaxSpreadPct   float64
	ReferencePrice string
	PriceDecimals  int32
	EntryDuration  string
	ExitDuration   string
}

// OptionsFromConfig 由风控与执行配置组装下单参数。
func OptionsFromConfig(riskCfg config.RiskConfig, execCfg config.ExecutionConfig) Options {
	opts := Options{
		Quantity:       riskCfg.DefaultQty,
		MaxSpreadPct:   riskCfg.MaxSpreadPct,
		ReferencePrice: strings.ToLower(execCfg.ReferencePrice),
		PriceDecimals:  execCfg.PriceDecimals,
		EntryDuration:  execCfg.EntryDuration,
		ExitDuration:   execCfg.ExitDuration,
	}
	return opts.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Quantity <= 0 {
		o.Quantity = 1
	}
	if o.MaxSpreadPct <= 0 {
		o.MaxSpreadPct = 0.5
	}
	if o.ReferencePrice == "" {
		o.ReferencePrice = ReferenceAsk
	}
	if o.PriceDecimals <= 0 {
		o.PriceDecimals = 2
	}
	if o.EntryDuration == "" {
		o.EntryDuration = "DayOrder"
	}
	if o.ExitDuration == "" {
		o.ExitDuration = "GoodTillCancel"
	}
	return o
}

// Result 为单个计划的执行结果。
type Result struct {
	Plan       strategy.OptionPlan   `json:"plan"`
	Instrument instrument.Instrument `json:"instrument"`
	Quote      risk.Quote            `json:"quote"`
	Risk       risk.EvaluationResult `json:"risk"`
	Order      broker.OrderRequest   `json:"order"`
	OrderID    string                `json:"order_id,omitempty"`
	Response   json.RawMessage       `json:"orderResponse,omitempty"`
	ExecutedAt time.Time             `json:"executed_at"`
}
