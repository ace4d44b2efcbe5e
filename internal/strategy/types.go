package strategy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"saxo-trader/internal/config"
)

// PutCall 表示期权方向。
type PutCall string

const (
	Call PutCall = "Call"
	Put  PutCall = "Put"
)

// ParsePutCall 不区分大小写地解析期权方向。
func ParsePutCall(raw string) (PutCall, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "call", "c":
		return Call, nil
	case "put", "p":
		return Put, nil
	default:
		return "", fmt.Errorf("strategy: 未知期权方向 %q", raw)
	}
}

// Signal 为一次外部交易信号，可选字段为 nil 表示未提供。
type Signal struct {
	RequestID    string   `json:"request_id,omitempty"`
	Symbol       string   `json:"symbol"`
	Price        *float64 `json:"price,omitempty"`
	Rule         string   `json:"rule,omitempty"`
	First30Green *bool    `json:"first30Green,omitempty"`
	VolumeStrong *bool    `json:"volumeStrong,omitempty"`
	BTC          *float64 `json:"BTC,omitempty"`
	GOLD         *float64 `json:"GOLD,omitempty"`
	Date         string   `json:"date,omitempty"`
}

func (s Signal) price() float64     { return valueOr(s.Price) }
func (s Signal) btc() float64       { return valueOr(s.BTC) }
func (s Signal) gold() float64      { return valueOr(s.GOLD) }
func (s Signal) volumeStrong() bool { return s.VolumeStrong != nil && *s.VolumeStrong }
func (s Signal) first30Green() bool { return s.First30Green != nil && *s.First30Green }

func valueOr(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// OptionPlan 描述一个静态配置的期权交易计划，启动后不可变。
type OptionPlan struct {
	Underlying     string    `json:"underlying"`
	Expiry         time.Time `json:"-"`
	PutCall        PutCall   `json:"put_call"`
	Strike         float64   `json:"strike"`
	Condition      Condition `json:"-"`
	EntryCondition string    `json:"entry_condition"`
	TPPct          float64   `json:"tp_pct"`
	SLPct          float64   `json:"sl_pct"`
}

// ExpiryDate 返回 YYYY-MM-DD 格式的到期日。
func (p OptionPlan) ExpiryDate() string {
	return p.Expiry.Format(time.DateOnly)
}

// Key 返回计划的可读标识。
func (p OptionPlan) Key() string {
	return fmt.Sprintf("%s/%s/%s/%g", strings.ToUpper(p.Underlying), p.ExpiryDate(), p.PutCall, p.Strike)
}

// MarshalJSON 在输出中保留到期日字符串。
func (p OptionPlan) MarshalJSON() ([]byte, error) {
	type alias OptionPlan
	return json.Marshal(struct {
		alias
		Expiry string `json:"expiry"`
	}{alias: alias(p), Expiry: p.ExpiryDate()})
}

// BuildPlans 将配置转换为计划列表，并返回无法识别的入场条件。
func BuildPlans(cfgs []config.PlanConfig) ([]OptionPlan, []string, error) {
	plans := make([]OptionPlan, 0, len(cfgs))
	var unknown []string

	for i, cfg := range cfgs {
		expiry, err := time.Parse(time.DateOnly, strings.TrimSpace(cfg.Expiry))
		if err != nil {
			return nil, nil, fmt.Errorf("strategy: plans[%d] 到期日无效: %w", i, err)
		}
		putCall, err := ParsePutCall(cfg.PutCall)
		if err != nil {
			return nil, nil, fmt.Errorf("strategy: plans[%d]: %w", i, err)
		}

		cond := ParseCondition(cfg.EntryCondition)
		if cond == ConditionUnknown {
			unknown = append(unknown, cfg.EntryCondition)
		}

		plans = append(plans, OptionPlan{
			Underlying:     strings.TrimSpace(cfg.Underlying),
			Expiry:         expiry,
			PutCall:        putCall,
			Strike:         cfg.Strike,
			Condition:      cond,
			EntryCondition: cfg.EntryCondition,
			TPPct:          cfg.TPPct,
			SLPct:          cfg.SLPct,
		})
	}

	return plans, unknown, nil
}
