package risk

// StatusType 描述风险评估结果状态。
type StatusType string

const (
	StatusProceed StatusType = "proceed"
	StatusDeny    StatusType = "deny"
)

// Quote 为合约在某一时刻的买卖报价，缺失的一侧为 nil。
type Quote struct {
	Bid *float64 `json:"bid,omitempty"`
	Ask *float64 `json:"ask,omitempty"`
}

// NewQuote 以确定的买卖价构造报价。
func NewQuote(bid, ask float64) Quote {
	return Quote{Bid: &bid, Ask: &ask}
}

// Mid 返回中间价，报价不完整时返回 0。
func (q Quote) Mid() float64 {
	if q.Bid == nil || q.Ask == nil {
		return 0
	}
	return (*q.Bid + *q.Ask) / 2
}

// EvaluationResult 为点差风控输出。
type EvaluationResult struct {
	Status       StatusType `json:"status"`
	Spread       float64    `json:"spread"`
	SpreadPct    float64    `json:"spread_pct"`
	SpreadKnown  bool       `json:"spread_known"`
	MaxSpreadPct float64    `json:"max_spread_pct"`
	Notes        []string   `json:"notes,omitempty"`
}

// Approved 表示是否允许下单。
func (r EvaluationResult) Approved() bool {
	return r.Status == StatusProceed
}
