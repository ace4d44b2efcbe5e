package risk

import (
	"fmt"
	"math"
)

// Spread 计算相对点差 (ask-bid)/mid。
// 任一侧缺失、非有限或非正，或中间价非正时点差无定义，第二个返回值为 false。
func Spread(bid, ask *float64) (float64, bool) {
	if bid == nil || ask == nil {
		return 0, false
	}
	if !finite(*bid) || !finite(*ask) || *bid <= 0 || *ask <= 0 {
		return 0, false
	}
	mid := (*bid + *ask) / 2
	if !finite(mid) || mid <= 0 {
		return 0, false
	}
	spread := (*ask - *bid) / mid
	if !finite(spread) {
		return 0, false
	}
	return spread, true
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// Approve 判断报价点差是否在上限内。maxSpreadPct 以百分比表示。
func Approve(quote Quote, maxSpreadPct float64) bool {
	return Evaluate(quote, maxSpreadPct).Approved()
}

// Evaluate 给出带说明的点差评估结果，无定义的点差一律拒绝。
func Evaluate(quote Quote, maxSpreadPct float64) EvaluationResult {
	result := EvaluationResult{
		Status:       StatusDeny,
		MaxSpreadPct: maxSpreadPct,
	}

	spread, ok := Spread(quote.Bid, quote.Ask)
	if !ok {
		result.Notes = append(result.Notes, "报价缺失、非有限或非正，点差无法计算。")
		return result
	}

	result.Spread = spread
	result.SpreadPct = spread * 100
	result.SpreadKnown = true

	if result.SpreadPct > maxSpreadPct {
		result.Notes = append(result.Notes,
			fmt.Sprintf("点差 %.3f%% 超过上限 %.3f%%。", result.SpreadPct, maxSpreadPct),
		)
		return result
	}

	result.Status = StatusProceed
	return result
}
