package strategy

import "strings"

// Matcher 根据信号标的筛选计划并判断入场条件。
type Matcher struct {
	plans []OptionPlan
}

// NewMatcher 创建计划匹配器，计划顺序即配置顺序。
func NewMatcher(plans []OptionPlan) *Matcher {
	copied := make([]OptionPlan, len(plans))
	copy(copied, plans)
	return &Matcher{plans: copied}
}

// Plans 返回全部计划的副本。
func (m *Matcher) Plans() []OptionPlan {
	out := make([]OptionPlan, len(m.plans))
	copy(out, m.plans)
	return out
}

// Match 返回标的与信号一致（忽略大小写）的计划，没有匹配时返回空切片。
func (m *Matcher) Match(sig Signal) []OptionPlan {
	symbol := strings.TrimSpace(sig.Symbol)
	matched := make([]OptionPlan, 0, 2)
	if symbol == "" {
		return matched
	}
	for _, plan := range m.plans {
		if strings.EqualFold(plan.Underlying, symbol) {
			matched = append(matched, plan)
		}
	}
	return matched
}

// Evaluate 判断计划的入场条件是否满足。
func (m *Matcher) Evaluate(plan OptionPlan, sig Signal) bool {
	return plan.Condition.Eval(sig)
}
