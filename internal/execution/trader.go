package execution

import (
	"context"

	"saxo-trader/internal/strategy"
)

// Trader 抽象执行器接口，方便切换真实或模拟下单。
type Trader interface {
	Execute(ctx context.Context, plan strategy.OptionPlan, accountKey, reference string) (Result, error)
}

var _ Trader = (*Executor)(nil)
