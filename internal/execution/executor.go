package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"saxo-trader/internal/broker"
	"saxo-trader/internal/instrument"
	"saxo-trader/internal/risk"
	"saxo-trader/internal/strategy"
)

// MaxExternalReference 为 Saxo 订单外部引用的最大长度。
const MaxExternalReference = 50

type instrumentResolver interface {
	FindOption(ctx context.Context, underlying string, expiry time.Time, strike float64, right strategy.PutCall) (instrument.Instrument, error)
}

type orderClient interface {
	InfoPrice(ctx context.Context, uic int, assetType string, amount int) (risk.Quote, error)
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResponse, error)
}

// Executor 按 解析合约 → 报价 → 风控 → 下单 的顺序执行单个计划。
type Executor struct {
	resolver instrumentResolver
	client   orderClient
	logger   *zap.Logger
	opts     Options
}

// NewExecutor 创建执行器。
func NewExecutor(resolver instrumentResolver, client orderClient, opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		resolver: resolver,
		client:   client,
		logger:   logger.Named("execution"),
		opts:     opts.withDefaults(),
	}
}

// Execute 执行计划并返回结果；失败时返回 *StageError。报价总是在合约解析之后获取，
// 只有风控通过才会提交订单。
func (e *Executor) Execute(ctx context.Context, plan strategy.OptionPlan, accountKey, reference string) (Result, error) {
	result := Result{Plan: plan}

	inst, err := e.resolver.FindOption(ctx, plan.Underlying, plan.Expiry, plan.Strike, plan.PutCall)
	if err != nil {
		return result, &StageError{Stage: StageResolution, Err: err}
	}
	result.Instrument = inst

	quote, err := e.client.InfoPrice(ctx, inst.Uic, inst.AssetType, 1)
	if err != nil {
		return result, &StageError{Stage: StageQuote, Err: err}
	}
	result.Quote = quote

	evaluation := risk.Evaluate(quote, e.opts.MaxSpreadPct)
	result.Risk = evaluation
	if !evaluation.Approved() {
		e.logger.Warn("点差超限，放弃下单",
			zap.String("plan", plan.Key()),
			zap.Int("uic", inst.Uic),
			zap.Bool("spread_known", evaluation.SpreadKnown),
			zap.Float64("spread_pct", evaluation.SpreadPct),
			zap.Float64("max_spread_pct", evaluation.MaxSpreadPct),
		)
		return result, &StageError{Stage: StageRisk, Err: fmt.Errorf("%w: %s", ErrRiskRejected, describeSpread(evaluation))}
	}

	order, err := buildBracketOrder(inst, accountKey, quote, plan, e.opts, reference)
	if err != nil {
		return result, &StageError{Stage: StagePlacement, Err: err}
	}
	result.Order = order

	resp, err := e.client.PlaceOrder(ctx, order)
	if err != nil {
		return result, &StageError{Stage: StagePlacement, Err: err}
	}
	result.OrderID = resp.OrderID
	result.Response = resp.Raw
	result.ExecutedAt = time.Now().UTC()

	e.logger.Info("括号单已提交",
		zap.String("plan", plan.Key()),
		zap.Int("uic", inst.Uic),
		zap.String("order_id", resp.OrderID),
		zap.Int("amount", order.Amount),
		zap.Float64p("take_profit", order.Orders[0].OrderPrice),
		zap.Float64p("stop_loss", order.Orders[1].OrderPrice),
	)
	return result, nil
}

func describeSpread(evaluation risk.EvaluationResult) string {
	if !evaluation.SpreadKnown {
		return "报价不完整，无法计算点差"
	}
	return fmt.Sprintf("点差 %.4f%% 超过上限 %.4f%%", evaluation.SpreadPct, evaluation.MaxSpreadPct)
}

func referencePrice(quote risk.Quote, mode string) (decimal.Decimal, error) {
	var price float64
	switch mode {
	case ReferenceMid:
		price = quote.Mid()
	default:
		if quote.Ask != nil {
			price = *quote.Ask
		}
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return decimal.Zero, errors.New("execution: 参考价无效")
	}
	return decimal.NewFromFloat(price), nil
}

// buildBracketOrder 生成市价买入主单及止盈限价、止损触发两个关联卖单。
func buildBracketOrder(inst instrument.Instrument, accountKey string, quote risk.Quote, plan strategy.OptionPlan, opts Options, reference string) (broker.OrderRequest, error) {
	if accountKey == "" {
		return broker.OrderRequest{}, errors.New("execution: 账户为空")
	}
	if opts.Quantity <= 0 {
		return broker.OrderRequest{}, fmt.Errorf("execution: 下单数量无效 %d", opts.Quantity)
	}

	ref, err := referencePrice(quote, opts.ReferencePrice)
	if err != nil {
		return broker.OrderRequest{}, err
	}

	one := decimal.NewFromInt(1)
	takeProfit := ref.Mul(one.Add(decimal.NewFromFloat(plan.TPPct))).Round(opts.PriceDecimals)
	stopLoss := ref.Mul(one.Sub(decimal.NewFromFloat(plan.SLPct))).Round(opts.PriceDecimals)
	if !stopLoss.IsPositive() {
		return broker.OrderRequest{}, fmt.Errorf("execution: 止损价无效 %s", stopLoss)
	}
	if !takeProfit.GreaterThan(stopLoss) {
		return broker.OrderRequest{}, fmt.Errorf("execution: 止盈价 %s 不高于止损价 %s", takeProfit, stopLoss)
	}
	tp := takeProfit.InexactFloat64()
	sl := stopLoss.InexactFloat64()

	if len(reference) > MaxExternalReference {
		reference = reference[:MaxExternalReference]
	}

	exit := broker.OrderDuration{DurationType: opts.ExitDuration}
	return broker.OrderRequest{
		AccountKey:        accountKey,
		Uic:               inst.Uic,
		AssetType:         inst.AssetType,
		BuySell:           "Buy",
		OrderType:         "Market",
		Amount:            opts.Quantity,
		OrderDuration:     broker.OrderDuration{DurationType: opts.EntryDuration},
		ManualOrder:       false,
		ExternalReference: reference,
		Orders: []broker.OrderRequest{
			{
				AccountKey:        accountKey,
				Uic:               inst.Uic,
				AssetType:         inst.AssetType,
				BuySell:           "Sell",
				OrderType:         "Limit",
				Amount:            opts.Quantity,
				OrderPrice:        &tp,
				OrderDuration:     exit,
				ExternalReference: reference,
			},
			{
				AccountKey:        accountKey,
				Uic:               inst.Uic,
				AssetType:         inst.AssetType,
				BuySell:           "Sell",
				OrderType:         "StopIfTraded",
				Amount:            opts.Quantity,
				OrderPrice:        &sl,
				OrderDuration:     exit,
				ExternalReference: reference,
			},
		},
	}, nil
}
