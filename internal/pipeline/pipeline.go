package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"saxo-trader/internal/broker"
	"saxo-trader/internal/config"
	"saxo-trader/internal/execution"
	"saxo-trader/internal/monitor"
	"saxo-trader/internal/strategy"
)

// AccountResolver 提供下单账户。
type AccountResolver interface {
	ResolveAccountKey(ctx context.Context) (string, error)
}

// Journal 持久化信号与计划结果。
type Journal interface {
	RecordSignal(ctx context.Context, sig strategy.Signal, status, reason string)
	RecordPlanOutcome(ctx context.Context, payload monitor.PlanOutcomePayload)
}

// Recorder 记录处理指标。
type Recorder interface {
	ObserveSignal(status string, seconds float64)
	ObservePlanOutcome(state string)
	ObserveSpread(pct float64)
}

// Option 调整流水线的可选依赖。
type Option func(*Pipeline)

// WithJournal 指定事件日志。
func WithJournal(j Journal) Option {
	return func(p *Pipeline) { p.journal = j }
}

// WithRecorder 指定指标记录器。
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// Pipeline 串联 计划匹配 → 账户解析 → 执行，单个信号内的计划并发执行且互不影响。
type Pipeline struct {
	matcher  *strategy.Matcher
	accounts AccountResolver
	trader   execution.Trader
	journal  Journal
	recorder Recorder
	cfg      config.PipelineConfig
	logger   *zap.Logger
}

// New 创建信号处理流水线。
func New(matcher *strategy.Matcher, accounts AccountResolver, trader execution.Trader, cfg config.PipelineConfig, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	p := &Pipeline{
		matcher:  matcher,
		accounts: accounts,
		trader:   trader,
		cfg:      cfg,
		logger:   logger.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plans 返回全部计划。
func (p *Pipeline) Plans() []strategy.OptionPlan {
	return p.matcher.Plans()
}

// Process 处理一个信号。调用方应传入与 HTTP 请求解绑的上下文，
// 整体耗时受 pipeline.timeout 限制。
func (p *Pipeline) Process(ctx context.Context, sig strategy.Signal) Result {
	start := time.Now()
	if sig.RequestID == "" {
		sig.RequestID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	logger := p.logger.With(zap.String("request_id", sig.RequestID), zap.String("symbol", sig.Symbol))
	result := p.process(ctx, sig, logger)

	for _, outcome := range result.Outcomes {
		p.observeOutcome(ctx, sig.RequestID, outcome)
	}
	if p.journal != nil {
		p.journal.RecordSignal(context.WithoutCancel(ctx), sig, string(result.Status), result.Reason)
	}
	if p.recorder != nil {
		p.recorder.ObserveSignal(string(result.Status), time.Since(start).Seconds())
	}

	logger.Info("信号处理完成",
		zap.String("status", string(result.Status)),
		zap.String("reason", result.Reason),
		zap.Int("executed", len(result.Executed())),
		zap.Int("failed", len(result.Failures())),
		zap.Duration("latency", time.Since(start)),
	)
	return result
}

func (p *Pipeline) process(ctx context.Context, sig strategy.Signal, logger *zap.Logger) Result {
	result := Result{RequestID: sig.RequestID, Symbol: sig.Symbol}

	plans := p.matcher.Match(sig)
	if len(plans) == 0 {
		result.Status = StatusIgnored
		result.Reason = ReasonNoStrategy
		result.NoStrategy = true
		return result
	}

	result.Outcomes = make([]Outcome, len(plans))
	var met []int
	for i, plan := range plans {
		if p.matcher.Evaluate(plan, sig) {
			met = append(met, i)
			continue
		}
		result.Outcomes[i] = Outcome{Plan: plan, State: StateConditionNotMet}
	}
	if len(met) == 0 {
		result.Status = StatusIgnored
		result.Reason = ReasonNoConditionsMet
		return result
	}

	accountKey, err := p.accounts.ResolveAccountKey(ctx)
	if err != nil {
		state := StateAccountUnresolved
		if errors.Is(err, context.DeadlineExceeded) {
			state = StateTimedOut
		}
		logger.Error("无法解析交易账户", zap.Error(err))
		for _, i := range met {
			result.Outcomes[i] = Outcome{Plan: plans[i], State: state, Error: err.Error(), Err: err}
		}
		result.Status = StatusError
		result.Reason = err.Error()
		return result
	}

	group := new(errgroup.Group)
	group.SetLimit(p.cfg.MaxParallel)
	for _, i := range met {
		i := i
		plan := plans[i]
		reference := orderReference(sig.RequestID, i)
		group.Go(func() error {
			result.Outcomes[i] = p.runPlan(ctx, plan, accountKey, reference, logger)
			return nil
		})
	}
	_ = group.Wait()

	result.Status = StatusError
	if len(result.Executed()) > 0 {
		result.Status = StatusOK
	}
	if failures := result.Failures(); len(failures) > 0 && result.Status == StatusError {
		result.Reason = failures[0].Error
	}
	return result
}

func (p *Pipeline) runPlan(ctx context.Context, plan strategy.OptionPlan, accountKey, reference string, logger *zap.Logger) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("pipeline: 计划执行异常: %v", rec)
			logger.Error("计划执行 panic", zap.String("plan", plan.Key()), zap.Any("panic", rec))
			outcome = Outcome{Plan: plan, State: StateInternalError, Error: err.Error(), Err: err}
		}
	}()

	res, err := p.trader.Execute(ctx, plan, accountKey, reference)
	if err == nil {
		return Outcome{Plan: plan, State: StateExecuted, Result: &res}
	}

	stage, _ := execution.StageOf(err)
	outcome = Outcome{Plan: plan, State: classify(err, stage), Stage: stage, Error: err.Error(), Err: err}
	if stage != execution.StageResolution {
		outcome.Result = &res
	}
	logger.Warn("计划未能下单",
		zap.String("plan", plan.Key()),
		zap.String("state", string(outcome.State)),
		zap.Error(err),
	)
	return outcome
}

// orderReference 生成 "<请求ID>-<序号>"，超长时截断请求ID以保留序号。
func orderReference(requestID string, index int) string {
	suffix := fmt.Sprintf("-%d", index)
	if limit := execution.MaxExternalReference - len(suffix); len(requestID) > limit {
		requestID = requestID[:limit]
	}
	return requestID + suffix
}

// classify 只在错误确由截止时间引起时判为超时，否则以失败阶段为准。
func classify(err error, stage execution.Stage) State {
	if errors.Is(err, context.DeadlineExceeded) {
		return StateTimedOut
	}
	switch stage {
	case execution.StageResolution:
		return StateResolutionFailed
	case execution.StageQuote:
		return StateQuoteFailed
	case execution.StageRisk:
		return StateRiskRejected
	case execution.StagePlacement:
		return StatePlacementFailed
	}
	if errors.Is(err, broker.ErrAccountUnresolved) {
		return StateAccountUnresolved
	}
	return StateInternalError
}

func (p *Pipeline) observeOutcome(ctx context.Context, requestID string, outcome Outcome) {
	if p.recorder != nil {
		p.recorder.ObservePlanOutcome(string(outcome.State))
		if outcome.Result != nil && outcome.Result.Risk.SpreadKnown {
			p.recorder.ObserveSpread(outcome.Result.Risk.SpreadPct)
		}
	}
	if p.journal == nil || outcome.State == StateConditionNotMet {
		return
	}

	payload := monitor.PlanOutcomePayload{
		RequestID: requestID,
		Plan:      outcome.Plan,
		State:     string(outcome.State),
		Stage:     string(outcome.Stage),
		Error:     outcome.Error,
	}
	if res := outcome.Result; res != nil {
		payload.Uic = res.Instrument.Uic
		if res.Quote.Bid != nil || res.Quote.Ask != nil {
			quote := res.Quote
			payload.Quote = &quote
		}
		if res.Risk.SpreadKnown {
			spread := res.Risk.SpreadPct
			payload.SpreadPct = &spread
		}
		payload.OrderID = res.OrderID
		payload.Response = res.Response
	}
	p.journal.RecordPlanOutcome(context.WithoutCancel(ctx), payload)
}
