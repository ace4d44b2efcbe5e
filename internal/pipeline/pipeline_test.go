package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxo-trader/internal/broker"
	"saxo-trader/internal/broker/saxotest"
	"saxo-trader/internal/config"
	"saxo-trader/internal/execution"
	"saxo-trader/internal/instrument"
	"saxo-trader/internal/monitor"
	"saxo-trader/internal/strategy"
)

func f(v float64) *float64 { return &v }

func buildMatcher(t *testing.T, cfgs ...config.PlanConfig) *strategy.Matcher {
	t.Helper()
	plans, _, err := strategy.BuildPlans(cfgs)
	require.NoError(t, err)
	return strategy.NewMatcher(plans)
}

var (
	aaplPlan    = config.PlanConfig{Underlying: "AAPL", Expiry: "2025-08-22", PutCall: "Call", Strike: 200, EntryCondition: "price>=190", TPPct: 0.8, SLPct: 0.5}
	aaplPutPlan = config.PlanConfig{Underlying: "AAPL", Expiry: "2025-09-19", PutCall: "Put", Strike: 180, EntryCondition: "price>=190", TPPct: 1, SLPct: 0.3}
	rgldPlan    = config.PlanConfig{Underlying: "RGLD", Expiry: "2025-09-19", PutCall: "Call", Strike: 170, EntryCondition: "GOLD>2500", TPPct: 1, SLPct: 0.3}
)

type fakeAccounts struct {
	key   string
	err   error
	calls atomic.Int32
}

func (a *fakeAccounts) ResolveAccountKey(context.Context) (string, error) {
	a.calls.Add(1)
	return a.key, a.err
}

type fakeTrader struct {
	mu    sync.Mutex
	calls []string
	refs  []string
	fn    func(ctx context.Context, plan strategy.OptionPlan) (execution.Result, error)
}

func (t *fakeTrader) Execute(ctx context.Context, plan strategy.OptionPlan, accountKey, reference string) (execution.Result, error) {
	t.mu.Lock()
	t.calls = append(t.calls, plan.Key())
	t.refs = append(t.refs, reference)
	t.mu.Unlock()
	if t.fn != nil {
		return t.fn(ctx, plan)
	}
	return execution.Result{Plan: plan, OrderID: "1"}, nil
}

func (t *fakeTrader) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

type memJournal struct {
	mu       sync.Mutex
	signals  []string
	outcomes []monitor.PlanOutcomePayload
}

func (j *memJournal) RecordSignal(_ context.Context, _ strategy.Signal, status, _ string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.signals = append(j.signals, status)
}

func (j *memJournal) RecordPlanOutcome(_ context.Context, payload monitor.PlanOutcomePayload) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, payload)
}

func TestNoStrategyForSymbol(t *testing.T) {
	accounts := &fakeAccounts{key: "acc"}
	trader := &fakeTrader{}
	p := New(buildMatcher(t, aaplPlan), accounts, trader, config.PipelineConfig{}, nil)

	res := p.Process(context.Background(), strategy.Signal{Symbol: "TSLA", Price: f(300)})
	assert.Equal(t, StatusIgnored, res.Status)
	assert.Equal(t, ReasonNoStrategy, res.Reason)
	assert.True(t, res.NoStrategy)
	assert.NotEmpty(t, res.RequestID)
	assert.Zero(t, accounts.calls.Load())
	assert.Zero(t, trader.count())
}

func TestConditionNotMetMakesNoBrokerCalls(t *testing.T) {
	accounts := &fakeAccounts{key: "acc"}
	trader := &fakeTrader{}
	journal := &memJournal{}
	p := New(buildMatcher(t, aaplPlan), accounts, trader, config.PipelineConfig{}, nil, WithJournal(journal))

	res := p.Process(context.Background(), strategy.Signal{Symbol: "AAPL", Price: f(150)})
	assert.Equal(t, StatusIgnored, res.Status)
	assert.Equal(t, ReasonNoConditionsMet, res.Reason)
	assert.False(t, res.NoStrategy)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StateConditionNotMet, res.Outcomes[0].State)
	assert.Zero(t, accounts.calls.Load())
	assert.Zero(t, trader.count())
	assert.Equal(t, []string{"ignored"}, journal.signals)
	assert.Empty(t, journal.outcomes)
}

func TestAccountFailureShortCircuitsBatch(t *testing.T) {
	accounts := &fakeAccounts{err: errors.Join(broker.ErrAccountUnresolved, broker.ErrCredentialRefresh)}
	trader := &fakeTrader{}
	p := New(buildMatcher(t, aaplPlan, aaplPutPlan), accounts, trader, config.PipelineConfig{}, nil)

	res := p.Process(context.Background(), strategy.Signal{Symbol: "AAPL", Price: f(195)})
	assert.Equal(t, StatusError, res.Status)
	require.Len(t, res.Outcomes, 2)
	for _, o := range res.Outcomes {
		assert.Equal(t, StateAccountUnresolved, o.State)
		assert.True(t, errors.Is(o.Err, broker.ErrCredentialRefresh))
	}
	assert.EqualValues(t, 1, accounts.calls.Load())
	assert.Zero(t, trader.count())
}

func TestSiblingFailureDoesNotAbortOthers(t *testing.T) {
	trader := &fakeTrader{fn: func(_ context.Context, plan strategy.OptionPlan) (execution.Result, error) {
		if plan.PutCall == strategy.Call {
			panic("boom")
		}
		return execution.Result{Plan: plan, OrderID: "77"}, nil
	}}
	accounts := &fakeAccounts{key: "acc"}
	p := New(buildMatcher(t, aaplPlan, aaplPutPlan), accounts, trader, config.PipelineConfig{MaxParallel: 2}, nil)

	res := p.Process(context.Background(), strategy.Signal{Symbol: "AAPL", Price: f(195)})
	assert.Equal(t, StatusOK, res.Status)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, StateInternalError, res.Outcomes[0].State)
	assert.Equal(t, StateExecuted, res.Outcomes[1].State)
	assert.Equal(t, "77", res.Outcomes[1].Result.OrderID)
	assert.Len(t, res.Executed(), 1)
	assert.Len(t, res.Failures(), 1)
	assert.EqualValues(t, 1, accounts.calls.Load())
}

func TestOutcomeStatesFollowExecutionStage(t *testing.T) {
	cases := map[execution.Stage]State{
		execution.StageResolution: StateResolutionFailed,
		execution.StageQuote:      StateQuoteFailed,
		execution.StageRisk:       StateRiskRejected,
		execution.StagePlacement:  StatePlacementFailed,
	}
	for stage, want := range cases {
		trader := &fakeTrader{fn: func(context.Context, strategy.OptionPlan) (execution.Result, error) {
			return execution.Result{}, &execution.StageError{Stage: stage, Err: errors.New("x")}
		}}
		p := New(buildMatcher(t, aaplPlan), &fakeAccounts{key: "acc"}, trader, config.PipelineConfig{}, nil)

		res := p.Process(context.Background(), strategy.Signal{Symbol: "AAPL", Price: f(195)})
		assert.Equal(t, StatusError, res.Status, stage)
		assert.Equal(t, want, res.Outcomes[0].State, stage)
		assert.Equal(t, stage, res.Outcomes[0].Stage)
		assert.NotEmpty(t, res.Reason)
	}
}

func TestStageFailureNearDeadlineKeepsStage(t *testing.T) {
	trader := &fakeTrader{fn: func(ctx context.Context, plan strategy.OptionPlan) (execution.Result, error) {
		<-ctx.Done()
		return execution.Result{}, &execution.StageError{Stage: execution.StageRisk, Err: execution.ErrRiskRejected}
	}}
	p := New(buildMatcher(t, aaplPlan), &fakeAccounts{key: "acc"}, trader, config.PipelineConfig{Timeout: 20 * time.Millisecond}, nil)

	res := p.Process(context.Background(), strategy.Signal{Symbol: "AAPL", Price: f(195)})
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StateRiskRejected, res.Outcomes[0].State)
}

func TestAccountTimeoutIsTimedOut(t *testing.T) {
	accounts := &fakeAccounts{err: fmt.Errorf("broker: 获取账户失败: %w", context.DeadlineExceeded)}
	p := New(buildMatcher(t, aaplPlan), accounts, &fakeTrader{}, config.PipelineConfig{}, nil)

	res := p.Process(context.Background(), strategy.Signal{Symbol: "AAPL", Price: f(195)})
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StateTimedOut, res.Outcomes[0].State)
}

func TestOrderReferenceKeepsPlanIndex(t *testing.T) {
	long := strings.Repeat("r", 64)
	trader := &fakeTrader{}
	p := New(buildMatcher(t, aaplPlan, aaplPutPlan), &fakeAccounts{key: "acc"}, trader, config.PipelineConfig{}, nil)

	res := p.Process(context.Background(), strategy.Signal{Symbol: "AAPL", Price: f(195), RequestID: long})
	require.Equal(t, StatusOK, res.Status)
	require.Len(t, trader.refs, 2)
	assert.ElementsMatch(t, []string{
		strings.Repeat("r", execution.MaxExternalReference-2) + "-0",
		strings.Repeat("r", execution.MaxExternalReference-2) + "-1",
	}, trader.refs)
	for _, ref := range trader.refs {
		assert.LessOrEqual(t, len(ref), execution.MaxExternalReference)
	}

	assert.Equal(t, "abc-3", orderReference("abc", 3))
}

func TestTimeoutBoundsSignal(t *testing.T) {
	trader := &fakeTrader{fn: func(ctx context.Context, plan strategy.OptionPlan) (execution.Result, error) {
		<-ctx.Done()
		return execution.Result{}, &execution.StageError{Stage: execution.StageQuote, Err: ctx.Err()}
	}}
	p := New(buildMatcher(t, aaplPlan), &fakeAccounts{key: "acc"}, trader, config.PipelineConfig{Timeout: 50 * time.Millisecond}, nil)

	start := time.Now()
	res := p.Process(context.Background(), strategy.Signal{Symbol: "AAPL", Price: f(195)})
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, StateTimedOut, res.Outcomes[0].State)
}

// 以下用例通过内存中的 Saxo 替身串起真实的解析、报价、风控与下单组件。

type endToEnd struct {
	fake     *saxotest.Server
	pipeline *Pipeline
	journal  *memJournal
}

func newEndToEnd(t *testing.T, bid, ask float64, plans ...config.PlanConfig) endToEnd {
	t.Helper()
	fake := saxotest.New(t)
	fake.JSON(http.MethodGet, "/port/v1/accounts/me", map[string]any{"Data": []map[string]any{{"AccountKey": "acc-1"}}})
	fake.JSON(http.MethodGet, "/ref/v1/instruments", map[string]any{"Data": []map[string]any{
		{"Identifier": 211, "AssetType": "Stock", "Symbol": "AAPL:xnas"},
	}})
	fake.JSON(http.MethodGet, "/ref/v1/instruments/details/211/Stock", map[string]any{
		"RelatedOptionRootsEnhanced": []map[string]any{{"OptionRootId": 18}},
	})
	fake.JSON(http.MethodGet, "/ref/v1/instruments/contractoptionspaces/18", map[string]any{
		"AssetType": "StockOption",
		"OptionSpace": []map[string]any{{
			"Expiry":          "2025-08-22",
			"SpecificOptions": []map[string]any{{"StrikePrice": 200, "PutCall": "Call", "Uic": 2002}},
		}},
	})
	fake.JSON(http.MethodGet, "/trade/v1/infoprices", map[string]any{"Quote": map[string]any{"Bid": bid, "Ask": ask}})
	fake.JSON(http.MethodPost, "/trade/v2/orders", map[string]any{"OrderId": "9001"})

	session := broker.NewSession(fake.Config(), nil)
	client := broker.NewClient(session)
	resolver := instrument.NewResolver(client, config.InstrumentConfig{MaxExpiryDistanceDays: 7}, nil)
	executor := execution.NewExecutor(resolver, client, execution.OptionsFromConfig(
		config.RiskConfig{MaxSpreadPct: 0.5, DefaultQty: 3},
		config.ExecutionConfig{ReferencePrice: "ask", PriceDecimals: 2},
	), nil)
	journal := &memJournal{}
	p := New(buildMatcher(t, plans...), session, executor, config.PipelineConfig{}, nil, WithJournal(journal))
	return endToEnd{fake: fake, pipeline: p, journal: journal}
}

func TestEndToEndTightSpreadExecutes(t *testing.T) {
	e := newEndToEnd(t, 1.999, 2.001, aaplPlan)

	res := e.pipeline.Process(context.Background(), strategy.Signal{Symbol: "AAPL", Price: f(195)})
	require.Equal(t, StatusOK, res.Status, res.Reason)
	require.Len(t, res.Executed(), 1)
	assert.Equal(t, "9001", res.Outcomes[0].Result.OrderID)

	orders := e.fake.Requests(http.MethodPost, "/trade/v2/orders")
	require.Len(t, orders, 1)
	assert.Contains(t, string(orders[0].Body), `"Amount":3`)
	assert.Contains(t, string(orders[0].Body), `"Uic":2002`)
	assert.Contains(t, string(orders[0].Body), res.RequestID)

	require.Len(t, e.journal.outcomes, 1)
	assert.Equal(t, "executed", e.journal.outcomes[0].State)
	assert.Equal(t, "9001", e.journal.outcomes[0].OrderID)
}

func TestEndToEndWideSpreadRejected(t *testing.T) {
	e := newEndToEnd(t, 0.994, 1.006, aaplPlan)

	res := e.pipeline.Process(context.Background(), strategy.Signal{Symbol: "AAPL", Price: f(195)})
	assert.Equal(t, StatusError, res.Status)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StateRiskRejected, res.Outcomes[0].State)
	assert.True(t, errors.Is(res.Outcomes[0].Err, execution.ErrRiskRejected))
	assert.Zero(t, e.fake.Calls(http.MethodPost, "/trade/v2/orders"))
	assert.Equal(t, 1, e.fake.Calls(http.MethodGet, "/trade/v1/infoprices"))
}

func TestEndToEndGoldRuleIgnoresPrice(t *testing.T) {
	e := newEndToEnd(t, 1.999, 2.001, rgldPlan)

	res := e.pipeline.Process(context.Background(), strategy.Signal{Symbol: "RGLD", GOLD: f(2600)})
	require.Len(t, res.Outcomes, 1)
	assert.NotEqual(t, StateConditionNotMet, res.Outcomes[0].State)
	// 替身只认识 AAPL，计划越过条件判断后在合约解析阶段失败
	assert.Equal(t, StateResolutionFailed, res.Outcomes[0].State)
	assert.Equal(t, 1, e.fake.Calls(http.MethodGet, "/ref/v1/instruments"))
	assert.Equal(t, 1, e.fake.Calls(http.MethodGet, "/port/v1/accounts/me"))
}
