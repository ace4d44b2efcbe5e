package execution

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"saxo-trader/internal/broker"
	"saxo-trader/internal/instrument"
	"saxo-trader/internal/risk"
	"saxo-trader/internal/strategy"
)

func TestBuildBracketOrder_PricesFromAsk(t *testing.T) {
	plan := makeBasePlan()
	inst := makeInstrument()

	order, err := buildBracketOrder(inst, "acc-1", risk.NewQuote(1.999, 2.001), plan, Options{}.withDefaults(), "req-1")
	if err != nil {
		t.Fatalf("buildBracketOrder returned error: %v", err)
	}

	if order.BuySell != "Buy" || order.OrderType != "Market" {
		t.Errorf("expected market buy entry, got %s %s", order.BuySell, order.OrderType)
	}
	if order.Amount != 1 {
		t.Errorf("expected default quantity 1, got %d", order.Amount)
	}
	if order.OrderPrice != nil {
		t.Errorf("market entry must not carry a price")
	}
	if order.OrderDuration.DurationType != "DayOrder" {
		t.Errorf("unexpected entry duration %s", order.OrderDuration.DurationType)
	}
	if order.ExternalReference != "req-1" {
		t.Errorf("unexpected external reference %q", order.ExternalReference)
	}
	if len(order.Orders) != 2 {
		t.Fatalf("expected two related orders, got %d", len(order.Orders))
	}

	tp, sl := order.Orders[0], order.Orders[1]
	if tp.OrderType != "Limit" || tp.BuySell != "Sell" || *tp.OrderPrice != 3.60 {
		t.Errorf("unexpected take profit leg: %s %s %v", tp.BuySell, tp.OrderType, *tp.OrderPrice)
	}
	if sl.OrderType != "StopIfTraded" || sl.BuySell != "Sell" || *sl.OrderPrice != 1.00 {
		t.Errorf("unexpected stop loss leg: %s %s %v", sl.BuySell, sl.OrderType, *sl.OrderPrice)
	}
	for _, leg := range order.Orders {
		if leg.OrderDuration.DurationType != "GoodTillCancel" {
			t.Errorf("expected GTC exits, got %s", leg.OrderDuration.DurationType)
		}
		if leg.Uic != inst.Uic || leg.Amount != order.Amount {
			t.Errorf("related leg does not mirror entry: %+v", leg)
		}
	}
}

func TestBuildBracketOrder_MidReferenceAndDecimals(t *testing.T) {
	plan := makeBasePlan()
	plan.TPPct = 0.5
	plan.SLPct = 0.25
	opts := Options{ReferencePrice: ReferenceMid, PriceDecimals: 3, Quantity: 4}.withDefaults()

	order, err := buildBracketOrder(makeInstrument(), "acc-1", risk.NewQuote(1.23, 1.25), plan, opts, "")
	if err != nil {
		t.Fatalf("buildBracketOrder returned error: %v", err)
	}
	if got := *order.Orders[0].OrderPrice; got != 1.86 {
		t.Errorf("expected take profit 1.86, got %v", got)
	}
	if got := *order.Orders[1].OrderPrice; got != 0.93 {
		t.Errorf("expected stop loss 0.93, got %v", got)
	}
	if order.Amount != 4 {
		t.Errorf("expected amount 4, got %d", order.Amount)
	}
}

func TestBuildBracketOrder_Errors(t *testing.T) {
	plan := makeBasePlan()
	opts := Options{}.withDefaults()

	if _, err := buildBracketOrder(makeInstrument(), "", risk.NewQuote(1, 1), plan, opts, ""); err == nil {
		t.Fatalf("expected error for empty account")
	}
	if _, err := buildBracketOrder(makeInstrument(), "acc", risk.Quote{}, plan, opts, ""); err == nil || !strings.Contains(err.Error(), "参考价无效") {
		t.Fatalf("expected invalid reference error, got %v", err)
	}
	for _, q := range []risk.Quote{risk.NewQuote(1, math.Inf(1)), risk.NewQuote(1, math.NaN())} {
		if _, err := buildBracketOrder(makeInstrument(), "acc", q, plan, opts, ""); err == nil || !strings.Contains(err.Error(), "参考价无效") {
			t.Fatalf("expected invalid reference error for non-finite ask, got %v", err)
		}
	}

	long := strings.Repeat("x", 80)
	order, err := buildBracketOrder(makeInstrument(), "acc", risk.NewQuote(1, 1), plan, opts, long)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order.ExternalReference) != MaxExternalReference {
		t.Errorf("external reference not truncated: %d", len(order.ExternalReference))
	}
}

func TestExecutorExecute_PlacesOrderAfterQuote(t *testing.T) {
	resolver := &mockResolver{inst: makeInstrument()}
	client := &mockOrderClient{quote: risk.NewQuote(1.999, 2.001), resp: broker.OrderResponse{OrderID: "5001"}}
	exec := NewExecutor(resolver, client, Options{}, nil)

	result, err := exec.Execute(context.Background(), makeBasePlan(), "acc-1", "req-1")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.OrderID != "5001" {
		t.Errorf("unexpected order id %s", result.OrderID)
	}
	if !result.Risk.Approved() {
		t.Errorf("expected approved risk result")
	}

	expected := []string{"FindOption", "InfoPrice", "PlaceOrder"}
	calls := append(append([]string{}, resolver.calls...), client.calls...)
	if strings.Join(calls, ",") != strings.Join(expected, ",") {
		t.Fatalf("unexpected call order: %v", calls)
	}
	if client.placed.AccountKey != "acc-1" || client.placed.Uic != 101 {
		t.Errorf("unexpected placed order %+v", client.placed)
	}
}

func TestExecutorExecute_StageErrors(t *testing.T) {
	resolveErr := errors.New("no contract")
	quoteErr := errors.New("quote down")
	placeErr := &broker.APIError{StatusCode: 400, Body: "rejected"}

	cases := []struct {
		name     string
		resolver *mockResolver
		client   *mockOrderClient
		stage    Stage
		target   error
		placed   bool
	}{
		{
			name:     "resolution",
			resolver: &mockResolver{err: resolveErr},
			client:   &mockOrderClient{},
			stage:    StageResolution,
			target:   resolveErr,
		},
		{
			name:     "quote",
			resolver: &mockResolver{inst: makeInstrument()},
			client:   &mockOrderClient{quoteErr: quoteErr},
			stage:    StageQuote,
			target:   quoteErr,
		},
		{
			name:     "wide spread",
			resolver: &mockResolver{inst: makeInstrument()},
			client:   &mockOrderClient{quote: risk.NewQuote(0.994, 1.006)},
			stage:    StageRisk,
			target:   ErrRiskRejected,
		},
		{
			name:     "missing bid",
			resolver: &mockResolver{inst: makeInstrument()},
			client:   &mockOrderClient{quote: risk.Quote{Ask: floatPtr(1)}},
			stage:    StageRisk,
			target:   ErrRiskRejected,
		},
		{
			name:     "placement",
			resolver: &mockResolver{inst: makeInstrument()},
			client:   &mockOrderClient{quote: risk.NewQuote(2, 2), placeErr: placeErr},
			stage:    StagePlacement,
			target:   placeErr,
			placed:   true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := NewExecutor(tc.resolver, tc.client, Options{}, nil)
			_, err := exec.Execute(context.Background(), makeBasePlan(), "acc-1", "req")
			if err == nil {
				t.Fatalf("expected error")
			}
			stage, ok := StageOf(err)
			if !ok || stage != tc.stage {
				t.Fatalf("expected stage %s, got %s (%v)", tc.stage, stage, err)
			}
			if !errors.Is(err, tc.target) {
				t.Errorf("expected error to wrap %v, got %v", tc.target, err)
			}
			if placed := contains(tc.client.calls, "PlaceOrder"); placed != tc.placed {
				t.Errorf("PlaceOrder called=%v, want %v", placed, tc.placed)
			}
		})
	}
}

func makeBasePlan() strategy.OptionPlan {
	return strategy.OptionPlan{
		Underlying:     "AAPL",
		Expiry:         time.Date(2025, 8, 22, 0, 0, 0, 0, time.UTC),
		PutCall:        strategy.Call,
		Strike:         200,
		Condition:      strategy.ConditionPriceAtLeast190,
		EntryCondition: "price>=190",
		TPPct:          0.8,
		SLPct:          0.5,
	}
}

func makeInstrument() instrument.Instrument {
	return instrument.Instrument{
		Uic:        101,
		AssetType:  "StockOption",
		Underlying: "AAPL",
		Expiry:     time.Date(2025, 8, 22, 0, 0, 0, 0, time.UTC),
		Strike:     200,
		PutCall:    strategy.Call,
	}
}

type mockResolver struct {
	inst  instrument.Instrument
	err   error
	calls []string
}

func (m *mockResolver) FindOption(ctx context.Context, underlying string, expiry time.Time, strike float64, right strategy.PutCall) (instrument.Instrument, error) {
	m.calls = append(m.calls, "FindOption")
	return m.inst, m.err
}

type mockOrderClient struct {
	quote    risk.Quote
	quoteErr error
	resp     broker.OrderResponse
	placeErr error
	placed   broker.OrderRequest
	calls    []string
}

func (m *mockOrderClient) InfoPrice(ctx context.Context, uic int, assetType string, amount int) (risk.Quote, error) {
	m.calls = append(m.calls, "InfoPrice")
	return m.quote, m.quoteErr
}

func (m *mockOrderClient) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResponse, error) {
	m.calls = append(m.calls, "PlaceOrder")
	m.placed = req
	return m.resp, m.placeErr
}

func floatPtr(v float64) *float64 { return &v }

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
