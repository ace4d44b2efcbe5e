package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxo-trader/internal/config"
	"saxo-trader/internal/risk"
	"saxo-trader/internal/store"
	"saxo-trader/internal/strategy"
)

func newService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	require.NoError(t, err)
	return svc
}

func TestNewServiceRequiresStore(t *testing.T) {
	_, err := NewService(nil, nil)
	assert.Error(t, err)
}

func TestRecordAndListByType(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	price := 195.0

	svc.RecordSignal(ctx, strategy.Signal{Symbol: "AAPL", Price: &price}, "ok", "")
	spread := 0.1
	svc.RecordPlanOutcome(ctx, PlanOutcomePayload{
		RequestID: "req-1",
		State:     "executed",
		Uic:       2002,
		Quote:     ptr(risk.NewQuote(1.999, 2.001)),
		SpreadPct: &spread,
		OrderID:   "9001",
		Response:  json.RawMessage(`{"OrderId":"9001"}`),
	})
	svc.RecordTokenRefresh(ctx, errors.New("invalid_grant"))

	all, err := svc.ListEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, EventTokenRefresh, all[0].Type)
	assert.Equal(t, EventSignal, all[2].Type)

	outcomes, err := svc.ListEvents(ctx, EventPlanOutcome, 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	var payload PlanOutcomePayload
	require.NoError(t, json.Unmarshal(outcomes[0].Payload.(json.RawMessage), &payload))
	assert.Equal(t, "9001", payload.OrderID)
	assert.Equal(t, 2002, payload.Uic)
	assert.InDelta(t, 0.1, *payload.SpreadPct, 1e-9)
	assert.JSONEq(t, `{"OrderId":"9001"}`, string(payload.Response))
	assert.False(t, outcomes[0].Timestamp.IsZero())
}

func TestTokenRefreshPayloadOmitsTokens(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	svc.RecordTokenRefresh(ctx, nil)

	events, err := svc.ListEvents(ctx, EventTokenRefresh, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"success":true}`, string(events[0].Payload.(json.RawMessage)))
}

func TestListEventsLimit(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		svc.RecordError(ctx, "boom", errors.New("x"), map[string]interface{}{"i": i})
	}

	events, err := svc.ListEvents(ctx, EventError, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = svc.ListEvents(ctx, EventError, 0)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func ptr[T any](v T) *T { return &v }
