package broker

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"saxo-trader/internal/broker/saxotest"
)

func newTestClient(t *testing.T) (*Client, *saxotest.Server) {
	t.Helper()
	fake := saxotest.New(t)
	return NewClient(NewSession(fake.Config(), nil)), fake
}

func TestInfoPriceParsesQuote(t *testing.T) {
	client, fake := newTestClient(t)
	fake.JSON(http.MethodGet, "/trade/v1/infoprices", map[string]any{
		"Uic":   101,
		"Quote": map[string]any{"Bid": 1.999, "Ask": 2.001, "Mid": 2.0},
	})

	quote, err := client.InfoPrice(context.Background(), 101, "StockOption", 0)
	require.NoError(t, err)
	require.NotNil(t, quote.Bid)
	require.NotNil(t, quote.Ask)
	assert.Equal(t, 1.999, *quote.Bid)
	assert.Equal(t, 2.001, *quote.Ask)

	reqs := fake.Requests(http.MethodGet, "/trade/v1/infoprices")
	require.Len(t, reqs, 1)
	assert.Equal(t, "101", reqs[0].Query["Uic"])
	assert.Equal(t, "StockOption", reqs[0].Query["AssetType"])
	assert.Equal(t, "1", reqs[0].Query["Amount"])
	assert.Equal(t, "Quote", reqs[0].Query["FieldGroups"])
}

func TestInfoPriceMissingSide(t *testing.T) {
	client, fake := newTestClient(t)
	fake.JSON(http.MethodGet, "/trade/v1/infoprices", map[string]any{"Quote": map[string]any{"Ask": 1.2, "Bid": nil}})

	quote, err := client.InfoPrice(context.Background(), 7, "StockOption", 1)
	require.NoError(t, err)
	assert.Nil(t, quote.Bid)
	require.NotNil(t, quote.Ask)
}

func TestSearchInstrumentsSkipsEntriesWithoutIdentifier(t *testing.T) {
	client, fake := newTestClient(t)
	fake.JSON(http.MethodGet, "/ref/v1/instruments", map[string]any{"Data": []map[string]any{
		{"Identifier": 211, "AssetType": "Stock", "Symbol": "AAPL:xnas", "Description": "Apple Inc.", "ExchangeId": "NASDAQ"},
		{"Symbol": "broken"},
	}})

	hits, err := client.SearchInstruments(context.Background(), "AAPL", "Stock,Etf")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, InstrumentHit{Uic: 211, AssetType: "Stock", Symbol: "AAPL:xnas", Description: "Apple Inc.", ExchangeID: "NASDAQ"}, hits[0])

	req := fake.Requests(http.MethodGet, "/ref/v1/instruments")[0]
	assert.Equal(t, "AAPL", req.Query["Keywords"])
	assert.Equal(t, "Stock,Etf", req.Query["AssetTypes"])
}

func TestOptionSpaceRequestsExpiry(t *testing.T) {
	client, fake := newTestClient(t)
	fake.JSON(http.MethodGet, "/ref/v1/instruments/contractoptionspaces/55", map[string]any{"AssetType": "StockOption"})

	space, err := client.OptionSpace(context.Background(), 55, "2025-08-22")
	require.NoError(t, err)
	assert.Equal(t, "StockOption", space.Get("AssetType").String())

	req := fake.Requests(http.MethodGet, "/ref/v1/instruments/contractoptionspaces/55")[0]
	assert.Equal(t, "2025-08-22", req.Query["ExpiryDates"])
}

func TestPlaceOrderSendsBracket(t *testing.T) {
	client, fake := newTestClient(t)
	fake.JSON(http.MethodPost, "/trade/v2/orders", map[string]any{
		"OrderId": "5001",
		"Orders":  []map[string]any{{"OrderId": "5002"}, {"OrderId": "5003"}},
	})

	tp, sl := 3.6, 1.0
	resp, err := client.PlaceOrder(context.Background(), OrderRequest{
		AccountKey:    "acc-1",
		Uic:           101,
		AssetType:     "StockOption",
		BuySell:       "Buy",
		OrderType:     "Market",
		Amount:        1,
		OrderDuration: OrderDuration{DurationType: "DayOrder"},
		Orders: []OrderRequest{
			{Uic: 101, AssetType: "StockOption", BuySell: "Sell", OrderType: "Limit", Amount: 1, OrderPrice: &tp, OrderDuration: OrderDuration{DurationType: "GoodTillCancel"}},
			{Uic: 101, AssetType: "StockOption", BuySell: "Sell", OrderType: "StopIfTraded", Amount: 1, OrderPrice: &sl, OrderDuration: OrderDuration{DurationType: "GoodTillCancel"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "5001", resp.OrderID)
	assert.Equal(t, []string{"5002", "5003"}, resp.RelatedOrder)

	body := gjson.ParseBytes(fake.Requests(http.MethodPost, "/trade/v2/orders")[0].Body)
	assert.Equal(t, "acc-1", body.Get("AccountKey").String())
	assert.Equal(t, "Market", body.Get("OrderType").String())
	assert.False(t, body.Get("OrderPrice").Exists())
	assert.Equal(t, int64(2), body.Get("Orders.#").Int())
	assert.Equal(t, 3.6, body.Get("Orders.0.OrderPrice").Float())
	assert.Equal(t, "StopIfTraded", body.Get("Orders.1.OrderType").String())
	assert.Equal(t, "GoodTillCancel", body.Get("Orders.1.OrderDuration.DurationType").String())
}

func TestListAccounts(t *testing.T) {
	client, fake := newTestClient(t)
	fake.JSON(http.MethodGet, accountsPath, accountsBody("acc-7"))

	accounts, err := client.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "acc-7", accounts[0].AccountKey)
	assert.Equal(t, "USD", accounts[0].Currency)
}
