package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"

	"saxo-trader/internal/risk"
)

// Caller 为带鉴权的底层调用，Session 实现该接口。
type Caller interface {
	Call(ctx context.Context, method, path string, query map[string]string, body any) ([]byte, error)
}

// Client 封装 Saxo OpenAPI 的具体端点。
type Client struct {
	caller Caller
}

// NewClient 基于会话构造端点客户端。
func NewClient(caller Caller) *Client {
	return &Client{caller: caller}
}

// Account 为账户列表中的一项。
type Account struct {
	AccountKey string `json:"AccountKey"`
	AccountID  string `json:"AccountId"`
	Currency   string `json:"Currency"`
}

// InstrumentHit 为关键字检索结果中的一项。
type InstrumentHit struct {
	Uic         int    `json:"Identifier"`
	AssetType   string `json:"AssetType"`
	Symbol      string `json:"Symbol"`
	Description string `json:"Description"`
	ExchangeID  string `json:"ExchangeId"`
}

// OrderDuration 描述订单有效期。
type OrderDuration struct {
	DurationType string `json:"DurationType"`
}

// OrderRequest 为 /trade/v2/orders 的请求体，Orders 为关联的止盈止损子单。
type OrderRequest struct {
	AccountKey        string         `json:"AccountKey,omitempty"`
	Uic               int            `json:"Uic"`
	AssetType         string         `json:"AssetType"`
	BuySell           string         `json:"BuySell"`
	OrderType         string         `json:"OrderType"`
	Amount            int            `json:"Amount"`
	OrderPrice        *float64       `json:"OrderPrice,omitempty"`
	OrderDuration     OrderDuration  `json:"OrderDuration"`
	ManualOrder       bool           `json:"ManualOrder"`
	ExternalReference string         `json:"ExternalReference,omitempty"`
	Orders            []OrderRequest `json:"Orders,omitempty"`
}

// OrderResponse 为下单结果，Raw 保留券商原始响应。
type OrderResponse struct {
	OrderID      string          `json:"order_id"`
	RelatedOrder []string        `json:"related_orders,omitempty"`
	Raw          json.RawMessage `json:"raw"`
}

// ListAccounts 返回当前用户的全部账户。
func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	body, err := c.caller.Call(ctx, http.MethodGet, "/port/v1/accounts/me", nil, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Data []Account `json:"Data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("broker: 解析账户列表失败: %w", err)
	}
	return payload.Data, nil
}

// SearchInstruments 按关键字检索标的，assetTypes 为逗号分隔的资产类型。
func (c *Client) SearchInstruments(ctx context.Context, keywords, assetTypes string) ([]InstrumentHit, error) {
	query := map[string]string{"Keywords": keywords}
	if assetTypes != "" {
		query["AssetTypes"] = assetTypes
	}
	body, err := c.caller.Call(ctx, http.MethodGet, "/ref/v1/instruments", query, nil)
	if err != nil {
		return nil, err
	}

	data := gjson.GetBytes(body, "Data")
	hits := make([]InstrumentHit, 0, len(data.Array()))
	for _, item := range data.Array() {
		uic := item.Get("Identifier")
		if !uic.Exists() {
			continue
		}
		hits = append(hits, InstrumentHit{
			Uic:         int(uic.Int()),
			AssetType:   item.Get("AssetType").String(),
			Symbol:      item.Get("Symbol").String(),
			Description: item.Get("Description").String(),
			ExchangeID:  item.Get("ExchangeId").String(),
		})
	}
	return hits, nil
}

// InstrumentDetails 返回标的详情原文，字段形态由调用方解析。
func (c *Client) InstrumentDetails(ctx context.Context, uic int, assetType string) (gjson.Result, error) {
	path := fmt.Sprintf("/ref/v1/instruments/details/%d/%s", uic, assetType)
	body, err := c.caller.Call(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(body), nil
}

// OptionSpace 返回期权根在指定到期日附近的合约空间原文；expiry 为空时返回全部到期日。
func (c *Client) OptionSpace(ctx context.Context, rootID int, expiry string) (gjson.Result, error) {
	path := "/ref/v1/instruments/contractoptionspaces/" + strconv.Itoa(rootID)
	query := map[string]string{"OptionSpaceSegment": "AllDates"}
	if expiry != "" {
		query = map[string]string{"OptionSpaceSegment": "SpecificDates", "ExpiryDates": expiry}
	}
	body, err := c.caller.Call(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(body), nil
}

// InfoPrice 获取合约的买卖报价，缺失的一侧为 nil。
func (c *Client) InfoPrice(ctx context.Context, uic int, assetType string, amount int) (risk.Quote, error) {
	if amount <= 0 {
		amount = 1
	}
	query := map[string]string{
		"Uic":         strconv.Itoa(uic),
		"AssetType":   assetType,
		"Amount":      strconv.Itoa(amount),
		"FieldGroups": "Quote",
	}
	body, err := c.caller.Call(ctx, http.MethodGet, "/trade/v1/infoprices", query, nil)
	if err != nil {
		return risk.Quote{}, err
	}
	if !gjson.ValidBytes(body) {
		return risk.Quote{}, fmt.Errorf("broker: 报价响应不是合法 JSON")
	}

	quote := gjson.GetBytes(body, "Quote")
	return risk.Quote{
		Bid: optionalFloat(quote.Get("Bid")),
		Ask: optionalFloat(quote.Get("Ask")),
	}, nil
}

// PlaceOrder 提交订单。
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	body, err := c.caller.Call(ctx, http.MethodPost, "/trade/v2/orders", nil, req)
	if err != nil {
		return OrderResponse{}, err
	}

	resp := OrderResponse{
		OrderID: gjson.GetBytes(body, "OrderId").String(),
		Raw:     json.RawMessage(body),
	}
	for _, related := range gjson.GetBytes(body, "Orders.#.OrderId").Array() {
		resp.RelatedOrder = append(resp.RelatedOrder, related.String())
	}
	if len(body) == 0 || !gjson.ValidBytes(body) {
		resp.Raw = json.RawMessage("null")
	}
	return resp, nil
}

func optionalFloat(v gjson.Result) *float64 {
	if v.Type != gjson.Number {
		return nil
	}
	f := v.Float()
	return &f
}
