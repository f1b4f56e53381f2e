// client.go implements the Bitvavo v2 REST client.
//
//   - Markets:      GET    /markets          — tradable market metadata
//   - Book:         GET    /{market}/book     — depth snapshot with nonce
//   - TickerPrice:  GET    /ticker/price      — last trade price
//   - Balance:      GET    /balance           — per-asset available/in-order
//   - PlaceOrder:   POST   /order             — place one order
//   - CancelOrder:  DELETE /order             — cancel by id
//   - GetOrder:     GET    /order             — order status by id
//
// Every request is retried on 5xx, observed into the shared weight Budget,
// and signed with bitvavo-access-* headers when credentials are configured.
// Book reads additionally pass through a token bucket so resync storms do
// not drain the weight budget.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"bitvavo-trader/internal/config"
	"bitvavo-trader/pkg/types"
)

// APIError is a structured Bitvavo error response. The executor inspects
// Message for the amount-precision hint.
type APIError struct {
	Code    int    `json:"errorCode"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bitvavo error %d: %s", e.Code, e.Message)
}

// OrderResponse is the subset of the /order response the pipeline uses.
type OrderResponse struct {
	OrderID           string `json:"orderId"`
	Market            string `json:"market"`
	Side              string `json:"side"`
	OrderType         string `json:"orderType"`
	Status            string `json:"status"`
	Amount            string `json:"amount"`
	AmountQuote       string `json:"amountQuote"`
	Price             string `json:"price"`
	FilledAmount      string `json:"filledAmount"`
	FilledAmountQuote string `json:"filledAmountQuote"`
}

// Balance is one asset row from GET /balance.
type Balance struct {
	Symbol    string `json:"symbol"`
	Available string `json:"available"`
	InOrder   string `json:"inOrder"`
}

// Client is the Bitvavo REST API client. It wraps a resty HTTP client with
// retry, weight-budget tracking, and request signing.
type Client struct {
	http       *resty.Client
	auth       *Auth
	budget     *Budget
	bookBucket *TokenBucket
	operatorID string
	logger     *slog.Logger
}

// NewClient creates a REST client with retry and budget tracking.
func NewClient(cfg config.ExchangeConfig, logger *slog.Logger) *Client {
	budget := NewBudget()
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(cfg.HTTPTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
			budget.Observe(
				r.Header().Get("bitvavo-ratelimit-remaining"),
				r.Header().Get("bitvavo-ratelimit-resetat"),
			)
			return nil
		})

	return &Client{
		http:       httpClient,
		auth:       NewAuth(cfg.APIKey, cfg.APISecret),
		budget:     budget,
		bookBucket: NewTokenBucket(30, 5),
		operatorID: cfg.OperatorID,
		logger:     logger.With("component", "exchange"),
	}
}

// Budget exposes the shared weight tracker so callers can gate on it.
func (c *Client) Budget() *Budget { return c.budget }

// Markets fetches metadata for all trading markets.
func (c *Client) Markets(ctx context.Context) ([]types.Market, error) {
	var raw []struct {
		Market            string `json:"market"`
		Status            string `json:"status"`
		Base              string `json:"base"`
		Quote             string `json:"quote"`
		PricePrecision    int    `json:"pricePrecision"`
		MinOrderBaseAsset string `json:"minOrderInBaseAsset"`
		MinOrderQuote     string `json:"minOrderInQuoteAsset"`
	}
	if err := c.get(ctx, "/markets", nil, &raw); err != nil {
		return nil, err
	}

	out := make([]types.Market, 0, len(raw))
	for _, m := range raw {
		minBase, _ := strconv.ParseFloat(m.MinOrderBaseAsset, 64)
		minQuote, _ := strconv.ParseFloat(m.MinOrderQuote, 64)
		out = append(out, types.Market{
			Market:        m.Market,
			Base:          m.Base,
			Quote:         m.Quote,
			Status:        m.Status,
			PriceDecimals: m.PricePrecision,
			MinOrderBase:  minBase,
			MinOrderQuote: minQuote,
		})
	}
	return out, nil
}

// Book fetches a depth snapshot for one market. The snapshot nonce is the
// resync anchor for the local book.
func (c *Client) Book(ctx context.Context, market string, depth int) (*types.BookSnapshot, error) {
	if err := c.bookBucket.Wait(ctx); err != nil {
		return nil, err
	}
	var snap types.BookSnapshot
	params := url.Values{}
	if depth > 0 {
		params.Set("depth", strconv.Itoa(depth))
	}
	if err := c.get(ctx, "/"+market+"/book", params, &snap); err != nil {
		return nil, err
	}
	snap.Market = market
	return &snap, nil
}

// TickerPrice fetches the last trade price for one market.
func (c *Client) TickerPrice(ctx context.Context, market string) (float64, error) {
	var res struct {
		Market string `json:"market"`
		Price  string `json:"price"`
	}
	params := url.Values{}
	params.Set("market", market)
	if err := c.get(ctx, "/ticker/price", params, &res); err != nil {
		return 0, err
	}
	px, err := strconv.ParseFloat(res.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("ticker price %q: %w", res.Price, err)
	}
	return px, nil
}

// Balances fetches the account balances, optionally filtered to one symbol.
func (c *Client) Balances(ctx context.Context, symbol string) ([]Balance, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var out []Balance
	if err := c.get(ctx, "/balance", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PlaceOrder places one order. Body fields follow the Bitvavo order schema
// (market, side, orderType, amount or amountQuote, price, ...); the
// configured operatorId is injected when present. Callers decide amount
// formatting — the client sends the body verbatim so the signature matches.
func (c *Client) PlaceOrder(ctx context.Context, body map[string]string) (*OrderResponse, error) {
	if c.operatorID != "" {
		if _, ok := body["operatorId"]; !ok {
			body["operatorId"] = c.operatorID
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	var res OrderResponse
	if err := c.do(ctx, "POST", "/order", nil, payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelOrder cancels one order by id.
func (c *Client) CancelOrder(ctx context.Context, market, orderID string) error {
	params := url.Values{}
	params.Set("market", market)
	params.Set("orderId", orderID)
	var res struct {
		OrderID string `json:"orderId"`
	}
	return c.do(ctx, "DELETE", "/order", params, nil, &res)
}

// GetOrder fetches the status of one order.
func (c *Client) GetOrder(ctx context.Context, market, orderID string) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("market", market)
	params.Set("orderId", orderID)
	var res OrderResponse
	if err := c.do(ctx, "GET", "/order", params, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, result any) error {
	return c.do(ctx, "GET", path, params, nil, result)
}

// do issues one request. The signature covers method + /v2 + path + query +
// body, so the query string is baked into the request URL rather than passed
// through resty's query-param machinery.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body []byte, result any) error {
	rel := path
	if len(params) > 0 {
		rel += "?" + params.Encode()
	}

	req := c.http.R().SetContext(ctx).SetResult(result)
	if headers := c.auth.Headers(method, "/v2"+rel, string(body), time.Now()); headers != nil {
		req.SetHeaders(headers)
	}
	if body != nil {
		req.SetBody(json.RawMessage(body))
	}

	resp, err := req.Execute(method, rel)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		var apiErr APIError
		if jsonErr := json.Unmarshal(resp.Body(), &apiErr); jsonErr == nil && apiErr.Message != "" {
			return &apiErr
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
	}
	return nil
}
