package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/tradeforge/internal/enginerr"
	"github.com/tradeforge/tradeforge/pkg/models"
)

// LiveClient talks to a Binance-USD-M-futures-style REST API with
// HMAC-SHA256 signed requests.
type LiveClient struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	recvWindow int
	httpClient *http.Client
	logger     *zap.Logger
}

// LiveConfig configures the live client.
type LiveConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	RecvWindow int // milliseconds
	Timeout    time.Duration
}

// NewLiveClient creates a signed REST client.
func NewLiveClient(cfg LiveConfig, logger *zap.Logger) *LiveClient {
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &LiveClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		recvWindow: cfg.RecvWindow,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

var _ Client = (*LiveClient)(nil)

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
}

func (c *LiveClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// do issues one request. Signed requests get timestamp, recvWindow and
// signature appended. Network failures, timeouts, 408/429 and 5xx are
// classified as transient.
func (c *LiveClient) do(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(c.recvWindow))
		params.Set("signature", c.sign(params.Encode()))
	}

	reqURL := c.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return enginerr.NewTransient(path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return enginerr.NewTransient(path, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			if isTransientStatus(resp.StatusCode) {
				return enginerr.NewTransient(path, &apiErr)
			}
			return &apiErr
		}
		if isTransientStatus(resp.StatusCode) {
			return enginerr.NewTransient(path, fmt.Errorf("http status %d", resp.StatusCode))
		}
		return fmt.Errorf("exchange request %s failed with status %d: %s", path, resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}

func isTransientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= http.StatusInternalServerError
}

type tickerPayload struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func (c *LiveClient) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var payload tickerPayload
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false, &payload); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(payload.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad price %q for %s: %w", payload.Price, symbol, err)
	}
	return price, nil
}

func (c *LiveClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	// The klines endpoint returns an array of arrays with mixed types.
	var raw [][]interface{}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", params, false, &raw); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		candle, err := parseCandle(k)
		if err != nil {
			return nil, fmt.Errorf("bad kline for %s: %w", symbol, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseCandle(k []interface{}) (models.Candle, error) {
	openTime, ok := k[0].(float64)
	if !ok {
		return models.Candle{}, fmt.Errorf("unexpected open time %v", k[0])
	}
	fields := make([]decimal.Decimal, 5)
	for i := 1; i <= 5; i++ {
		s, ok := k[i].(string)
		if !ok {
			return models.Candle{}, fmt.Errorf("unexpected kline field %v", k[i])
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return models.Candle{}, err
		}
		fields[i-1] = d
	}
	return models.Candle{
		OpenTime: time.UnixMilli(int64(openTime)).UTC(),
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   fields[4],
	}, nil
}

type positionPayload struct {
	Symbol        string `json:"symbol"`
	PositionAmt   string `json:"positionAmt"`
	EntryPrice    string `json:"entryPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealizedPnL string `json:"unRealizedProfit"`
	Leverage      string `json:"leverage"`
}

func (c *LiveClient) GetOpenPosition(ctx context.Context, symbol string) (*models.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var payload []positionPayload
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true, &payload); err != nil {
		return nil, err
	}

	for _, p := range payload {
		if p.Symbol != symbol {
			continue
		}
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil {
			return nil, fmt.Errorf("bad position amount %q: %w", p.PositionAmt, err)
		}
		if amt.IsZero() {
			return nil, nil
		}

		side := models.PositionSideLong
		size := amt
		if amt.IsNegative() {
			side = models.PositionSideShort
			size = amt.Neg()
		}
		entry, _ := decimal.NewFromString(p.EntryPrice)
		mark, _ := decimal.NewFromString(p.MarkPrice)
		upnl, _ := decimal.NewFromString(p.UnrealizedPnL)
		lev, _ := strconv.Atoi(p.Leverage)
		return &models.Position{
			Symbol:        symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    entry,
			MarkPrice:     mark,
			UnrealizedPnL: upnl,
			Leverage:      lev,
		}, nil
	}
	return nil, nil
}

type orderPayload struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

func (p *orderPayload) toResult() (*models.OrderResult, error) {
	origQty, err := decimal.NewFromString(p.OrigQty)
	if err != nil {
		return nil, fmt.Errorf("bad origQty %q: %w", p.OrigQty, err)
	}
	execQty, err := decimal.NewFromString(p.ExecutedQty)
	if err != nil {
		return nil, fmt.Errorf("bad executedQty %q: %w", p.ExecutedQty, err)
	}
	avgPrice := decimal.Zero
	if p.AvgPrice != "" {
		if avgPrice, err = decimal.NewFromString(p.AvgPrice); err != nil {
			return nil, fmt.Errorf("bad avgPrice %q: %w", p.AvgPrice, err)
		}
	}
	return &models.OrderResult{
		OrderID:       strconv.FormatInt(p.OrderID, 10),
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Side:          models.OrderSide(p.Side),
		Status:        models.OrderStatus(p.Status),
		RequestedQty:  origQty,
		ExecutedQty:   execQty,
		AvgPrice:      avgPrice,
		ReduceOnly:    p.ReduceOnly,
		Time:          time.UnixMilli(p.UpdateTime).UTC(),
	}, nil
}

func (c *LiveClient) PlaceOrder(ctx context.Context, req OrderRequest) (*models.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	if req.Type == OrderTypeLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if !req.StopPrice.IsZero() {
		params.Set("stopPrice", req.StopPrice.String())
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	params.Set("newOrderRespType", "RESULT")

	var payload orderPayload
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true, &payload); err != nil {
		return nil, err
	}
	return payload.toResult()
}

func (c *LiveClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	return c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, true, nil)
}

func (c *LiveClient) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	return c.do(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true, nil)
}

func (c *LiveClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (*models.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	var payload orderPayload
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/order", params, true, &payload); err != nil {
		return nil, err
	}
	return payload.toResult()
}

func (c *LiveClient) AdjustLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, nil)
}

type balancePayload struct {
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

func (c *LiveClient) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	var payload []balancePayload
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/balance", nil, true, &payload); err != nil {
		return decimal.Zero, err
	}
	for _, b := range payload {
		if b.Asset == "USDT" {
			bal, err := decimal.NewFromString(b.Balance)
			if err != nil {
				return decimal.Zero, fmt.Errorf("bad balance %q: %w", b.Balance, err)
			}
			return bal, nil
		}
	}
	return decimal.Zero, nil
}
