// Package exchange defines the capability contract of the derivatives
// exchange and its two implementations: a live signed REST client and a
// paper client that simulates fills against real market data.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/tradeforge/pkg/models"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeLimit         OrderType = "LIMIT"
	OrderTypeStopMarket    OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMkt OrderType = "TAKE_PROFIT_MARKET"
)

// OrderRequest carries everything needed to place one order.
type OrderRequest struct {
	Symbol        string
	Side          models.OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // limit price, zero for market orders
	StopPrice     decimal.Decimal // trigger price for stop/take-profit orders
	ReduceOnly    bool
	ClientOrderID string
}

// Client is the capability contract shared by the live and paper
// implementations. Selection happens at configuration time.
type Client interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)

	// GetOpenPosition returns nil when the exchange reports no open
	// position for the symbol.
	GetOpenPosition(ctx context.Context, symbol string) (*models.Position, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (*models.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*models.OrderResult, error)

	AdjustLeverage(ctx context.Context, symbol string, leverage int) error
	GetAccountBalance(ctx context.Context) (decimal.Decimal, error)
}
