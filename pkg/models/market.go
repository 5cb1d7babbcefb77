package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalAction is what a strategy evaluation wants to do next.
type SignalAction string

const (
	SignalActionHold  SignalAction = "hold"
	SignalActionBuy   SignalAction = "buy"
	SignalActionSell  SignalAction = "sell"
	SignalActionClose SignalAction = "close"
)

// Signal is the output of one strategy evaluation cycle.
type Signal struct {
	Action     SignalAction    `json:"action"`
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	ExitReason ExitReason      `json:"exit_reason,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Time       time.Time       `json:"time"`
}

// Candle is one OHLCV kline.
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Position is the exchange's view of one open position.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Leverage      int             `json:"leverage"`
}

// OrderResult is the exchange's response to order placement or a status
// query.
type OrderResult struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Status        OrderStatus     `json:"status"`
	RequestedQty  decimal.Decimal `json:"requested_qty"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Fee           decimal.Decimal `json:"fee"`
	ReduceOnly    bool            `json:"reduce_only"`
	Time          time.Time       `json:"time"`
}
