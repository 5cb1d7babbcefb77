// Package models defines the domain and persistence models shared across
// the trading engine: strategies, fills, completed trades and risk
// configuration. All monetary values use shopspring/decimal.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StrategyStatus is the lifecycle state of a registered strategy.
type StrategyStatus string

const (
	StrategyStatusStopped       StrategyStatus = "stopped"
	StrategyStatusRunning       StrategyStatus = "running"
	StrategyStatusError         StrategyStatus = "error"
	StrategyStatusStoppedByRisk StrategyStatus = "stopped_by_risk"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
	// PositionSideNone means flat.
	PositionSideNone PositionSide = ""
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus mirrors the exchange order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status is final on the exchange.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// ExitReason records why a position-reducing fill happened.
type ExitReason string

const (
	ExitReasonNone           ExitReason = ""
	ExitReasonTakeProfit     ExitReason = "take_profit"
	ExitReasonStopLoss       ExitReason = "stop_loss"
	ExitReasonSignalReversal ExitReason = "signal_reversal"
	ExitReasonManual         ExitReason = "manual"
	ExitReasonRiskStop       ExitReason = "risk_stop"
)

// Strategy is a registered trading strategy instance, scoped to one
// account+symbol pair. At most one strategy per (account, symbol) may be
// running at a time.
type Strategy struct {
	ID      uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	Account string    `gorm:"type:varchar(64);not null;index:idx_strategy_account" json:"account"`
	Symbol  string    `gorm:"type:varchar(20);not null" json:"symbol"`
	Name    string    `gorm:"type:varchar(64);not null" json:"name"`

	// Sizing configuration. Either RiskPerTradePct (percentage of account
	// balance risked between entry and stop) or FixedNotionalUSD is used;
	// FixedNotionalUSD wins when both are set.
	Leverage         int             `gorm:"not null" json:"leverage"`
	RiskPerTradePct  decimal.Decimal `gorm:"type:decimal(10,4)" json:"risk_per_trade_pct"`
	FixedNotionalUSD decimal.Decimal `gorm:"type:decimal(20,8)" json:"fixed_notional_usd"`
	Params           string          `gorm:"type:text" json:"params"`

	Status StrategyStatus `gorm:"type:varchar(20);not null;default:'stopped'" json:"status"`

	// Last known position state, reconciled against the exchange.
	PositionSize decimal.Decimal `gorm:"type:decimal(20,8)" json:"position_size"`
	PositionSide PositionSide    `gorm:"type:varchar(8)" json:"position_side"`
	EntryPrice   decimal.Decimal `gorm:"type:decimal(20,8)" json:"entry_price"`

	// PositionInstanceID correlates every fill belonging to one open
	// position lifetime. Nil while flat.
	PositionInstanceID *uuid.UUID `gorm:"type:uuid" json:"position_instance_id,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	CreatedAt time.Time  `gorm:"default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time  `gorm:"default:current_timestamp" json:"updated_at"`
}

// Fill is one executed (or executing) exchange order attributed to a
// strategy. Immutable once FILLED; updated in place while partially filled.
type Fill struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	StrategyID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_fill_strategy_order,priority:1" json:"strategy_id"`
	Account    string    `gorm:"type:varchar(64);not null" json:"account"`
	Symbol     string    `gorm:"type:varchar(20);not null" json:"symbol"`

	ExchangeOrderID string `gorm:"type:varchar(64);not null;uniqueIndex:idx_fill_strategy_order,priority:2" json:"exchange_order_id"`
	ClientOrderID   string `gorm:"type:varchar(64);index:idx_fill_client_order" json:"client_order_id"`

	Side         OrderSide       `gorm:"type:varchar(8);not null" json:"side"`
	RequestedQty decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"requested_qty"`
	ExecutedQty  decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"executed_qty"`
	AvgPrice     decimal.Decimal `gorm:"type:decimal(20,8)" json:"avg_price"`
	Fee          decimal.Decimal `gorm:"type:decimal(20,8)" json:"fee"`
	Status       OrderStatus     `gorm:"type:varchar(20);not null" json:"status"`
	ReduceOnly   bool            `gorm:"not null;default:false" json:"reduce_only"`

	// ExitReason is empty for entry fills.
	ExitReason ExitReason `gorm:"type:varchar(20)" json:"exit_reason"`

	PositionInstanceID uuid.UUID `gorm:"type:uuid;not null;index:idx_fill_instance" json:"position_instance_id"`

	// MatchedQty tracks how much of an entry fill has been consumed by the
	// trade matcher. Always zero for exit fills.
	MatchedQty decimal.Decimal `gorm:"type:decimal(20,8)" json:"matched_qty"`

	FilledAt  time.Time `json:"filled_at"`
	CreatedAt time.Time `gorm:"default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:current_timestamp" json:"updated_at"`
}

// IsEntry reports whether this fill opened or increased a position.
func (f *Fill) IsEntry() bool {
	return f.ExitReason == ExitReasonNone && !f.ReduceOnly
}

// CompletedTrade is one matched (entry quantity, exit quantity) pair with
// realized P&L. Created only by the trade matcher, immutable afterward.
type CompletedTrade struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	StrategyID uuid.UUID `gorm:"type:uuid;not null;index:idx_trade_strategy" json:"strategy_id"`
	Account    string    `gorm:"type:varchar(64);not null;index:idx_trade_account" json:"account"`
	Symbol     string    `gorm:"type:varchar(20);not null" json:"symbol"`

	Side     PositionSide    `gorm:"type:varchar(8);not null" json:"side"`
	Quantity decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"quantity"`

	EntryFillID uuid.UUID `gorm:"type:uuid;not null" json:"entry_fill_id"`
	ExitFillID  uuid.UUID `gorm:"type:uuid;not null;index:idx_trade_exit_fill" json:"exit_fill_id"`

	EntryPrice  decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"entry_price"`
	ExitPrice   decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"exit_price"`
	RealizedPnL decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"realized_pnl"`
	Fees        decimal.Decimal `gorm:"type:decimal(20,8)" json:"fees"`
	ExitReason  ExitReason      `gorm:"type:varchar(20)" json:"exit_reason"`

	EntryTime time.Time `json:"entry_time"`
	ExitTime  time.Time `gorm:"index:idx_trade_exit_time" json:"exit_time"`
	CreatedAt time.Time `gorm:"default:current_timestamp" json:"created_at"`
}

// TradeFill links a completed trade to the fills that produced it.
type TradeFill struct {
	CompletedTradeID uuid.UUID `gorm:"type:uuid;primary_key" json:"completed_trade_id"`
	FillID           uuid.UUID `gorm:"type:uuid;primary_key" json:"fill_id"`
	Role             string    `gorm:"type:varchar(8);primary_key" json:"role"` // "entry" or "exit"
}

// PaperBalance persists the simulated exchange's virtual balance so
// sandbox accounts survive restarts.
type PaperBalance struct {
	Account   string          `gorm:"type:varchar(64);primary_key" json:"account"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"balance"`
	UpdatedAt time.Time       `gorm:"default:current_timestamp" json:"updated_at"`
}
