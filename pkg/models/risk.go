package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RiskScope distinguishes account-wide limits from per-strategy limits.
type RiskScope string

const (
	RiskScopeAccount  RiskScope = "account"
	RiskScopeStrategy RiskScope = "strategy"
)

// RiskAction is the enforcement action taken on a limit breach.
type RiskAction string

const (
	RiskActionBlocked         RiskAction = "blocked"
	RiskActionReduced         RiskAction = "reduced"
	RiskActionStrategyStopped RiskAction = "strategy_stopped"
	RiskActionAccountPaused   RiskAction = "account_paused"
)

// RiskConfig holds the limit thresholds for one account, or for one
// strategy when StrategyID is set. Zero values mean "no limit".
// Read-mostly; mutated only through explicit configuration updates.
type RiskConfig struct {
	ID         uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	Account    string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_risk_scope,priority:1" json:"account"`
	StrategyID *uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_risk_scope,priority:2" json:"strategy_id,omitempty"`

	MaxExposureUSD decimal.Decimal `gorm:"type:decimal(20,8)" json:"max_exposure_usd"`
	MaxExposurePct decimal.Decimal `gorm:"type:decimal(10,4)" json:"max_exposure_pct"`

	MaxDailyLossUSD  decimal.Decimal `gorm:"type:decimal(20,8)" json:"max_daily_loss_usd"`
	MaxDailyLossPct  decimal.Decimal `gorm:"type:decimal(10,4)" json:"max_daily_loss_pct"`
	MaxWeeklyLossUSD decimal.Decimal `gorm:"type:decimal(20,8)" json:"max_weekly_loss_usd"`
	MaxDrawdownPct   decimal.Decimal `gorm:"type:decimal(10,4)" json:"max_drawdown_pct"`

	MaxTradesPerDay int `gorm:"not null;default:0" json:"max_trades_per_day"`

	// Circuit breaker: trip after ConsecutiveLossLimit losses inside
	// ConsecutiveLossWindow, or when realized losses exceed RapidLossPct of
	// balance inside RapidLossWindow.
	ConsecutiveLossLimit  int             `gorm:"not null;default:0" json:"consecutive_loss_limit"`
	ConsecutiveLossWindow time.Duration   `gorm:"not null;default:0" json:"consecutive_loss_window"`
	RapidLossPct          decimal.Decimal `gorm:"type:decimal(10,4)" json:"rapid_loss_pct"`
	RapidLossWindow       time.Duration   `gorm:"not null;default:0" json:"rapid_loss_window"`
	Cooldown              time.Duration   `gorm:"not null;default:0" json:"cooldown"`

	// AutoReduceOrderSize shrinks orders that would marginally exceed the
	// exposure limit instead of blocking them. Off by default.
	AutoReduceOrderSize bool `gorm:"not null;default:false" json:"auto_reduce_order_size"`

	CreatedAt time.Time `gorm:"default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:current_timestamp" json:"updated_at"`
}

// RiskEvent is the audit record emitted on every block, reduction or
// breach. It is the sole feed downstream alerting consumes.
type RiskEvent struct {
	ID         uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	Account    string     `gorm:"type:varchar(64);not null;index:idx_risk_event_account" json:"account"`
	StrategyID *uuid.UUID `gorm:"type:uuid" json:"strategy_id,omitempty"`

	Scope        RiskScope       `gorm:"type:varchar(16);not null" json:"scope"`
	LimitType    string          `gorm:"type:varchar(32);not null" json:"limit_type"`
	CurrentValue decimal.Decimal `gorm:"type:decimal(20,8)" json:"current_value"`
	LimitValue   decimal.Decimal `gorm:"type:decimal(20,8)" json:"limit_value"`
	Action       RiskAction      `gorm:"type:varchar(24);not null" json:"action"`
	Reason       string          `gorm:"type:varchar(255)" json:"reason"`

	CreatedAt time.Time `gorm:"default:current_timestamp;index:idx_risk_event_time" json:"created_at"`
}
