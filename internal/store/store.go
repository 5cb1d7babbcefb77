// Package store persists strategies, fills, completed trades and risk
// configuration, with an optional Redis read-through cache in front of the
// durable database.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/tradeforge/pkg/models"
)

// Store is the durable-store collaborator of the trading core.
//
// Lookups that may legitimately find nothing (GetFillByClientOrderID,
// GetRiskConfig, GetPaperBalance) return (nil, nil) on a miss; only
// GetStrategy treats absence as an error.
type Store interface {
	// Strategies.
	CreateStrategy(ctx context.Context, s *models.Strategy) error
	GetStrategy(ctx context.Context, id uuid.UUID) (*models.Strategy, error)
	ListStrategies(ctx context.Context) ([]models.Strategy, error)
	ListStrategiesByAccount(ctx context.Context, account string) ([]models.Strategy, error)
	UpdateStrategy(ctx context.Context, s *models.Strategy) error

	// Fills. SaveFill is idempotent on (strategy_id, exchange_order_id):
	// inserting a fill that already exists returns the stored row untouched.
	SaveFill(ctx context.Context, f *models.Fill) (*models.Fill, error)
	UpdateFill(ctx context.Context, f *models.Fill) error
	GetFillByClientOrderID(ctx context.Context, strategyID uuid.UUID, clientOrderID string) (*models.Fill, error)
	ListUnmatchedEntryFills(ctx context.Context, strategyID, instanceID uuid.UUID) ([]models.Fill, error)

	// Completed trades, with the junction rows linking contributing fills.
	SaveCompletedTrades(ctx context.Context, trades []models.CompletedTrade, links []models.TradeFill) error
	ListTradesByExitFill(ctx context.Context, exitFillID uuid.UUID) ([]models.CompletedTrade, error)
	ListTradesSince(ctx context.Context, account string, strategyID *uuid.UUID, since time.Time) ([]models.CompletedTrade, error)
	CountTradesSince(ctx context.Context, account string, strategyID *uuid.UUID, since time.Time) (int64, error)

	// Risk configuration and audit events.
	GetRiskConfig(ctx context.Context, account string, strategyID *uuid.UUID) (*models.RiskConfig, error)
	UpsertRiskConfig(ctx context.Context, cfg *models.RiskConfig) error
	SaveRiskEvent(ctx context.Context, ev *models.RiskEvent) error

	// Paper-exchange virtual balance.
	GetPaperBalance(ctx context.Context, account string) (*decimal.Decimal, error)
	SavePaperBalance(ctx context.Context, account string, balance decimal.Decimal) error
}
