package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradeforge/tradeforge/internal/config"
	"github.com/tradeforge/tradeforge/internal/database"
	"github.com/tradeforge/tradeforge/pkg/models"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return NewGormStore(db, zap.NewNop())
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedStrategy(t *testing.T, s *GormStore) *models.Strategy {
	t.Helper()
	strat := &models.Strategy{
		Account:  "acct",
		Symbol:   "BTCUSDT",
		Name:     "test",
		Leverage: 5,
		Status:   models.StrategyStatusStopped,
	}
	require.NoError(t, s.CreateStrategy(context.Background(), strat))
	return strat
}

func entryFill(strat *models.Strategy, instance uuid.UUID, orderID, qty, price string, at time.Time) *models.Fill {
	return &models.Fill{
		StrategyID:         strat.ID,
		Account:            strat.Account,
		Symbol:             strat.Symbol,
		ExchangeOrderID:    orderID,
		ClientOrderID:      "tf-" + orderID,
		Side:               models.OrderSideBuy,
		RequestedQty:       dec(qty),
		ExecutedQty:        dec(qty),
		AvgPrice:           dec(price),
		Status:             models.OrderStatusFilled,
		PositionInstanceID: instance,
		FilledAt:           at,
	}
}

func TestStrategyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	strat := seedStrategy(t, s)

	got, err := s.GetStrategy(ctx, strat.ID)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, models.StrategyStatusStopped, got.Status)

	got.Status = models.StrategyStatusRunning
	got.PositionSize = dec("0.05")
	got.PositionSide = models.PositionSideLong
	require.NoError(t, s.UpdateStrategy(ctx, got))

	again, err := s.GetStrategy(ctx, strat.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyStatusRunning, again.Status)
	assert.True(t, again.PositionSize.Equal(dec("0.05")))
}

func TestSaveFillIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	strat := seedStrategy(t, s)
	instance := uuid.New()

	first, err := s.SaveFill(ctx, entryFill(strat, instance, "order-1", "0.05", "50000", time.Now()))
	require.NoError(t, err)

	replay := entryFill(strat, instance, "order-1", "0.05", "50000", time.Now())
	second, err := s.SaveFill(ctx, replay)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "replayed insert returns the stored row")

	byClient, err := s.GetFillByClientOrderID(ctx, strat.ID, "tf-order-1")
	require.NoError(t, err)
	require.NotNil(t, byClient)
	assert.Equal(t, first.ID, byClient.ID)
}

func TestGetFillByClientOrderIDMiss(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetFillByClientOrderID(context.Background(), uuid.New(), "tf-nothing")
	require.NoError(t, err)
	assert.Nil(t, got, "a miss is (nil, nil), not an error")
}

func TestListUnmatchedEntryFillsFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	strat := seedStrategy(t, s)
	instance := uuid.New()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	// Inserted newest first to prove ordering comes from filled_at.
	_, err := s.SaveFill(ctx, entryFill(strat, instance, "order-2", "0.05", "51000", base.Add(time.Minute)))
	require.NoError(t, err)
	_, err = s.SaveFill(ctx, entryFill(strat, instance, "order-1", "0.05", "50000", base))
	require.NoError(t, err)

	// Fully matched entries and exit fills must not appear.
	matched := entryFill(strat, instance, "order-3", "0.01", "50500", base.Add(2*time.Minute))
	matched.MatchedQty = dec("0.01")
	_, err = s.SaveFill(ctx, matched)
	require.NoError(t, err)
	exit := entryFill(strat, instance, "order-4", "0.02", "52000", base.Add(3*time.Minute))
	exit.Side = models.OrderSideSell
	exit.ExitReason = models.ExitReasonTakeProfit
	_, err = s.SaveFill(ctx, exit)
	require.NoError(t, err)

	fills, err := s.ListUnmatchedEntryFills(ctx, strat.ID, instance)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "order-1", fills[0].ExchangeOrderID, "oldest first")
	assert.Equal(t, "order-2", fills[1].ExchangeOrderID)
}

func TestTradeQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	strat := seedStrategy(t, s)
	entryID, exitID := uuid.New(), uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	trades := []models.CompletedTrade{
		{
			ID: uuid.New(), StrategyID: strat.ID, Account: strat.Account, Symbol: strat.Symbol,
			Side: models.PositionSideLong, Quantity: dec("0.05"),
			EntryFillID: entryID, ExitFillID: exitID,
			EntryPrice: dec("50000"), ExitPrice: dec("52000"),
			RealizedPnL: dec("100"), Fees: dec("2"),
			EntryTime: now.Add(-time.Hour), ExitTime: now,
		},
	}
	links := []models.TradeFill{
		{CompletedTradeID: trades[0].ID, FillID: entryID, Role: "entry"},
		{CompletedTradeID: trades[0].ID, FillID: exitID, Role: "exit"},
	}
	require.NoError(t, s.SaveCompletedTrades(ctx, trades, links))

	byExit, err := s.ListTradesByExitFill(ctx, exitID)
	require.NoError(t, err)
	require.Len(t, byExit, 1)
	assert.True(t, byExit[0].Quantity.Equal(dec("0.05")))

	since, err := s.ListTradesSince(ctx, strat.Account, &strat.ID, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, since, 1)

	none, err := s.ListTradesSince(ctx, strat.Account, &strat.ID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, none)

	count, err := s.CountTradesSince(ctx, strat.Account, nil, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestRiskConfigScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	strategyID := uuid.New()

	require.NoError(t, s.UpsertRiskConfig(ctx, &models.RiskConfig{
		Account: "acct", MaxDailyLossUSD: dec("500"),
	}))
	require.NoError(t, s.UpsertRiskConfig(ctx, &models.RiskConfig{
		Account: "acct", StrategyID: &strategyID, MaxDailyLossUSD: dec("100"),
	}))

	acct, err := s.GetRiskConfig(ctx, "acct", nil)
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.True(t, acct.MaxDailyLossUSD.Equal(dec("500")))

	strat, err := s.GetRiskConfig(ctx, "acct", &strategyID)
	require.NoError(t, err)
	require.NotNil(t, strat)
	assert.True(t, strat.MaxDailyLossUSD.Equal(dec("100")))

	missing, err := s.GetRiskConfig(ctx, "other", nil)
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Upsert replaces rather than duplicating.
	require.NoError(t, s.UpsertRiskConfig(ctx, &models.RiskConfig{
		Account: "acct", MaxDailyLossUSD: dec("750"),
	}))
	acct, err = s.GetRiskConfig(ctx, "acct", nil)
	require.NoError(t, err)
	assert.True(t, acct.MaxDailyLossUSD.Equal(dec("750")))
}

func TestPaperBalanceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	missing, err := s.GetPaperBalance(ctx, "paper")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.SavePaperBalance(ctx, "paper", dec("10000")))
	require.NoError(t, s.SavePaperBalance(ctx, "paper", dec("9950.5")))

	got, err := s.GetPaperBalance(ctx, "paper")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equal(dec("9950.5")))
}
