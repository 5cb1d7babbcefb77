// Package reconcile keeps the three views of position truth consistent:
// the exchange (authoritative), the durable store, and the in-memory
// strategy record. It also attributes fills to position instances and
// matches exits against entries into completed trades.
package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/tradeforge/internal/enginerr"
	"github.com/tradeforge/tradeforge/internal/exchange"
	"github.com/tradeforge/tradeforge/internal/metrics"
	"github.com/tradeforge/tradeforge/internal/store"
	"github.com/tradeforge/tradeforge/pkg/models"
)

// Position staleness tolerance: the local view is rewritten when it
// differs from the exchange by more than max(absTolerance,
// size*relTolerance). Entry price uses the relative bound alone.
var (
	absTolerance = decimal.New(1, -8) // 1e-8
	relTolerance = decimal.New(5, -3) // 0.5%
)

// Reconciler rewrites stale local position state from exchange truth and
// records fills against position instances.
type Reconciler struct {
	store  store.Store
	client exchange.Client
	logger *zap.Logger
}

// New creates a reconciler.
func New(st store.Store, client exchange.Client, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: st, client: client, logger: logger}
}

// ReconcilePosition compares the exchange's position for the strategy's
// symbol against the strategy record. On disagreement beyond tolerance the
// exchange value overwrites both the durable record and the in-memory
// view; local state is never trusted over the exchange. The instance id is
// retained on close until trade matching has attributed all fills.
func (r *Reconciler) ReconcilePosition(ctx context.Context, strat *models.Strategy) error {
	pos, err := r.client.GetOpenPosition(ctx, strat.Symbol)
	if err != nil {
		return &enginerr.ReconciliationFailure{StrategyID: strat.ID.String(), Err: err}
	}

	if pos == nil {
		if strat.PositionSize.IsZero() && strat.PositionSide == models.PositionSideNone {
			return nil
		}
		r.logger.Info("exchange reports position closed, clearing local state",
			zap.String("strategy_id", strat.ID.String()),
			zap.String("local_size", strat.PositionSize.String()))
		strat.PositionSize = decimal.Zero
		strat.PositionSide = models.PositionSideNone
		strat.EntryPrice = decimal.Zero
		if r.instanceFullyMatched(ctx, strat) {
			strat.PositionInstanceID = nil
		}
		metrics.ReconcileDrift.Inc()
		return r.store.UpdateStrategy(ctx, strat)
	}

	if !r.isStale(strat, pos) {
		return nil
	}

	r.logger.Warn("local position state stale, adopting exchange truth",
		zap.String("strategy_id", strat.ID.String()),
		zap.String("local_size", strat.PositionSize.String()),
		zap.String("exchange_size", pos.Size.String()),
		zap.String("exchange_side", string(pos.Side)))

	strat.PositionSize = pos.Size
	strat.PositionSide = pos.Side
	strat.EntryPrice = pos.EntryPrice
	if strat.PositionInstanceID == nil {
		// A position exists that we have no instance for (e.g. opened
		// before a crash): mint one so future fills correlate.
		id := uuid.New()
		strat.PositionInstanceID = &id
	}
	metrics.ReconcileDrift.Inc()
	return r.store.UpdateStrategy(ctx, strat)
}

func (r *Reconciler) isStale(strat *models.Strategy, pos *models.Position) bool {
	if strat.PositionSide != pos.Side {
		return true
	}
	sizeDiff := strat.PositionSize.Sub(pos.Size).Abs()
	sizeTol := decimal.Max(absTolerance, pos.Size.Mul(relTolerance))
	if sizeDiff.GreaterThan(sizeTol) {
		return true
	}
	if pos.EntryPrice.IsPositive() {
		priceDiff := strat.EntryPrice.Sub(pos.EntryPrice).Abs()
		if priceDiff.GreaterThan(pos.EntryPrice.Mul(relTolerance)) {
			return true
		}
	}
	return false
}

// instanceFullyMatched reports whether every entry fill of the current
// instance has been consumed by the matcher.
func (r *Reconciler) instanceFullyMatched(ctx context.Context, strat *models.Strategy) bool {
	if strat.PositionInstanceID == nil {
		return true
	}
	remaining, err := r.store.ListUnmatchedEntryFills(ctx, strat.ID, *strat.PositionInstanceID)
	if err != nil {
		r.logger.Warn("failed to check unmatched entries, keeping instance id",
			zap.String("strategy_id", strat.ID.String()), zap.Error(err))
		return false
	}
	return len(remaining) == 0
}

// RecordFill persists an executed order as a fill, assigns it to a
// position instance, updates the strategy's position view, and matches
// completed trades when the fill reduced the position. Returns the stored
// fill and any trades the fill completed. Replaying an order that was
// already recorded returns the stored fill and leaves all state untouched.
func (r *Reconciler) RecordFill(ctx context.Context, strat *models.Strategy, order *models.OrderResult, exitReason models.ExitReason) (*models.Fill, []models.CompletedTrade, error) {
	if order.ExecutedQty.LessThanOrEqual(decimal.Zero) {
		return nil, nil, fmt.Errorf("order %s has no executed quantity", order.OrderID)
	}

	isExit := r.fillReducesPosition(strat, order, exitReason)
	instanceID, minted := r.resolveInstance(strat, isExit)

	fill := &models.Fill{
		StrategyID:         strat.ID,
		Account:            strat.Account,
		Symbol:             strat.Symbol,
		ExchangeOrderID:    order.OrderID,
		ClientOrderID:      order.ClientOrderID,
		Side:               order.Side,
		RequestedQty:       order.RequestedQty,
		ExecutedQty:        order.ExecutedQty,
		AvgPrice:           order.AvgPrice,
		Fee:                order.Fee,
		Status:             order.Status,
		ReduceOnly:         order.ReduceOnly,
		ExitReason:         exitReason,
		PositionInstanceID: instanceID,
		FilledAt:           order.Time,
	}
	stored, err := r.store.SaveFill(ctx, fill)
	if err != nil {
		return nil, nil, err
	}
	if stored.ID != fill.ID {
		// SaveFill found the exchange order already persisted: the
		// position view and any completed trades reflect it, so a replay
		// must not mutate anything.
		r.logger.Debug("fill already recorded, leaving position state unchanged",
			zap.String("strategy_id", strat.ID.String()),
			zap.String("exchange_order_id", order.OrderID))
		return stored, nil, nil
	}

	if minted {
		id := instanceID
		strat.PositionInstanceID = &id
		r.logger.Debug("opened new position instance",
			zap.String("strategy_id", strat.ID.String()),
			zap.String("instance_id", id.String()))
	}

	r.applyFillToStrategy(strat, stored, isExit)

	var trades []models.CompletedTrade
	if isExit {
		trades, err = r.MatchCompletedTrades(ctx, stored)
		if err != nil {
			return stored, nil, err
		}
	}

	// Clear the instance only after matching has attributed the fills.
	if strat.PositionSize.IsZero() && r.instanceFullyMatched(ctx, strat) {
		strat.PositionInstanceID = nil
	}

	if err := r.store.UpdateStrategy(ctx, strat); err != nil {
		return stored, trades, err
	}
	return stored, trades, nil
}

// fillReducesPosition decides entry vs exit. An explicit exit reason or
// reduce-only flag marks an exit; otherwise a fill against the direction
// of the current position reduces it.
func (r *Reconciler) fillReducesPosition(strat *models.Strategy, order *models.OrderResult, exitReason models.ExitReason) bool {
	if exitReason != models.ExitReasonNone || order.ReduceOnly {
		return true
	}
	if strat.PositionSide == models.PositionSideNone || strat.PositionSize.IsZero() {
		return false
	}
	if strat.PositionSide == models.PositionSideLong && order.Side == models.OrderSideSell {
		return true
	}
	if strat.PositionSide == models.PositionSideShort && order.Side == models.OrderSideBuy {
		return true
	}
	return false
}

// resolveInstance returns the position instance id the fill belongs to,
// without mutating the strategy; minted reports the id is fresh. An entry
// opens a new lifetime when the strategy is flat or carries no instance at
// all. Stale nonzero sizes are not the fill path's problem: reconciliation
// runs before fills are recorded and rewrites them from exchange truth, so
// an instance carried alongside a nonzero size is trusted here. An exit
// with no tracked instance (orphaned position) is correlated under a fresh
// id rather than dropped.
func (r *Reconciler) resolveInstance(strat *models.Strategy, isExit bool) (uuid.UUID, bool) {
	if strat.PositionInstanceID == nil {
		return uuid.New(), true
	}
	if !isExit && strat.PositionSize.IsZero() {
		return uuid.New(), true
	}
	return *strat.PositionInstanceID, false
}

// applyFillToStrategy folds the fill into the in-memory position view.
func (r *Reconciler) applyFillToStrategy(strat *models.Strategy, fill *models.Fill, isExit bool) {
	if isExit {
		strat.PositionSize = strat.PositionSize.Sub(fill.ExecutedQty)
		if !strat.PositionSize.IsPositive() {
			strat.PositionSize = decimal.Zero
			strat.PositionSide = models.PositionSideNone
			strat.EntryPrice = decimal.Zero
		}
		return
	}

	side := models.PositionSideLong
	if fill.Side == models.OrderSideSell {
		side = models.PositionSideShort
	}
	if strat.PositionSize.IsZero() || strat.PositionSide != side {
		strat.PositionSide = side
		strat.PositionSize = fill.ExecutedQty
		strat.EntryPrice = fill.AvgPrice
		return
	}

	// Adding to an existing position: volume-weighted entry.
	total := strat.PositionSize.Add(fill.ExecutedQty)
	strat.EntryPrice = strat.EntryPrice.Mul(strat.PositionSize).
		Add(fill.AvgPrice.Mul(fill.ExecutedQty)).
		Div(total)
	strat.PositionSize = total
}
