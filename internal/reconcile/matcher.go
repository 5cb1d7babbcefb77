package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/tradeforge/pkg/models"
)

// MatchCompletedTrades pairs an exit fill against the oldest unmatched
// entry fills of the same (strategy, instance), FIFO, emitting one
// completed trade per (entry, matched quantity) pair. Fees from both fills
// are apportioned to each trade by the fraction of the fill quantity it
// consumes.
//
// Idempotent: quantity already attributed to this exit fill (found via the
// exit-fill lookup) is skipped, so re-invoking after a partial failure or
// a replayed fill never duplicates trades.
func (r *Reconciler) MatchCompletedTrades(ctx context.Context, exitFill *models.Fill) ([]models.CompletedTrade, error) {
	existing, err := r.store.ListTradesByExitFill(ctx, exitFill.ID)
	if err != nil {
		return nil, err
	}
	matched := decimal.Zero
	for i := range existing {
		matched = matched.Add(existing[i].Quantity)
	}
	remaining := exitFill.ExecutedQty.Sub(matched)
	if !remaining.IsPositive() {
		r.logger.Debug("exit fill already fully matched",
			zap.String("fill_id", exitFill.ID.String()))
		return nil, nil
	}

	entries, err := r.store.ListUnmatchedEntryFills(ctx, exitFill.StrategyID, exitFill.PositionInstanceID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		r.logger.Warn("exit fill has no unmatched entries",
			zap.String("fill_id", exitFill.ID.String()),
			zap.String("instance_id", exitFill.PositionInstanceID.String()))
		return nil, nil
	}

	direction := models.PositionSideShort
	if entries[0].Side == models.OrderSideBuy {
		direction = models.PositionSideLong
	}

	var trades []models.CompletedTrade
	var links []models.TradeFill
	var consumed []*models.Fill

	for i := range entries {
		if !remaining.IsPositive() {
			break
		}
		entry := &entries[i]
		available := entry.ExecutedQty.Sub(entry.MatchedQty)
		if !available.IsPositive() {
			continue
		}
		take := decimal.Min(available, remaining)

		pnl := exitFill.AvgPrice.Sub(entry.AvgPrice).Mul(take)
		if direction == models.PositionSideShort {
			pnl = pnl.Neg()
		}
		fees := apportion(entry.Fee, take, entry.ExecutedQty).
			Add(apportion(exitFill.Fee, take, exitFill.ExecutedQty))

		trade := models.CompletedTrade{
			ID:          uuid.New(),
			StrategyID:  exitFill.StrategyID,
			Account:     exitFill.Account,
			Symbol:      exitFill.Symbol,
			Side:        direction,
			Quantity:    take,
			EntryFillID: entry.ID,
			ExitFillID:  exitFill.ID,
			EntryPrice:  entry.AvgPrice,
			ExitPrice:   exitFill.AvgPrice,
			RealizedPnL: pnl,
			Fees:        fees,
			ExitReason:  exitFill.ExitReason,
			EntryTime:   entry.FilledAt,
			ExitTime:    exitFill.FilledAt,
		}
		trades = append(trades, trade)
		links = append(links,
			models.TradeFill{CompletedTradeID: trade.ID, FillID: entry.ID, Role: "entry"},
			models.TradeFill{CompletedTradeID: trade.ID, FillID: exitFill.ID, Role: "exit"},
		)

		entry.MatchedQty = entry.MatchedQty.Add(take)
		consumed = append(consumed, entry)
		remaining = remaining.Sub(take)
	}

	if len(trades) == 0 {
		return nil, nil
	}

	if err := r.store.SaveCompletedTrades(ctx, trades, links); err != nil {
		return nil, err
	}
	for _, entry := range consumed {
		if err := r.store.UpdateFill(ctx, entry); err != nil {
			return trades, fmt.Errorf("failed to mark entry fill %s matched: %w", entry.ID, err)
		}
	}

	r.logger.Info("matched completed trades",
		zap.String("strategy_id", exitFill.StrategyID.String()),
		zap.Int("trades", len(trades)),
		zap.String("exit_fill_id", exitFill.ID.String()))
	return trades, nil
}

// apportion splits total by part/whole.
func apportion(total, part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return total.Mul(part).Div(whole)
}
