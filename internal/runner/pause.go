package runner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradeforge/tradeforge/internal/execution"
	"github.com/tradeforge/tradeforge/internal/metrics"
	"github.com/tradeforge/tradeforge/pkg/models"
)

type loopCtxKey struct{}

func withLoopStrategy(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, loopCtxKey{}, id)
}

func loopStrategyFrom(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(loopCtxKey{}).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// PauseAccount stops every running strategy on the account, cancels their
// protective orders and closes open positions with reduce-only orders.
// Synchronous by contract: when it returns, no strategy on the account is
// still trading. Per-strategy failures are logged and do not abort the
// rest of the sweep.
//
// Implements risk.StopController.
func (r *Runner) PauseAccount(ctx context.Context, account, reason string) error {
	unlock := r.lockAccount(account)
	defer unlock()

	entries := r.reg.runningOn(account)
	self := loopStrategyFrom(ctx)
	// When a strategy pauses its own account, ctx is the loop context the
	// cancel below kills; the order cancels, closes and persists that
	// follow must survive it.
	opCtx := context.WithoutCancel(ctx)
	var affected []string

	for _, e := range entries {
		e.mu.Lock()
		id := e.strategy.ID
		symbol := e.strategy.Symbol
		size := e.strategy.PositionSize
		side := e.strategy.PositionSide
		if e.cancel != nil {
			e.stopRequested = true
			e.cancel()
		}
		done := e.done
		e.mu.Unlock()

		// Wait for the loop to acknowledge, except for a loop pausing its
		// own account from inside an iteration.
		if id != self && done != nil {
			select {
			case <-done:
			case <-time.After(r.cfg.StopTimeout):
				r.logger.Warn("loop did not stop within timeout during account pause",
					zap.String("strategy_id", id.String()))
			}
		}

		if err := r.client.CancelAllOpenOrders(opCtx, symbol); err != nil {
			r.logger.Error("failed to cancel open orders during account pause",
				zap.String("strategy_id", id.String()),
				zap.String("symbol", symbol), zap.Error(err))
		}

		if size.IsPositive() && side != models.PositionSideNone {
			if err := r.closePosition(opCtx, e, models.ExitReasonRiskStop); err != nil {
				r.logger.Error("failed to close position during account pause",
					zap.String("strategy_id", id.String()),
					zap.String("symbol", symbol), zap.Error(err))
			}
		}

		e.mu.Lock()
		now := time.Now().UTC()
		e.strategy.Status = models.StrategyStatusStoppedByRisk
		e.strategy.StoppedAt = &now
		if err := r.store.UpdateStrategy(opCtx, e.strategy); err != nil {
			r.logger.Error("failed to persist paused strategy",
				zap.String("strategy_id", id.String()), zap.Error(err))
		}
		e.mu.Unlock()

		metrics.StrategiesRunning.Dec()
		affected = append(affected, id.String())
	}

	r.logger.Warn("account paused by risk engine",
		zap.String("account", account),
		zap.String("reason", reason),
		zap.Strings("strategies", affected))
	return nil
}

// closePosition flattens the entry's position with a reduce-only market
// order and records the resulting fill.
func (r *Runner) closePosition(ctx context.Context, e *entry, exitReason models.ExitReason) error {
	e.mu.Lock()
	strat := e.strategy
	side := models.OrderSideSell
	if strat.PositionSide == models.PositionSideShort {
		side = models.OrderSideBuy
	}
	req := execution.Request{
		Symbol:     strat.Symbol,
		Side:       side,
		Quantity:   strat.PositionSize,
		ReduceOnly: true,
		ExitReason: exitReason,
	}
	e.mu.Unlock()

	price, err := r.client.GetPrice(ctx, req.Symbol)
	if err != nil {
		return err
	}
	req.Price = price

	result, err := r.exec.Execute(ctx, strat.ID, req)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, _, err = r.rec.RecordFill(ctx, e.strategy, result.Order, exitReason)
	return err
}
