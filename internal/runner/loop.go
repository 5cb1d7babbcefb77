package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/tradeforge/internal/enginerr"
	"github.com/tradeforge/tradeforge/internal/exchange"
	"github.com/tradeforge/tradeforge/internal/execution"
	"github.com/tradeforge/tradeforge/internal/risk"
	"github.com/tradeforge/tradeforge/pkg/models"
)

// runLoop is one strategy's trading cycle: reconcile against the
// exchange, evaluate the signal, gate through risk, execute, record the
// fill and run post-trade limits. Transient exchange errors and failed
// reconcile passes skip the iteration; anything else ends the loop so
// the sweeper flags the strategy as errored.
func (r *Runner) runLoop(ctx context.Context, e *entry) {
	defer close(e.done)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("strategy loop panicked",
				zap.String("strategy_id", e.strategy.ID.String()),
				zap.Any("panic", rec))
		}
	}()

	ticker := time.NewTicker(r.cfg.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := r.iterate(ctx, e); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			var rf *enginerr.ReconciliationFailure
			if enginerr.IsTransient(err) || errors.As(err, &rf) {
				r.logger.Warn("skipping iteration",
					zap.String("strategy_id", e.strategy.ID.String()),
					zap.Error(err))
				continue
			}
			r.logger.Error("strategy loop failed",
				zap.String("strategy_id", e.strategy.ID.String()),
				zap.Error(err))
			return
		}
	}
}

func (r *Runner) iterate(ctx context.Context, e *entry) error {
	e.mu.Lock()
	if err := r.rec.ReconcilePosition(ctx, e.strategy); err != nil {
		e.mu.Unlock()
		return err
	}
	// Evaluation runs outside the lock against a snapshot; a concurrent
	// pause may mutate the entry while indicators are being computed.
	snap := *e.strategy
	e.mu.Unlock()

	signal, err := r.evaluator.Evaluate(ctx, &snap, r.client)
	if err != nil {
		return fmt.Errorf("signal evaluation failed: %w", err)
	}
	if signal == nil || signal.Action == models.SignalActionHold {
		return nil
	}

	switch signal.Action {
	case models.SignalActionClose:
		return r.handleClose(ctx, e, signal)
	case models.SignalActionBuy, models.SignalActionSell:
		return r.handleEntry(ctx, e, signal)
	default:
		return nil
	}
}

func (r *Runner) handleClose(ctx context.Context, e *entry, signal *models.Signal) error {
	e.mu.Lock()
	flat := e.strategy.PositionSize.IsZero()
	account := e.strategy.Account
	e.mu.Unlock()
	if flat {
		return nil
	}
	reason := signal.ExitReason
	if reason == "" {
		reason = models.ExitReasonSignalReversal
	}
	// Orders in flight survive the loop's cancellation; a Stop call never
	// interrupts a half-submitted close.
	opCtx := context.WithoutCancel(ctx)
	if err := r.closePosition(opCtx, e, reason); err != nil {
		return err
	}
	// Exits are the fills that realize losses, so the loss limits run
	// here too, not just after entries.
	return r.riskEng.CheckPostTradeLimits(opCtx, account)
}

func (r *Runner) handleEntry(ctx context.Context, e *entry, signal *models.Signal) error {
	side := models.OrderSideBuy
	posSide := models.PositionSideLong
	if signal.Action == models.SignalActionSell {
		side = models.OrderSideSell
		posSide = models.PositionSideShort
	}

	e.mu.Lock()
	strat := *e.strategy
	e.mu.Unlock()

	// Already positioned this way: nothing to do. Opposite way: reverse by
	// closing first, the new entry happens on a later iteration once the
	// books agree the position is flat.
	if strat.PositionSize.IsPositive() {
		if strat.PositionSide == posSide {
			return nil
		}
		return r.handleClose(ctx, e, &models.Signal{
			Action:     models.SignalActionClose,
			ExitReason: models.ExitReasonSignalReversal,
		})
	}

	balance, err := r.client.GetAccountBalance(ctx)
	if err != nil {
		return err
	}
	qty, err := orderQuantity(&strat, signal, balance)
	if err != nil {
		r.logger.Warn("cannot size order",
			zap.String("strategy_id", strat.ID.String()),
			zap.Error(err))
		return nil
	}

	decision, err := r.riskEng.CheckOrderAllowed(ctx, &strat, risk.Intent{
		Side:     side,
		Quantity: qty,
		Price:    signal.Price,
	})
	if err != nil {
		return err
	}
	if !decision.Allowed {
		r.logger.Info("order blocked by risk engine",
			zap.String("strategy_id", strat.ID.String()),
			zap.String("limit", decision.LimitType),
			zap.String("reason", decision.Reason))
		return nil
	}
	if decision.Reduced {
		r.logger.Info("order size reduced by risk engine",
			zap.String("strategy_id", strat.ID.String()),
			zap.String("requested", qty.String()),
			zap.String("approved", decision.Quantity.String()))
		qty = decision.Quantity
	}

	orderCtx := context.WithoutCancel(ctx)
	result, err := r.exec.Execute(orderCtx, strat.ID, execution.Request{
		Symbol:   strat.Symbol,
		Side:     side,
		Quantity: qty,
		Price:    signal.Price,
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	_, _, err = r.rec.RecordFill(orderCtx, e.strategy, result.Order, "")
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if result.Outcome == execution.OutcomeExecuted {
		r.placeProtectiveOrders(orderCtx, &strat, signal, posSide, result.Order.ExecutedQty)
	}

	// orderCtx: a post-trade breach cancels this very loop mid-check and
	// the enforcement actions still have to finish.
	return r.riskEng.CheckPostTradeLimits(orderCtx, strat.Account)
}

// placeProtectiveOrders rests the signal's stop-loss and take-profit on
// the exchange as reduce-only triggers. Failures are logged, not fatal:
// the loop re-evaluates exits every iteration regardless.
func (r *Runner) placeProtectiveOrders(ctx context.Context, strat *models.Strategy, signal *models.Signal, posSide models.PositionSide, qty decimal.Decimal) {
	closeSide := models.OrderSideSell
	if posSide == models.PositionSideShort {
		closeSide = models.OrderSideBuy
	}

	place := func(typ exchange.OrderType, trigger decimal.Decimal) {
		if !trigger.IsPositive() {
			return
		}
		_, err := r.client.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:     strat.Symbol,
			Side:       closeSide,
			Type:       typ,
			Quantity:   qty,
			StopPrice:  trigger,
			ReduceOnly: true,
		})
		if err != nil {
			r.logger.Warn("failed to place protective order",
				zap.String("strategy_id", strat.ID.String()),
				zap.String("type", string(typ)),
				zap.Error(err))
		}
	}

	place(exchange.OrderTypeStopMarket, signal.StopLoss)
	place(exchange.OrderTypeTakeProfitMkt, signal.TakeProfit)
}
