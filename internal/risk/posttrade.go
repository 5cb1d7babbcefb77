package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/tradeforge/pkg/models"
)

// CheckPostTradeLimits re-evaluates loss limits and the circuit breaker
// after a fill. Strategy-scope breaches stop only the breaching strategy;
// an account-scope breach pauses every strategy on the account. Failures
// against one strategy are logged and do not abort the rest of the sweep.
func (e *Engine) CheckPostTradeLimits(ctx context.Context, account string) error {
	balance, err := e.balances.GetAccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch balance: %w", err)
	}
	e.mu.Lock()
	if hwm, ok := e.highWater[account]; !ok || balance.GreaterThan(hwm) {
		e.highWater[account] = balance
	}
	e.mu.Unlock()

	strategies, err := e.store.ListStrategiesByAccount(ctx, account)
	if err != nil {
		return err
	}

	// Strategy scopes first, so a single bad strategy is stopped before
	// its losses are blamed on the whole account.
	for i := range strategies {
		strat := &strategies[i]
		if strat.Status != models.StrategyStatusRunning {
			continue
		}
		if err := e.postTradeStrategy(ctx, strat, balance); err != nil {
			e.logger.Error("post-trade strategy check failed",
				zap.String("strategy_id", strat.ID.String()), zap.Error(err))
		}
	}

	return e.postTradeAccount(ctx, account, balance)
}

func (e *Engine) postTradeStrategy(ctx context.Context, strat *models.Strategy, balance decimal.Decimal) error {
	cfg, err := e.store.GetRiskConfig(ctx, strat.Account, &strat.ID)
	if err != nil || cfg == nil {
		return err
	}

	breach, limitType, current, limit, trips, err := e.findBreach(ctx, cfg, strat.Account, &strat.ID, balance)
	if err != nil || !breach {
		return err
	}

	if trips {
		e.breaker.Trip(strategyKey(strat.Account, strat.ID.String()), cfg.Cooldown)
	}
	reason := fmt.Sprintf("%s %s reached limit %s (strategy)", limitType, current, limit)
	e.emit(ctx, strat, models.RiskScopeStrategy, limitType, current, limit, models.RiskActionStrategyStopped, reason)
	if e.stop == nil {
		return nil
	}
	return e.stop.StopStrategyForRisk(ctx, strat.ID, reason)
}

func (e *Engine) postTradeAccount(ctx context.Context, account string, balance decimal.Decimal) error {
	cfg, err := e.store.GetRiskConfig(ctx, account, nil)
	if err != nil || cfg == nil {
		return err
	}

	breach, limitType, current, limit, trips, err := e.findBreach(ctx, cfg, account, nil, balance)
	if err != nil || !breach {
		return err
	}

	if trips {
		e.breaker.Trip(accountKey(account), cfg.Cooldown)
	}
	reason := fmt.Sprintf("%s %s reached limit %s", limitType, current, limit)
	e.emit(ctx, &models.Strategy{Account: account}, models.RiskScopeAccount, limitType, current, limit, models.RiskActionAccountPaused, reason)
	if e.stop == nil {
		return nil
	}
	return e.stop.PauseAccount(ctx, account, reason)
}

// findBreach evaluates the post-trade limit set in fixed order and returns
// the first breach: daily loss, weekly loss, drawdown, consecutive-loss
// breaker, rapid-loss breaker. trips reports whether the breach starts a
// circuit-breaker cooldown.
func (e *Engine) findBreach(ctx context.Context, cfg *models.RiskConfig, account string, strategyID *uuid.UUID, balance decimal.Decimal) (breach bool, limitType string, current, limit decimal.Decimal, trips bool, err error) {
	now := e.now()

	if dailyLimit := usdLimit(cfg.MaxDailyLossUSD, cfg.MaxDailyLossPct, balance); dailyLimit.IsPositive() {
		loss, lerr := e.realizedLoss(ctx, account, strategyID, midnightUTC(now))
		if lerr != nil {
			return false, "", decimal.Zero, decimal.Zero, false, lerr
		}
		if loss.GreaterThanOrEqual(dailyLimit) {
			return true, "daily_loss", loss, dailyLimit, false, nil
		}
	}

	if cfg.MaxWeeklyLossUSD.IsPositive() {
		loss, lerr := e.realizedLoss(ctx, account, strategyID, weekStartUTC(now))
		if lerr != nil {
			return false, "", decimal.Zero, decimal.Zero, false, lerr
		}
		if loss.GreaterThanOrEqual(cfg.MaxWeeklyLossUSD) {
			return true, "weekly_loss", loss, cfg.MaxWeeklyLossUSD, false, nil
		}
	}

	if strategyID == nil && cfg.MaxDrawdownPct.IsPositive() {
		if dd := e.drawdownPct(account, balance); dd.GreaterThanOrEqual(cfg.MaxDrawdownPct) {
			return true, "drawdown", dd, cfg.MaxDrawdownPct, false, nil
		}
	}

	if cfg.ConsecutiveLossLimit > 0 && cfg.ConsecutiveLossWindow > 0 {
		n, lerr := e.consecutiveLosses(ctx, account, strategyID, now.Add(-cfg.ConsecutiveLossWindow))
		if lerr != nil {
			return false, "", decimal.Zero, decimal.Zero, false, lerr
		}
		if n >= cfg.ConsecutiveLossLimit {
			return true, "consecutive_losses", decimal.NewFromInt(int64(n)),
				decimal.NewFromInt(int64(cfg.ConsecutiveLossLimit)), true, nil
		}
	}

	if cfg.RapidLossPct.IsPositive() && cfg.RapidLossWindow > 0 {
		loss, lerr := e.realizedLoss(ctx, account, strategyID, now.Add(-cfg.RapidLossWindow))
		if lerr != nil {
			return false, "", decimal.Zero, decimal.Zero, false, lerr
		}
		rapidLimit := balance.Mul(cfg.RapidLossPct).Div(hundred)
		if rapidLimit.IsPositive() && loss.GreaterThanOrEqual(rapidLimit) {
			return true, "rapid_loss", loss, rapidLimit, true, nil
		}
	}

	return false, "", decimal.Zero, decimal.Zero, false, nil
}

// consecutiveLosses counts the trailing run of losing trades inside the
// window.
func (e *Engine) consecutiveLosses(ctx context.Context, account string, strategyID *uuid.UUID, since time.Time) (int, error) {
	trades, err := e.store.ListTradesSince(ctx, account, strategyID, since)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := len(trades) - 1; i >= 0; i-- {
		net := trades[i].RealizedPnL.Sub(trades[i].Fees)
		if !net.IsNegative() {
			break
		}
		n++
	}
	return n, nil
}
