package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/tradeforge/pkg/models"
)

var hundred = decimal.NewFromInt(100)

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// weekStartUTC returns Monday 00:00 UTC of t's week.
func weekStartUTC(t time.Time) time.Time {
	day := midnightUTC(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// realizedLoss sums net realized P&L for the scope since the cutoff and
// returns it as a positive loss figure (zero when net positive).
func (e *Engine) realizedLoss(ctx context.Context, account string, strategyID *uuid.UUID, since time.Time) (decimal.Decimal, error) {
	trades, err := e.store.ListTradesSince(ctx, account, strategyID, since)
	if err != nil {
		return decimal.Zero, err
	}
	net := decimal.Zero
	for i := range trades {
		net = net.Add(trades[i].RealizedPnL.Sub(trades[i].Fees))
	}
	if net.IsNegative() {
		return net.Neg(), nil
	}
	return decimal.Zero, nil
}

// scopePass iterates strategy scope before account scope, handing each
// non-nil config to fn; the first decision returned wins.
func (e *Engine) scopePass(cfgs resolved, fn func(cfg *models.RiskConfig, scope models.RiskScope, strategyID *uuid.UUID) (*Decision, error)) (*Decision, error) {
	if cfgs.strategy != nil {
		if d, err := fn(cfgs.strategy, models.RiskScopeStrategy, cfgs.strategy.StrategyID); d != nil || err != nil {
			return d, err
		}
	}
	if cfgs.account != nil {
		if d, err := fn(cfgs.account, models.RiskScopeAccount, nil); d != nil || err != nil {
			return d, err
		}
	}
	return nil, nil
}

// usdLimit combines an absolute USD cap and a percent-of-balance cap into
// the effective limit; zero means unlimited.
func usdLimit(absUSD, pct, balance decimal.Decimal) decimal.Decimal {
	limit := absUSD
	if pct.IsPositive() {
		pctUSD := balance.Mul(pct).Div(hundred)
		if limit.IsZero() || pctUSD.LessThan(limit) {
			limit = pctUSD
		}
	}
	return limit
}

func (e *Engine) checkExposure(ctx context.Context, strat *models.Strategy, intent Intent, cfgs resolved, snap snapshot) (*Decision, error) {
	return e.scopePass(cfgs, func(cfg *models.RiskConfig, scope models.RiskScope, _ *uuid.UUID) (*Decision, error) {
		limit := usdLimit(cfg.MaxExposureUSD, cfg.MaxExposurePct, snap.balance)
		if !limit.IsPositive() {
			return nil, nil
		}
		current := snap.accountExposure
		if scope == models.RiskScopeStrategy {
			current = snap.strategyExposure
		}
		projected := current.Add(snap.orderNotional)
		if projected.LessThanOrEqual(limit) {
			return nil, nil
		}

		if cfg.AutoReduceOrderSize && intent.Price.IsPositive() {
			capacity := limit.Sub(current)
			if capacity.IsPositive() {
				reducedQty := capacity.Div(intent.Price).RoundDown(6)
				if reducedQty.GreaterThanOrEqual(intent.Quantity.Mul(minReduceFraction)) {
					reason := fmt.Sprintf("order size reduced from %s to %s to fit exposure limit %s%s",
						intent.Quantity, reducedQty, limit, scopeSuffix(scope))
					e.emit(ctx, strat, scope, "exposure", projected, limit, models.RiskActionReduced, reason)
					return &Decision{
						Allowed:   true,
						Quantity:  reducedQty,
						Reduced:   true,
						Reason:    reason,
						LimitType: "exposure",
						Scope:     scope,
					}, nil
				}
			}
		}

		d := e.block(ctx, strat, scope, "exposure", projected, limit,
			fmt.Sprintf("exposure %s would exceed limit %s%s", projected, limit, scopeSuffix(scope)))
		return &d, nil
	})
}

func (e *Engine) checkDailyLoss(ctx context.Context, strat *models.Strategy, _ Intent, cfgs resolved, snap snapshot) (*Decision, error) {
	since := midnightUTC(e.now())
	return e.scopePass(cfgs, func(cfg *models.RiskConfig, scope models.RiskScope, strategyID *uuid.UUID) (*Decision, error) {
		limit := usdLimit(cfg.MaxDailyLossUSD, cfg.MaxDailyLossPct, snap.balance)
		if !limit.IsPositive() {
			return nil, nil
		}
		loss, err := e.realizedLoss(ctx, strat.Account, strategyID, since)
		if err != nil {
			return nil, err
		}
		if loss.LessThan(limit) {
			return nil, nil
		}
		d := e.block(ctx, strat, scope, "daily_loss", loss, limit,
			fmt.Sprintf("daily loss %s reached limit %s%s", loss, limit, scopeSuffix(scope)))
		return &d, nil
	})
}

func (e *Engine) checkWeeklyLoss(ctx context.Context, strat *models.Strategy, _ Intent, cfgs resolved, snap snapshot) (*Decision, error) {
	since := weekStartUTC(e.now())
	return e.scopePass(cfgs, func(cfg *models.RiskConfig, scope models.RiskScope, strategyID *uuid.UUID) (*Decision, error) {
		if !cfg.MaxWeeklyLossUSD.IsPositive() {
			return nil, nil
		}
		loss, err := e.realizedLoss(ctx, strat.Account, strategyID, since)
		if err != nil {
			return nil, err
		}
		if loss.LessThan(cfg.MaxWeeklyLossUSD) {
			return nil, nil
		}
		d := e.block(ctx, strat, scope, "weekly_loss", loss, cfg.MaxWeeklyLossUSD,
			fmt.Sprintf("weekly loss %s reached limit %s%s", loss, cfg.MaxWeeklyLossUSD, scopeSuffix(scope)))
		return &d, nil
	})
}

// checkDrawdown measures the fall from the account balance high-water
// mark. Balance is account-wide, so only the account-scope limit applies.
func (e *Engine) checkDrawdown(ctx context.Context, strat *models.Strategy, _ Intent, cfgs resolved, snap snapshot) (*Decision, error) {
	cfg := cfgs.account
	if cfg == nil || !cfg.MaxDrawdownPct.IsPositive() {
		return nil, nil
	}
	dd := e.drawdownPct(strat.Account, snap.balance)
	if dd.LessThan(cfg.MaxDrawdownPct) {
		return nil, nil
	}
	d := e.block(ctx, strat, models.RiskScopeAccount, "drawdown", dd, cfg.MaxDrawdownPct,
		fmt.Sprintf("drawdown %s%% reached limit %s%%", dd.Round(2), cfg.MaxDrawdownPct))
	return &d, nil
}

func (e *Engine) drawdownPct(account string, balance decimal.Decimal) decimal.Decimal {
	e.mu.Lock()
	hwm := e.highWater[account]
	e.mu.Unlock()
	if !hwm.IsPositive() {
		return decimal.Zero
	}
	return hwm.Sub(balance).Div(hwm).Mul(hundred)
}

func (e *Engine) checkTradeFrequency(ctx context.Context, strat *models.Strategy, _ Intent, cfgs resolved, _ snapshot) (*Decision, error) {
	since := midnightUTC(e.now())
	return e.scopePass(cfgs, func(cfg *models.RiskConfig, scope models.RiskScope, strategyID *uuid.UUID) (*Decision, error) {
		if cfg.MaxTradesPerDay <= 0 {
			return nil, nil
		}
		count, err := e.store.CountTradesSince(ctx, strat.Account, strategyID, since)
		if err != nil {
			return nil, err
		}
		if count < int64(cfg.MaxTradesPerDay) {
			return nil, nil
		}
		d := e.block(ctx, strat, scope, "trade_frequency",
			decimal.NewFromInt(count), decimal.NewFromInt(int64(cfg.MaxTradesPerDay)),
			fmt.Sprintf("%d trades today reached cap %d%s", count, cfg.MaxTradesPerDay, scopeSuffix(scope)))
		return &d, nil
	})
}
