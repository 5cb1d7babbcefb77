package runner

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/tradeforge/pkg/models"
)

var hundred = decimal.NewFromInt(100)

// orderQuantity sizes an entry. Fixed notional takes precedence;
// otherwise the quantity is the risk budget divided by the stop
// distance. Either way the result is capped at what the balance can
// carry at the strategy's leverage.
func orderQuantity(strat *models.Strategy, signal *models.Signal, balance decimal.Decimal) (decimal.Decimal, error) {
	if !signal.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("signal for %s has no price", strat.Symbol)
	}

	var qty decimal.Decimal
	switch {
	case strat.FixedNotionalUSD.IsPositive():
		qty = strat.FixedNotionalUSD.Div(signal.Price)
	case strat.RiskPerTradePct.IsPositive():
		stopDistance := signal.Price.Sub(signal.StopLoss).Abs()
		if stopDistance.IsZero() {
			return decimal.Zero, fmt.Errorf("risk-based sizing needs a stop loss away from entry")
		}
		riskUSD := balance.Mul(strat.RiskPerTradePct).Div(hundred)
		qty = riskUSD.Div(stopDistance)
	default:
		return decimal.Zero, fmt.Errorf("strategy %s has no sizing rule", strat.ID)
	}

	maxQty := balance.Mul(decimal.NewFromInt(int64(strat.Leverage))).Div(signal.Price)
	if qty.GreaterThan(maxQty) {
		qty = maxQty
	}

	qty = qty.Round(6)
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("computed quantity is zero for %s", strat.Symbol)
	}
	return qty, nil
}
