// Package strategy holds the built-in signal evaluators. A strategy row
// names its evaluator and parameters in a JSON params blob; the runner
// only sees the evaluator contract, so external evaluators plug in the
// same way.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/tradeforge/internal/exchange"
	"github.com/tradeforge/tradeforge/pkg/models"
)

// Params is the decoded strategy params blob.
type Params struct {
	Type          string  `json:"type"`
	Interval      string  `json:"interval"`
	FastPeriod    int     `json:"fast_period"`
	SlowPeriod    int     `json:"slow_period"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
}

// ParseParams decodes the blob and fills defaults.
func ParseParams(raw string) (Params, error) {
	p := Params{
		Type:          "sma_cross",
		Interval:      "1m",
		FastPeriod:    9,
		SlowPeriod:    21,
		StopLossPct:   1.0,
		TakeProfitPct: 2.0,
	}
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("invalid strategy params: %w", err)
	}
	if p.FastPeriod <= 0 || p.SlowPeriod <= p.FastPeriod {
		return p, fmt.Errorf("invalid periods: fast=%d slow=%d", p.FastPeriod, p.SlowPeriod)
	}
	return p, nil
}

// Evaluator dispatches evaluation by the params type field.
type Evaluator struct{}

// NewEvaluator creates the built-in evaluator set.
func NewEvaluator() *Evaluator { return &Evaluator{} }

// Evaluate produces the next signal for the strategy, or a hold.
func (ev *Evaluator) Evaluate(ctx context.Context, strat *models.Strategy, client exchange.Client) (*models.Signal, error) {
	p, err := ParseParams(strat.Params)
	if err != nil {
		return nil, err
	}
	switch p.Type {
	case "sma_cross":
		return ev.smaCross(ctx, strat, client, p)
	default:
		return nil, fmt.Errorf("unknown strategy type %q", p.Type)
	}
}

// smaCross signals on fast/slow moving average crossovers. The last
// closed candle decides; the still-forming candle is ignored.
func (ev *Evaluator) smaCross(ctx context.Context, strat *models.Strategy, client exchange.Client, p Params) (*models.Signal, error) {
	need := p.SlowPeriod + 2
	candles, err := client.GetKlines(ctx, strat.Symbol, p.Interval, need)
	if err != nil {
		return nil, err
	}
	if len(candles) < need {
		return hold(strat.Symbol), nil
	}
	closed := candles[:len(candles)-1]

	fastNow := sma(closed, p.FastPeriod, 0)
	slowNow := sma(closed, p.SlowPeriod, 0)
	fastPrev := sma(closed, p.FastPeriod, 1)
	slowPrev := sma(closed, p.SlowPeriod, 1)

	price := closed[len(closed)-1].Close
	crossedUp := fastPrev.LessThanOrEqual(slowPrev) && fastNow.GreaterThan(slowNow)
	crossedDown := fastPrev.GreaterThanOrEqual(slowPrev) && fastNow.LessThan(slowNow)

	switch {
	case crossedUp && strat.PositionSide == models.PositionSideShort,
		crossedDown && strat.PositionSide == models.PositionSideLong:
		return &models.Signal{
			Action:     models.SignalActionClose,
			Symbol:     strat.Symbol,
			Price:      price,
			ExitReason: models.ExitReasonSignalReversal,
			Reason:     "moving average crossover against position",
			Time:       time.Now().UTC(),
		}, nil
	case crossedUp:
		return entrySignal(models.SignalActionBuy, strat.Symbol, price, p), nil
	case crossedDown:
		return entrySignal(models.SignalActionSell, strat.Symbol, price, p), nil
	}
	return hold(strat.Symbol), nil
}

func entrySignal(action models.SignalAction, symbol string, price decimal.Decimal, p Params) *models.Signal {
	slFrac := decimal.NewFromFloat(p.StopLossPct / 100)
	tpFrac := decimal.NewFromFloat(p.TakeProfitPct / 100)
	sl := price.Mul(decimal.NewFromInt(1).Sub(slFrac))
	tp := price.Mul(decimal.NewFromInt(1).Add(tpFrac))
	if action == models.SignalActionSell {
		sl = price.Mul(decimal.NewFromInt(1).Add(slFrac))
		tp = price.Mul(decimal.NewFromInt(1).Sub(tpFrac))
	}
	return &models.Signal{
		Action:     action,
		Symbol:     symbol,
		Price:      price,
		StopLoss:   sl,
		TakeProfit: tp,
		Reason:     "moving average crossover",
		Time:       time.Now().UTC(),
	}
}

func hold(symbol string) *models.Signal {
	return &models.Signal{Action: models.SignalActionHold, Symbol: symbol, Time: time.Now().UTC()}
}

// sma averages the last n closes, skipping `back` candles from the end.
func sma(candles []models.Candle, n, back int) decimal.Decimal {
	end := len(candles) - back
	sum := decimal.Zero
	for _, c := range candles[end-n : end] {
		sum = sum.Add(c.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}
