package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/tradeforge/pkg/models"
)

func sizingSignal(price, stop string) *models.Signal {
	return &models.Signal{
		Action:   models.SignalActionBuy,
		Symbol:   "BTCUSDT",
		Price:    dec(price),
		StopLoss: dec(stop),
	}
}

func TestOrderQuantityFixedNotional(t *testing.T) {
	strat := &models.Strategy{Leverage: 5, FixedNotionalUSD: dec("5000")}

	qty, err := orderQuantity(strat, sizingSignal("50000", "49500"), dec("10000"))
	require.NoError(t, err)
	assert.True(t, qty.Equal(dec("0.1")), "got %s", qty)
}

func TestOrderQuantityRiskBased(t *testing.T) {
	strat := &models.Strategy{Leverage: 5, RiskPerTradePct: dec("1")}

	// 1% of 10000 = 100 USD risked over a 500 USD stop distance.
	qty, err := orderQuantity(strat, sizingSignal("50000", "49500"), dec("10000"))
	require.NoError(t, err)
	assert.True(t, qty.Equal(dec("0.2")), "got %s", qty)
}

func TestOrderQuantityRiskBasedNeedsStop(t *testing.T) {
	strat := &models.Strategy{Leverage: 5, RiskPerTradePct: dec("1")}
	_, err := orderQuantity(strat, sizingSignal("50000", "50000"), dec("10000"))
	assert.Error(t, err)
}

func TestOrderQuantityCappedByLeverage(t *testing.T) {
	// 100 USD balance, 2x leverage: at most 200 USD notional.
	strat := &models.Strategy{Leverage: 2, FixedNotionalUSD: dec("5000")}
	qty, err := orderQuantity(strat, sizingSignal("50000", "49500"), dec("100"))
	require.NoError(t, err)
	assert.True(t, qty.Equal(dec("0.004")), "got %s", qty)
}

func TestOrderQuantityFixedNotionalWins(t *testing.T) {
	strat := &models.Strategy{
		Leverage:         5,
		FixedNotionalUSD: dec("5000"),
		RiskPerTradePct:  dec("1"),
	}
	qty, err := orderQuantity(strat, sizingSignal("50000", "49500"), dec("10000"))
	require.NoError(t, err)
	assert.True(t, qty.Equal(dec("0.1")))
}

func TestOrderQuantityRejectsBadInputs(t *testing.T) {
	strat := &models.Strategy{Leverage: 5}
	_, err := orderQuantity(strat, sizingSignal("50000", "49500"), dec("10000"))
	assert.Error(t, err, "no sizing rule configured")

	strat.FixedNotionalUSD = dec("5000")
	noPrice := sizingSignal("0", "0")
	_, err = orderQuantity(strat, noPrice, dec("10000"))
	assert.Error(t, err)

	_, err = orderQuantity(strat, sizingSignal("50000", "49500"), dec("0"))
	assert.Error(t, err, "zero balance sizes to zero")
}
