package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradeforge/tradeforge/internal/config"
	"github.com/tradeforge/tradeforge/internal/database"
	"github.com/tradeforge/tradeforge/internal/enginerr"
	"github.com/tradeforge/tradeforge/internal/exchange"
	"github.com/tradeforge/tradeforge/internal/execution"
	"github.com/tradeforge/tradeforge/internal/reconcile"
	"github.com/tradeforge/tradeforge/internal/risk"
	"github.com/tradeforge/tradeforge/internal/store"
	"github.com/tradeforge/tradeforge/pkg/models"
)

type priceStub struct {
	mu    sync.Mutex
	price decimal.Decimal
}

func (p *priceStub) GetPrice(context.Context, string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price, nil
}

func (p *priceStub) set(price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = price
}
func (p *priceStub) GetKlines(context.Context, string, string, int) ([]models.Candle, error) {
	return nil, nil
}

// scriptEval hands out at most one scripted signal, then holds.
type scriptEval struct {
	mu   sync.Mutex
	next *models.Signal
	err  error
}

func (s *scriptEval) Evaluate(context.Context, *models.Strategy, exchange.Client) (*models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.next == nil {
		return &models.Signal{Action: models.SignalActionHold}, nil
	}
	sig := s.next
	s.next = nil
	return sig, nil
}

func (s *scriptEval) set(sig *models.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = sig
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type env struct {
	runner *Runner
	store  store.Store
	paper  *exchange.PaperClient
	eval   *scriptEval
	market *priceStub
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	logger := zap.NewNop()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	st := store.NewGormStore(db, logger)

	market := &priceStub{price: dec("50000")}
	paper := exchange.NewPaperClient(exchange.PaperConfig{
		Account:        "paper",
		InitialBalance: dec("10000"),
	}, market, nil, logger)

	exec := execution.NewExecutor(paper, st, execution.Config{
		IdempotencyTTL: time.Minute,
		MaxAttempts:    3,
		VerifyAttempts: 3,
		BackoffBase:    time.Millisecond,
	}, logger)

	riskEng := risk.NewEngine(st, paper, logger)
	rec := reconcile.New(st, paper, logger)
	eval := &scriptEval{}

	r := New(st, paper, riskEng, rec, exec, eval, config.RunnerConfig{
		MaxConcurrent: 4,
		SweepInterval: time.Hour,
		LoopInterval:  10 * time.Millisecond,
		StopTimeout:   5 * time.Second,
	}, logger)
	riskEng.SetStopController(r)
	return &env{runner: r, store: st, paper: paper, eval: eval, market: market}
}

func testStrategy(account, symbol string) *models.Strategy {
	return &models.Strategy{
		Account:          account,
		Symbol:           symbol,
		Name:             "test",
		Leverage:         5,
		FixedNotionalUSD: dec("5000"),
	}
}

func TestRegisterValidation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	cases := map[string]*models.Strategy{
		"empty symbol":  {Account: "acct", Leverage: 5, FixedNotionalUSD: dec("100")},
		"empty account": {Symbol: "BTCUSDT", Leverage: 5, FixedNotionalUSD: dec("100")},
		"zero leverage": {Account: "acct", Symbol: "BTCUSDT", FixedNotionalUSD: dec("100")},
		"no sizing":     {Account: "acct", Symbol: "BTCUSDT", Leverage: 5},
	}
	for name, strat := range cases {
		t.Run(name, func(t *testing.T) {
			err := e.runner.Register(ctx, strat)
			var verr *enginerr.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestRegisterPersistsStopped(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	strat := testStrategy("acct", "BTCUSDT")

	require.NoError(t, e.runner.Register(ctx, strat))
	durable, err := e.store.GetStrategy(ctx, strat.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyStatusStopped, durable.Status)
}

func TestStartConflictNamesRunningStrategy(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	first := testStrategy("acct", "BTCUSDT")
	require.NoError(t, e.runner.Register(ctx, first))
	require.NoError(t, e.runner.Start(ctx, first.ID))
	defer e.runner.Stop(ctx, first.ID)

	second := testStrategy("acct", "BTCUSDT")
	err := e.runner.Register(ctx, second)
	var conflict *enginerr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID.String(), conflict.ConflictID)
	assert.Equal(t, "BTCUSDT", conflict.Symbol)
}

func TestSameSymbolDifferentAccountsAllowed(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	first := testStrategy("acct-a", "BTCUSDT")
	require.NoError(t, e.runner.Register(ctx, first))
	require.NoError(t, e.runner.Start(ctx, first.ID))
	defer e.runner.Stop(ctx, first.ID)

	second := testStrategy("acct-b", "BTCUSDT")
	require.NoError(t, e.runner.Register(ctx, second))
	require.NoError(t, e.runner.Start(ctx, second.ID))
	defer e.runner.Stop(ctx, second.ID)
}

func TestConcurrencyCeilingFailsNotQueues(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"}
	for _, sym := range symbols {
		strat := testStrategy("acct", sym)
		require.NoError(t, e.runner.Register(ctx, strat))
		require.NoError(t, e.runner.Start(ctx, strat.ID))
		defer e.runner.Stop(ctx, strat.ID)
	}

	extra := testStrategy("acct", "DOGEUSDT")
	require.NoError(t, e.runner.Register(ctx, extra))
	err := e.runner.Start(ctx, extra.ID)
	assert.ErrorIs(t, err, enginerr.ErrConcurrencyCeiling)
}

func TestStartStopLifecycle(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	strat := testStrategy("acct", "BTCUSDT")

	require.NoError(t, e.runner.Register(ctx, strat))
	require.NoError(t, e.runner.Start(ctx, strat.ID))

	running, err := e.store.GetStrategy(ctx, strat.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyStatusRunning, running.Status)
	assert.NotNil(t, running.StartedAt)

	assert.Error(t, e.runner.Start(ctx, strat.ID), "double start rejected")

	require.NoError(t, e.runner.Stop(ctx, strat.ID))
	stopped, err := e.store.GetStrategy(ctx, strat.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyStatusStopped, stopped.Status)
	assert.NotNil(t, stopped.StoppedAt)

	assert.ErrorIs(t, e.runner.Stop(ctx, strat.ID), enginerr.ErrNotRunning)
}

func TestStopUnknownStrategy(t *testing.T) {
	e := newTestEnv(t)
	err := e.runner.Stop(context.Background(), uuid.New())
	assert.ErrorIs(t, err, enginerr.ErrStrategyNotFound)
}

func TestEntrySignalOpensPosition(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	strat := testStrategy("acct", "BTCUSDT")

	require.NoError(t, e.runner.Register(ctx, strat))
	require.NoError(t, e.runner.Start(ctx, strat.ID))
	defer e.runner.Stop(ctx, strat.ID)

	e.eval.set(&models.Signal{
		Action:     models.SignalActionBuy,
		Symbol:     "BTCUSDT",
		Price:      dec("50000"),
		StopLoss:   dec("49500"),
		TakeProfit: dec("51000"),
		Time:       time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		pos, err := e.paper.GetOpenPosition(ctx, "BTCUSDT")
		return err == nil && pos != nil
	}, 5*time.Second, 10*time.Millisecond, "entry order should reach the exchange")

	pos, err := e.paper.GetOpenPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.PositionSideLong, pos.Side)
	// 5000 USD fixed notional at 50000.
	assert.True(t, pos.Size.Equal(dec("0.1")), "got %s", pos.Size)

	require.Eventually(t, func() bool {
		durable, err := e.store.GetStrategy(ctx, strat.ID)
		return err == nil && durable.PositionSize.Equal(dec("0.1")) &&
			durable.PositionInstanceID != nil
	}, 5*time.Second, 10*time.Millisecond, "fill recorded against a position instance")
}

func TestCloseSignalFlattens(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	strat := testStrategy("acct", "BTCUSDT")

	require.NoError(t, e.runner.Register(ctx, strat))
	require.NoError(t, e.runner.Start(ctx, strat.ID))
	defer e.runner.Stop(ctx, strat.ID)

	e.eval.set(&models.Signal{
		Action: models.SignalActionBuy, Symbol: "BTCUSDT",
		Price: dec("50000"), Time: time.Now().UTC(),
	})
	require.Eventually(t, func() bool {
		durable, _ := e.store.GetStrategy(ctx, strat.ID)
		return durable != nil && durable.PositionSize.IsPositive()
	}, 5*time.Second, 10*time.Millisecond)

	e.eval.set(&models.Signal{
		Action: models.SignalActionClose, Symbol: "BTCUSDT",
		ExitReason: models.ExitReasonSignalReversal, Time: time.Now().UTC(),
	})
	require.Eventually(t, func() bool {
		pos, err := e.paper.GetOpenPosition(ctx, "BTCUSDT")
		return err == nil && pos == nil
	}, 5*time.Second, 10*time.Millisecond, "close signal flattens the exchange position")

	require.Eventually(t, func() bool {
		durable, _ := e.store.GetStrategy(ctx, strat.ID)
		return durable != nil && durable.PositionSize.IsZero()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDeadLoopReclaimedBySweep(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	strat := testStrategy("acct", "BTCUSDT")

	require.NoError(t, e.runner.Register(ctx, strat))
	require.NoError(t, e.runner.Start(ctx, strat.ID))

	// A non-transient evaluation failure kills the loop without a Stop.
	e.eval.mu.Lock()
	e.eval.err = errors.New("indicator state corrupted")
	e.eval.mu.Unlock()

	entry, ok := e.runner.reg.get(strat.ID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return entry.loopDone()
	}, 5*time.Second, 10*time.Millisecond, "loop exits on evaluator failure")

	e.runner.sweep(ctx)

	durable, err := e.store.GetStrategy(ctx, strat.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyStatusError, durable.Status,
		"a crashed loop must not stay marked running")
}

func TestPauseAccountStopsAndFlattens(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	strat := testStrategy("acct", "BTCUSDT")

	require.NoError(t, e.runner.Register(ctx, strat))
	require.NoError(t, e.runner.Start(ctx, strat.ID))

	e.eval.set(&models.Signal{
		Action: models.SignalActionBuy, Symbol: "BTCUSDT",
		Price: dec("50000"), StopLoss: dec("49500"), Time: time.Now().UTC(),
	})
	require.Eventually(t, func() bool {
		durable, _ := e.store.GetStrategy(ctx, strat.ID)
		return durable != nil && durable.PositionSize.IsPositive()
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.runner.PauseAccount(ctx, "acct", "daily loss limit"))

	pos, err := e.paper.GetOpenPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, pos, "pause closes open positions")

	durable, err := e.store.GetStrategy(ctx, strat.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyStatusStoppedByRisk, durable.Status)
}

func TestLossBreachOnExitPausesAccountFromLoop(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	strat := testStrategy("acct", "BTCUSDT")

	require.NoError(t, e.runner.Register(ctx, strat))
	require.NoError(t, e.store.UpsertRiskConfig(ctx, &models.RiskConfig{
		Account:         "acct",
		MaxDailyLossUSD: dec("100"),
	}))
	require.NoError(t, e.runner.Start(ctx, strat.ID))

	e.eval.set(&models.Signal{
		Action: models.SignalActionBuy, Symbol: "BTCUSDT",
		Price: dec("50000"), Time: time.Now().UTC(),
	})
	require.Eventually(t, func() bool {
		durable, _ := e.store.GetStrategy(ctx, strat.ID)
		return durable != nil && durable.PositionSize.IsPositive()
	}, 5*time.Second, 10*time.Millisecond)

	// The market gaps down; the close realizes a 1000 USD loss against a
	// 100 USD daily limit, so the enforcement fires from inside the
	// breaching strategy's own loop.
	e.market.set(dec("40000"))
	e.eval.set(&models.Signal{
		Action: models.SignalActionClose, Symbol: "BTCUSDT",
		ExitReason: models.ExitReasonStopLoss, Time: time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		durable, _ := e.store.GetStrategy(ctx, strat.ID)
		return durable != nil && durable.Status == models.StrategyStatusStoppedByRisk
	}, 5*time.Second, 10*time.Millisecond,
		"a daily-loss breach realized by an exit fill must pause the account")

	pos, err := e.paper.GetOpenPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, pos, "the account is flat after the pause")

	assert.ErrorIs(t, e.runner.Stop(ctx, strat.ID), enginerr.ErrNotRunning)
}

func TestCheckConsistencyReportsDrift(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	strat := testStrategy("acct", "BTCUSDT")
	require.NoError(t, e.runner.Register(ctx, strat))

	clean, err := e.runner.CheckConsistency(ctx, strat.ID)
	require.NoError(t, err)
	assert.Empty(t, clean)

	durable, err := e.store.GetStrategy(ctx, strat.ID)
	require.NoError(t, err)
	durable.PositionSize = dec("0.5")
	durable.PositionSide = models.PositionSideLong
	require.NoError(t, e.store.UpdateStrategy(ctx, durable))

	mismatches, err := e.runner.CheckConsistency(ctx, strat.ID)
	require.NoError(t, err)
	fields := make(map[string]bool)
	for _, m := range mismatches {
		fields[m.Field] = true
	}
	assert.True(t, fields["position_size"])
	assert.True(t, fields["position_side"])
}
