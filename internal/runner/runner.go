// Package runner schedules the per-strategy trading loops: registration
// with conflict checks, bounded concurrent starts, cooperative stop,
// dead-loop reclamation and synchronous account-wide pause.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradeforge/tradeforge/internal/config"
	"github.com/tradeforge/tradeforge/internal/enginerr"
	"github.com/tradeforge/tradeforge/internal/exchange"
	"github.com/tradeforge/tradeforge/internal/execution"
	"github.com/tradeforge/tradeforge/internal/metrics"
	"github.com/tradeforge/tradeforge/internal/reconcile"
	"github.com/tradeforge/tradeforge/internal/risk"
	"github.com/tradeforge/tradeforge/internal/store"
	"github.com/tradeforge/tradeforge/pkg/models"
)

// SignalEvaluator produces trading signals. The numerical strategies
// themselves live outside the core; the runner only needs this contract.
type SignalEvaluator interface {
	Evaluate(ctx context.Context, strat *models.Strategy, client exchange.Client) (*models.Signal, error)
}

// Runner owns the set of registered strategies and their loops.
type Runner struct {
	store     store.Store
	client    exchange.Client
	riskEng   *risk.Engine
	rec       *reconcile.Reconciler
	exec      *execution.Executor
	evaluator SignalEvaluator
	cfg       config.RunnerConfig
	logger    *zap.Logger

	reg *registry

	// accountMu serializes Start's conflict check against PauseAccount for
	// the same account, so a pause always observes a consistent snapshot
	// of "all strategies on this account".
	accountMuMu sync.Mutex
	accountMu   map[string]*sync.Mutex
}

// New creates a runner.
func New(st store.Store, client exchange.Client, riskEng *risk.Engine, rec *reconcile.Reconciler, exec *execution.Executor, evaluator SignalEvaluator, cfg config.RunnerConfig, logger *zap.Logger) *Runner {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.LoopInterval == 0 {
		cfg.LoopInterval = 5 * time.Second
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	return &Runner{
		store:     st,
		client:    client,
		riskEng:   riskEng,
		rec:       rec,
		exec:      exec,
		evaluator: evaluator,
		cfg:       cfg,
		logger:    logger,
		reg:       newRegistry(),
		accountMu: make(map[string]*sync.Mutex),
	}
}

var _ risk.StopController = (*Runner)(nil)

func (r *Runner) lockAccount(account string) func() {
	r.accountMuMu.Lock()
	mu, ok := r.accountMu[account]
	if !ok {
		mu = &sync.Mutex{}
		r.accountMu[account] = mu
	}
	r.accountMuMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Register validates the strategy and persists it in stopped state. The
// (account, symbol) conflict is checked here and again at Start, since
// state may change in between.
func (r *Runner) Register(ctx context.Context, strat *models.Strategy) error {
	if strat.Symbol == "" {
		return enginerr.NewValidation("symbol", "must not be empty")
	}
	if strat.Account == "" {
		return enginerr.NewValidation("account", "must not be empty")
	}
	if strat.Leverage <= 0 {
		return enginerr.NewValidation("leverage", "must be positive")
	}
	if !strat.RiskPerTradePct.IsPositive() && !strat.FixedNotionalUSD.IsPositive() {
		return enginerr.NewValidation("sizing", "either risk_per_trade_pct or fixed_notional_usd is required")
	}

	if err := r.checkConflict(ctx, strat); err != nil {
		return err
	}

	strat.Status = models.StrategyStatusStopped
	if err := r.store.CreateStrategy(ctx, strat); err != nil {
		return err
	}
	r.reg.put(&entry{strategy: strat})
	r.logger.Info("strategy registered",
		zap.String("strategy_id", strat.ID.String()),
		zap.String("account", strat.Account),
		zap.String("symbol", strat.Symbol))
	return nil
}

// checkConflict enforces at most one running strategy per (account,
// symbol), consulting both the registry and the durable store.
func (r *Runner) checkConflict(ctx context.Context, strat *models.Strategy) error {
	if id, found := r.reg.conflicting(strat.Account, strat.Symbol, strat.ID); found {
		return &enginerr.ConflictError{Account: strat.Account, Symbol: strat.Symbol, ConflictID: id.String()}
	}
	siblings, err := r.store.ListStrategiesByAccount(ctx, strat.Account)
	if err != nil {
		return err
	}
	for i := range siblings {
		s := &siblings[i]
		if s.ID != strat.ID && s.Symbol == strat.Symbol && s.Status == models.StrategyStatusRunning {
			return &enginerr.ConflictError{Account: strat.Account, Symbol: strat.Symbol, ConflictID: s.ID.String()}
		}
	}
	return nil
}

// Start launches the strategy's loop. Fails rather than queues when the
// concurrency ceiling is reached.
func (r *Runner) Start(ctx context.Context, id uuid.UUID) error {
	e, ok := r.reg.get(id)
	if !ok {
		strat, err := r.store.GetStrategy(ctx, id)
		if err != nil {
			return enginerr.ErrStrategyNotFound
		}
		e = &entry{strategy: strat}
		r.reg.put(e)
	}

	unlock := r.lockAccount(e.strategy.Account)
	defer unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.strategy.Status == models.StrategyStatusRunning && !e.loopDone() {
		return fmt.Errorf("strategy %s is already running", id)
	}
	if err := r.checkConflict(ctx, e.strategy); err != nil {
		return err
	}
	if r.reg.liveCount() >= r.cfg.MaxConcurrent {
		return fmt.Errorf("%w: %d loops already running", enginerr.ErrConcurrencyCeiling, r.cfg.MaxConcurrent)
	}

	if err := r.client.AdjustLeverage(ctx, e.strategy.Symbol, e.strategy.Leverage); err != nil {
		return fmt.Errorf("failed to set leverage for %s: %w", e.strategy.Symbol, err)
	}

	now := time.Now().UTC()
	e.strategy.Status = models.StrategyStatusRunning
	e.strategy.StartedAt = &now
	e.strategy.StoppedAt = nil
	if err := r.store.UpdateStrategy(ctx, e.strategy); err != nil {
		e.strategy.Status = models.StrategyStatusStopped
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loopCtx = withLoopStrategy(loopCtx, id)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.stopRequested = false

	go r.runLoop(loopCtx, e)
	metrics.StrategiesRunning.Inc()
	r.logger.Info("strategy started",
		zap.String("strategy_id", id.String()),
		zap.String("symbol", e.strategy.Symbol))
	return nil
}

// Stop cancels the loop, waits for it to acknowledge, and marks the
// strategy stopped. The cancel interrupts sleeps immediately but an order
// already in flight completes and reconciles before the loop exits.
func (r *Runner) Stop(ctx context.Context, id uuid.UUID) error {
	return r.stopWithStatus(ctx, id, models.StrategyStatusStopped, "")
}

// StopStrategyForRisk implements risk.StopController.
func (r *Runner) StopStrategyForRisk(ctx context.Context, id uuid.UUID, reason string) error {
	return r.stopWithStatus(ctx, id, models.StrategyStatusStoppedByRisk, reason)
}

func (r *Runner) stopWithStatus(ctx context.Context, id uuid.UUID, status models.StrategyStatus, reason string) error {
	e, ok := r.reg.get(id)
	if !ok {
		return enginerr.ErrStrategyNotFound
	}

	e.mu.Lock()
	if e.strategy.Status != models.StrategyStatusRunning || e.cancel == nil {
		e.mu.Unlock()
		return enginerr.ErrNotRunning
	}
	e.stopRequested = true
	e.cancel()
	done := e.done
	e.mu.Unlock()

	// A loop stopping itself (risk check inside its own iteration) must
	// not wait on its own completion.
	if loopStrategyFrom(ctx) != id {
		select {
		case <-done:
		case <-time.After(r.cfg.StopTimeout):
			r.logger.Warn("timed out waiting for loop to stop",
				zap.String("strategy_id", id.String()))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.mu.Lock()
	now := time.Now().UTC()
	e.strategy.Status = status
	e.strategy.StoppedAt = &now
	// A self-stop arrives on the loop context cancelled above; the final
	// persist must still go through.
	err := r.store.UpdateStrategy(context.WithoutCancel(ctx), e.strategy)
	e.mu.Unlock()

	metrics.StrategiesRunning.Dec()
	r.logger.Info("strategy stopped",
		zap.String("strategy_id", id.String()),
		zap.String("status", string(status)),
		zap.String("reason", reason))
	return err
}

// Run starts the dead-loop sweeper and blocks until ctx is cancelled,
// then stops every running loop.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(context.Background())
		case <-ctx.Done():
			r.shutdown()
			return
		}
	}
}

// sweep reclaims loops that died without a Stop call: the entry is
// evicted from the active set and the strategy flipped to error, so a
// silent crash never leaves a strategy falsely marked running.
func (r *Runner) sweep(ctx context.Context) {
	for _, e := range r.reg.snapshot() {
		e.mu.Lock()
		dead := e.done != nil && e.loopDone() && !e.stopRequested &&
			e.strategy.Status == models.StrategyStatusRunning
		if dead {
			e.strategy.Status = models.StrategyStatusError
			now := time.Now().UTC()
			e.strategy.StoppedAt = &now
			e.done = nil
			e.cancel = nil
			if err := r.store.UpdateStrategy(ctx, e.strategy); err != nil {
				r.logger.Error("failed to persist error state for dead loop",
					zap.String("strategy_id", e.strategy.ID.String()), zap.Error(err))
			}
			metrics.StrategiesRunning.Dec()
			r.logger.Error("reclaimed dead strategy loop",
				zap.String("strategy_id", e.strategy.ID.String()))
		}
		e.mu.Unlock()
	}
}

func (r *Runner) shutdown() {
	for _, e := range r.reg.snapshot() {
		e.mu.Lock()
		id := e.strategy.ID
		running := e.strategy.Status == models.StrategyStatusRunning && e.cancel != nil
		e.mu.Unlock()
		if running {
			if err := r.Stop(context.Background(), id); err != nil {
				r.logger.Warn("failed to stop strategy during shutdown",
					zap.String("strategy_id", id.String()), zap.Error(err))
			}
		}
	}
}

// Mismatch is one field diverging between the in-memory and durable view.
type Mismatch struct {
	Field   string
	Memory  string
	Durable string
}

// CheckConsistency diffs the runner's in-memory strategy against the
// durable record. Reporting only; no corrective action is taken.
func (r *Runner) CheckConsistency(ctx context.Context, id uuid.UUID) ([]Mismatch, error) {
	e, ok := r.reg.get(id)
	if !ok {
		return nil, enginerr.ErrStrategyNotFound
	}
	durable, err := r.store.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	mem := *e.strategy
	e.mu.Unlock()

	var out []Mismatch
	diff := func(field, a, b string) {
		if a != b {
			out = append(out, Mismatch{Field: field, Memory: a, Durable: b})
		}
	}
	diff("status", string(mem.Status), string(durable.Status))
	diff("position_size", mem.PositionSize.String(), durable.PositionSize.String())
	diff("position_side", string(mem.PositionSide), string(durable.PositionSide))
	diff("entry_price", mem.EntryPrice.String(), durable.EntryPrice.String())
	memInst, durInst := "", ""
	if mem.PositionInstanceID != nil {
		memInst = mem.PositionInstanceID.String()
	}
	if durable.PositionInstanceID != nil {
		durInst = durable.PositionInstanceID.String()
	}
	diff("position_instance_id", memInst, durInst)
	return out, nil
}
