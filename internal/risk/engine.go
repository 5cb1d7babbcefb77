// Package risk gates every prospective order against account- and
// strategy-scoped limits and enforces stop actions after fills. Checks run
// in a fixed order and the first violation wins; a tripped circuit breaker
// blocks all new orders for its scope until the cooldown expires.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/tradeforge/internal/metrics"
	"github.com/tradeforge/tradeforge/pkg/models"
)

// DefaultCooldown applies when a config trips the breaker without its own
// cooldown value.
const DefaultCooldown = 30 * time.Minute

// minReduceFraction: auto-reduce only down to this fraction of the
// requested quantity; anything smaller is blocked outright.
var minReduceFraction = decimal.RequireFromString("0.25")

// Store is the persistence surface the engine reads and audits through.
type Store interface {
	ConfigSource
	ListStrategiesByAccount(ctx context.Context, account string) ([]models.Strategy, error)
	ListTradesSince(ctx context.Context, account string, strategyID *uuid.UUID, since time.Time) ([]models.CompletedTrade, error)
	CountTradesSince(ctx context.Context, account string, strategyID *uuid.UUID, since time.Time) (int64, error)
	SaveRiskEvent(ctx context.Context, ev *models.RiskEvent) error
}

// BalanceSource reports the account balance used for percentage limits.
type BalanceSource interface {
	GetAccountBalance(ctx context.Context) (decimal.Decimal, error)
}

// StopController is implemented by the strategy runner. PauseAccount must
// be synchronous: when it returns, no strategy on the account is trading.
type StopController interface {
	StopStrategyForRisk(ctx context.Context, strategyID uuid.UUID, reason string) error
	PauseAccount(ctx context.Context, account, reason string) error
}

// Intent is the prospective order under evaluation.
type Intent struct {
	Side       models.OrderSide
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	ReduceOnly bool
}

// Decision is the engine's verdict: allow, allow with a shrunk quantity,
// or block with a reason naming the limit and scope.
type Decision struct {
	Allowed   bool
	Quantity  decimal.Decimal
	Reduced   bool
	Reason    string
	LimitType string
	Scope     models.RiskScope
}

func allow(qty decimal.Decimal) Decision {
	return Decision{Allowed: true, Quantity: qty}
}

// Engine evaluates risk limits.
type Engine struct {
	store    Store
	balances BalanceSource
	logger   *zap.Logger
	breaker  *breaker

	mu        sync.Mutex
	highWater map[string]decimal.Decimal // account -> balance high-water mark

	stop StopController

	now func() time.Time
}

// NewEngine creates a risk engine.
func NewEngine(store Store, balances BalanceSource, logger *zap.Logger) *Engine {
	now := time.Now
	return &Engine{
		store:     store,
		balances:  balances,
		logger:    logger,
		breaker:   newBreaker(now),
		highWater: make(map[string]decimal.Decimal),
		now:       now,
	}
}

// SetStopController wires the runner in after construction; the runner
// depends on the engine for pre-trade checks, so the reverse edge is set
// late.
func (e *Engine) SetStopController(s StopController) { e.stop = s }

// snapshot gathers the shared inputs of one check pass.
type snapshot struct {
	balance          decimal.Decimal
	accountExposure  decimal.Decimal
	strategyExposure decimal.Decimal
	orderNotional    decimal.Decimal
}

func positionNotional(s *models.Strategy) decimal.Decimal {
	if s.PositionSide == models.PositionSideNone {
		return decimal.Zero
	}
	return s.PositionSize.Mul(s.EntryPrice)
}

func (e *Engine) takeSnapshot(ctx context.Context, strat *models.Strategy, intent Intent) (snapshot, error) {
	balance, err := e.balances.GetAccountBalance(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("failed to fetch balance: %w", err)
	}
	siblings, err := e.store.ListStrategiesByAccount(ctx, strat.Account)
	if err != nil {
		return snapshot{}, err
	}

	snap := snapshot{
		balance:       balance,
		orderNotional: intent.Quantity.Mul(intent.Price),
	}
	for i := range siblings {
		n := positionNotional(&siblings[i])
		snap.accountExposure = snap.accountExposure.Add(n)
		if siblings[i].ID == strat.ID {
			snap.strategyExposure = n
		}
	}

	e.mu.Lock()
	if hwm, ok := e.highWater[strat.Account]; !ok || balance.GreaterThan(hwm) {
		e.highWater[strat.Account] = balance
	}
	e.mu.Unlock()

	return snap, nil
}

// CheckOrderAllowed runs the pre-trade gate. Reduce-only orders pass
// unconditionally: they can only shrink risk, and blocking them would
// trap open positions behind their own limits.
func (e *Engine) CheckOrderAllowed(ctx context.Context, strat *models.Strategy, intent Intent) (Decision, error) {
	if intent.ReduceOnly {
		return allow(intent.Quantity), nil
	}

	// A tripped breaker blocks regardless of individual limit values.
	if until, active := e.breaker.Active(strategyKey(strat.Account, strat.ID.String())); active {
		return e.block(ctx, strat, models.RiskScopeStrategy, "circuit_breaker",
			decimal.Zero, decimal.Zero,
			fmt.Sprintf("circuit breaker cooling down until %s (strategy)", until.UTC().Format(time.RFC3339))), nil
	}
	if until, active := e.breaker.Active(accountKey(strat.Account)); active {
		return e.block(ctx, strat, models.RiskScopeAccount, "circuit_breaker",
			decimal.Zero, decimal.Zero,
			fmt.Sprintf("circuit breaker cooling down until %s", until.UTC().Format(time.RFC3339))), nil
	}

	cfgs, err := resolveConfigs(ctx, e.store, strat.Account, strat.ID)
	if err != nil {
		return Decision{}, err
	}
	if cfgs.account == nil && cfgs.strategy == nil {
		return allow(intent.Quantity), nil
	}

	snap, err := e.takeSnapshot(ctx, strat, intent)
	if err != nil {
		return Decision{}, err
	}

	// Fixed evaluation order, first violation wins.
	checks := []func(context.Context, *models.Strategy, Intent, resolved, snapshot) (*Decision, error){
		e.checkExposure,
		e.checkDailyLoss,
		e.checkWeeklyLoss,
		e.checkDrawdown,
		e.checkTradeFrequency,
	}
	for _, check := range checks {
		d, err := check(ctx, strat, intent, cfgs, snap)
		if err != nil {
			return Decision{}, err
		}
		if d != nil {
			return *d, nil
		}
	}
	return allow(intent.Quantity), nil
}

// block emits the audit event and returns the blocked decision.
func (e *Engine) block(ctx context.Context, strat *models.Strategy, scope models.RiskScope, limitType string, current, limit decimal.Decimal, reason string) Decision {
	e.emit(ctx, strat, scope, limitType, current, limit, models.RiskActionBlocked, reason)
	return Decision{Allowed: false, Quantity: decimal.Zero, Reason: reason, LimitType: limitType, Scope: scope}
}

// emit writes the structured audit event to the log, the store and the
// metrics registry. This is the sole feed downstream alerting consumes.
func (e *Engine) emit(ctx context.Context, strat *models.Strategy, scope models.RiskScope, limitType string, current, limit decimal.Decimal, action models.RiskAction, reason string) {
	var strategyID *uuid.UUID
	if scope == models.RiskScopeStrategy && strat != nil {
		id := strat.ID
		strategyID = &id
	}
	account := ""
	if strat != nil {
		account = strat.Account
	}

	e.logger.Warn("risk limit event",
		zap.String("account", account),
		zap.String("limit", limitType),
		zap.String("scope", string(scope)),
		zap.String("action", string(action)),
		zap.String("current", current.String()),
		zap.String("limit_value", limit.String()),
		zap.String("reason", reason))
	metrics.RiskBlocks.WithLabelValues(limitType, string(scope)).Inc()

	ev := &models.RiskEvent{
		Account:      account,
		StrategyID:   strategyID,
		Scope:        scope,
		LimitType:    limitType,
		CurrentValue: current,
		LimitValue:   limit,
		Action:       action,
		Reason:       reason,
	}
	if err := e.store.SaveRiskEvent(ctx, ev); err != nil {
		e.logger.Error("failed to persist risk event", zap.Error(err))
	}
}

func scopeSuffix(scope models.RiskScope) string {
	if scope == models.RiskScopeStrategy {
		return " (strategy)"
	}
	return ""
}
