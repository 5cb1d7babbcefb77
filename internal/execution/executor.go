// Package execution submits orders to the exchange with at-most-once
// semantics: a deterministic dedup key per order intent, an in-memory
// idempotency window, a durable client-order-id backstop, and bounded
// verification polling until the order reaches a terminal state.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/tradeforge/internal/enginerr"
	"github.com/tradeforge/tradeforge/internal/exchange"
	"github.com/tradeforge/tradeforge/internal/metrics"
	"github.com/tradeforge/tradeforge/pkg/models"
)

// Outcome tags the executor result variant.
type Outcome string

const (
	// OutcomeExecuted means a new exchange order was created by this call.
	OutcomeExecuted Outcome = "executed"
	// OutcomeDuplicate means the intent was already submitted; Order holds
	// the original order's result.
	OutcomeDuplicate Outcome = "duplicate"
)

// Result is the executor's answer: which variant happened and the
// terminal order state behind it.
type Result struct {
	Outcome Outcome
	Order   *models.OrderResult
}

// Request is one sized, risk-approved order intent.
type Request struct {
	Symbol     string
	Side       models.OrderSide
	Quantity   decimal.Decimal
	Price      decimal.Decimal // reference price from the signal, used for the dedup key
	ReduceOnly bool
	ExitReason models.ExitReason
}

// FillLookup is the durable backstop consulted when the in-memory window
// has no record (e.g. after a restart) but the exchange may already have
// accepted the order.
type FillLookup interface {
	GetFillByClientOrderID(ctx context.Context, strategyID uuid.UUID, clientOrderID string) (*models.Fill, error)
}

// Config bounds the retry and verification budgets.
type Config struct {
	IdempotencyTTL time.Duration
	MaxAttempts    int
	VerifyAttempts int
	BackoffBase    time.Duration
}

// Executor is the idempotent order-execution path.
type Executor struct {
	client exchange.Client
	fills  FillLookup
	window *Window
	cfg    Config
	logger *zap.Logger

	// now is swappable in tests to pin the dedup time bucket.
	now func() time.Time
}

// NewExecutor creates an executor around an exchange client.
func NewExecutor(client exchange.Client, fills FillLookup, cfg Config, logger *zap.Logger) *Executor {
	if cfg.IdempotencyTTL == 0 {
		cfg.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.VerifyAttempts == 0 {
		cfg.VerifyAttempts = 5
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	return &Executor{
		client: client,
		fills:  fills,
		window: NewWindow(cfg.IdempotencyTTL),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Execute submits at most one live order for the request's intent. A
// detected duplicate returns the existing order's result instead of
// submitting again; failures after the retry budget surface loudly.
func (e *Executor) Execute(ctx context.Context, strategyID uuid.UUID, req Request) (*Result, error) {
	key := DeriveKey(strategyID, req.Symbol, req.Side, req.Price, req.Quantity, req.ReduceOnly, e.now())
	clientOrderID := ClientOrderID(key)

	rec, owner := e.window.Reserve(key)
	if !owner {
		return e.awaitExisting(ctx, rec)
	}

	// Durable backstop: this process may have restarted after the exchange
	// accepted the order under the same client token.
	existing, err := e.fills.GetFillByClientOrderID(ctx, strategyID, clientOrderID)
	if err != nil {
		e.window.Complete(key, nil, err)
		return nil, err
	}
	if existing != nil {
		result := fillToResult(existing)
		e.window.Complete(key, result, nil)
		metrics.DuplicatesSkipped.Inc()
		e.logger.Info("duplicate order detected via durable lookup",
			zap.String("strategy_id", strategyID.String()),
			zap.String("client_order_id", clientOrderID))
		return &Result{Outcome: OutcomeDuplicate, Order: result}, nil
	}

	started := time.Now()
	order, err := e.submitAndVerify(ctx, req, clientOrderID)
	e.window.Complete(key, order, err)
	if err != nil {
		return nil, err
	}

	metrics.OrdersSubmitted.WithLabelValues(string(req.Side)).Inc()
	metrics.ExecutionLatency.Observe(time.Since(started).Seconds())
	return &Result{Outcome: OutcomeExecuted, Order: order}, nil
}

// awaitExisting waits for the key owner's outcome and returns it as a
// duplicate.
func (e *Executor) awaitExisting(ctx context.Context, rec *record) (*Result, error) {
	select {
	case <-rec.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if rec.err != nil {
		return nil, fmt.Errorf("original submission failed: %w", rec.err)
	}
	metrics.DuplicatesSkipped.Inc()
	return &Result{Outcome: OutcomeDuplicate, Order: rec.result}, nil
}

// submitAndVerify places the order and polls it to a terminal state.
// Placement retries only on transient errors; the client token makes a
// retried placement idempotent on the exchange side. A NEW response is
// never resubmitted, only polled.
func (e *Executor) submitAndVerify(ctx context.Context, req Request, clientOrderID string) (*models.OrderResult, error) {
	placeReq := exchange.OrderRequest{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          exchange.OrderTypeMarket,
		Quantity:      req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		ClientOrderID: clientOrderID,
	}

	var order *models.OrderResult
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		result, err := e.client.PlaceOrder(ctx, placeReq)
		if err == nil {
			order = result
			break
		}
		lastErr = err
		if !enginerr.IsTransient(err) {
			return nil, fmt.Errorf("order placement rejected: %w", err)
		}
		e.logger.Warn("transient error placing order, will retry",
			zap.String("client_order_id", clientOrderID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	if order == nil {
		return nil, fmt.Errorf("%w: placement failed after %d attempts: %v",
			enginerr.ErrRetryBudgetExhausted, e.cfg.MaxAttempts, lastErr)
	}

	if order.Status.IsTerminal() {
		return order, nil
	}
	return e.verify(ctx, order)
}

// verify polls order status with bounded retries until a terminal state.
// On budget exhaustion the call fails loudly; the order is left standing
// so reconciliation can pick it up, never cancelled or resubmitted.
func (e *Executor) verify(ctx context.Context, order *models.OrderResult) (*models.OrderResult, error) {
	for attempt := 0; attempt < e.cfg.VerifyAttempts; attempt++ {
		if err := e.backoff(ctx, attempt); err != nil {
			return nil, err
		}
		status, err := e.client.GetOrderStatus(ctx, order.Symbol, order.OrderID)
		if err != nil {
			if enginerr.IsTransient(err) {
				continue
			}
			return nil, fmt.Errorf("order status check failed: %w", err)
		}
		if status.Status.IsTerminal() {
			return status, nil
		}
	}
	return nil, fmt.Errorf("%w: order %s not terminal after %d status checks",
		enginerr.ErrRetryBudgetExhausted, order.OrderID, e.cfg.VerifyAttempts)
}

// backoff sleeps base*2^attempt or returns early on context cancellation.
func (e *Executor) backoff(ctx context.Context, attempt int) error {
	delay := e.cfg.BackoffBase << uint(attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func fillToResult(f *models.Fill) *models.OrderResult {
	return &models.OrderResult{
		OrderID:       f.ExchangeOrderID,
		ClientOrderID: f.ClientOrderID,
		Symbol:        f.Symbol,
		Side:          f.Side,
		Status:        f.Status,
		RequestedQty:  f.RequestedQty,
		ExecutedQty:   f.ExecutedQty,
		AvgPrice:      f.AvgPrice,
		Fee:           f.Fee,
		ReduceOnly:    f.ReduceOnly,
		Time:          f.FilledAt,
	}
}
