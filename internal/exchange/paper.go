package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/tradeforge/pkg/models"
)

// MarketData is the read-only slice of the exchange contract the paper
// client needs to price its fills. The live client's public endpoints
// satisfy it, as does a fixture in tests.
type MarketData interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// BalanceStore optionally persists the virtual balance across restarts.
type BalanceStore interface {
	GetPaperBalance(ctx context.Context, account string) (*decimal.Decimal, error)
	SavePaperBalance(ctx context.Context, account string, balance decimal.Decimal) error
}

// PaperConfig configures the simulated exchange.
type PaperConfig struct {
	Account        string
	InitialBalance decimal.Decimal
	SpreadBps      int // full spread in basis points, split across both sides
	FeeBps         int // taker fee in basis points
}

type paperPosition struct {
	side       models.PositionSide
	size       decimal.Decimal
	entryPrice decimal.Decimal
	leverage   int
}

// PaperClient simulates fills against real market data. Market orders fill
// immediately at the quoted price adjusted by half the configured spread;
// a taker fee is charged on every fill. Balance and positions live in
// memory, with optional balance persistence through a BalanceStore.
type PaperClient struct {
	mu         sync.Mutex
	account    string
	marketData MarketData
	store      BalanceStore
	logger     *zap.Logger

	balance    decimal.Decimal
	halfSpread decimal.Decimal // fraction of price
	feeRate    decimal.Decimal // fraction of notional

	positions map[string]*paperPosition
	orders    map[string]*models.OrderResult // every order ever placed, by id
	byClient  map[string]string              // client order id -> order id
	open      map[string]map[string]bool     // symbol -> resting (unfilled) order ids
	nextID    int64
}

// NewPaperClient creates the simulated exchange. When store is non-nil a
// previously persisted balance overrides cfg.InitialBalance.
func NewPaperClient(cfg PaperConfig, marketData MarketData, store BalanceStore, logger *zap.Logger) *PaperClient {
	bps := decimal.New(1, -4) // one basis point
	c := &PaperClient{
		account:    cfg.Account,
		marketData: marketData,
		store:      store,
		logger:     logger,
		balance:    cfg.InitialBalance,
		halfSpread: decimal.NewFromInt(int64(cfg.SpreadBps)).Mul(bps).Div(decimal.NewFromInt(2)),
		feeRate:    decimal.NewFromInt(int64(cfg.FeeBps)).Mul(bps),
		positions:  make(map[string]*paperPosition),
		orders:     make(map[string]*models.OrderResult),
		byClient:   make(map[string]string),
		open:       make(map[string]map[string]bool),
	}
	if store != nil {
		if persisted, err := store.GetPaperBalance(context.Background(), cfg.Account); err != nil {
			logger.Warn("failed to load persisted paper balance", zap.Error(err))
		} else if persisted != nil {
			c.balance = *persisted
		}
	}
	return c
}

var _ Client = (*PaperClient)(nil)

func (c *PaperClient) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return c.marketData.GetPrice(ctx, symbol)
}

func (c *PaperClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return c.marketData.GetKlines(ctx, symbol, interval, limit)
}

func (c *PaperClient) GetOpenPosition(ctx context.Context, symbol string) (*models.Position, error) {
	price, err := c.marketData.GetPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[symbol]
	if !ok || pos.size.IsZero() {
		return nil, nil
	}

	diff := price.Sub(pos.entryPrice)
	if pos.side == models.PositionSideShort {
		diff = diff.Neg()
	}
	return &models.Position{
		Symbol:        symbol,
		Side:          pos.side,
		Size:          pos.size,
		EntryPrice:    pos.entryPrice,
		MarkPrice:     price,
		UnrealizedPnL: diff.Mul(pos.size),
		Leverage:      pos.leverage,
	}, nil
}

// PlaceOrder fills market orders immediately and rests stop/take-profit
// orders as open NEW orders. A repeated ClientOrderID returns the original
// order, matching real exchange dedup behavior.
func (c *PaperClient) PlaceOrder(ctx context.Context, req OrderRequest) (*models.OrderResult, error) {
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("order quantity must be positive, got %s", req.Quantity)
	}

	c.mu.Lock()
	if req.ClientOrderID != "" {
		if id, ok := c.byClient[req.ClientOrderID]; ok {
			existing := *c.orders[id]
			c.mu.Unlock()
			return &existing, nil
		}
	}
	c.mu.Unlock()

	if req.Type != OrderTypeMarket {
		return c.restOrder(req)
	}

	price, err := c.marketData.GetPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fillPrice := price
	if req.Side == models.OrderSideBuy {
		fillPrice = price.Mul(decimal.NewFromInt(1).Add(c.halfSpread))
	} else {
		fillPrice = price.Mul(decimal.NewFromInt(1).Sub(c.halfSpread))
	}

	qty := req.Quantity
	pos := c.positions[req.Symbol]
	if req.ReduceOnly {
		if pos == nil || pos.size.IsZero() {
			return nil, fmt.Errorf("reduce-only order on %s with no open position", req.Symbol)
		}
		if qty.GreaterThan(pos.size) {
			qty = pos.size
		}
	}

	fee := qty.Mul(fillPrice).Mul(c.feeRate)
	c.applyFill(req.Symbol, req.Side, qty, fillPrice)
	c.balance = c.balance.Sub(fee)
	c.persistBalance()

	result := &models.OrderResult{
		OrderID:       c.newOrderID(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        models.OrderStatusFilled,
		RequestedQty:  req.Quantity,
		ExecutedQty:   qty,
		AvgPrice:      fillPrice,
		Fee:           fee,
		ReduceOnly:    req.ReduceOnly,
		Time:          time.Now().UTC(),
	}
	c.remember(result)
	return result, nil
}

// restOrder records a protective order without filling it.
func (c *PaperClient) restOrder(req OrderRequest) (*models.OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := &models.OrderResult{
		OrderID:       c.newOrderID(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        models.OrderStatusNew,
		RequestedQty:  req.Quantity,
		ExecutedQty:   decimal.Zero,
		ReduceOnly:    req.ReduceOnly,
		Time:          time.Now().UTC(),
	}
	c.remember(result)
	if c.open[req.Symbol] == nil {
		c.open[req.Symbol] = make(map[string]bool)
	}
	c.open[req.Symbol][result.OrderID] = true
	return result, nil
}

// applyFill mutates position and balance under c.mu.
func (c *PaperClient) applyFill(symbol string, side models.OrderSide, qty, price decimal.Decimal) {
	pos := c.positions[symbol]
	if pos == nil {
		pos = &paperPosition{size: decimal.Zero, entryPrice: decimal.Zero, leverage: 1}
		c.positions[symbol] = pos
	}

	fillSide := models.PositionSideLong
	if side == models.OrderSideSell {
		fillSide = models.PositionSideShort
	}

	switch {
	case pos.size.IsZero():
		pos.side = fillSide
		pos.size = qty
		pos.entryPrice = price
	case pos.side == fillSide:
		// Increase: volume-weighted average entry.
		total := pos.size.Add(qty)
		pos.entryPrice = pos.entryPrice.Mul(pos.size).Add(price.Mul(qty)).Div(total)
		pos.size = total
	default:
		// Reduce (and possibly flip).
		closed := decimal.Min(qty, pos.size)
		pnl := price.Sub(pos.entryPrice).Mul(closed)
		if pos.side == models.PositionSideShort {
			pnl = pnl.Neg()
		}
		c.balance = c.balance.Add(pnl)

		remainder := qty.Sub(pos.size)
		if remainder.GreaterThan(decimal.Zero) {
			pos.side = fillSide
			pos.size = remainder
			pos.entryPrice = price
		} else {
			pos.size = pos.size.Sub(closed)
			if pos.size.IsZero() {
				pos.side = models.PositionSideNone
				pos.entryPrice = decimal.Zero
			}
		}
	}
}

func (c *PaperClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	if order.Status == models.OrderStatusNew {
		order.Status = models.OrderStatusCancelled
		delete(c.open[symbol], orderID)
	}
	return nil
}

func (c *PaperClient) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.open[symbol] {
		c.orders[id].Status = models.OrderStatusCancelled
	}
	delete(c.open, symbol)
	return nil
}

func (c *PaperClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (*models.OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	cp := *order
	return &cp, nil
}

func (c *PaperClient) AdjustLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return fmt.Errorf("leverage must be at least 1, got %d", leverage)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := c.positions[symbol]
	if pos == nil {
		pos = &paperPosition{size: decimal.Zero, entryPrice: decimal.Zero}
		c.positions[symbol] = pos
	}
	pos.leverage = leverage
	return nil
}

func (c *PaperClient) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, nil
}

func (c *PaperClient) newOrderID() string {
	c.nextID++
	return "paper-" + strconv.FormatInt(c.nextID, 10)
}

func (c *PaperClient) remember(result *models.OrderResult) {
	c.orders[result.OrderID] = result
	if result.ClientOrderID != "" {
		c.byClient[result.ClientOrderID] = result.OrderID
	}
}

// persistBalance is best-effort; a failed write only costs sandbox balance
// continuity across a restart.
func (c *PaperClient) persistBalance() {
	if c.store == nil {
		return
	}
	if err := c.store.SavePaperBalance(context.Background(), c.account, c.balance); err != nil {
		c.logger.Warn("failed to persist paper balance", zap.Error(err))
	}
}
